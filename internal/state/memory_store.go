package state

import (
	"context"
	"sort"
	"sync"

	"diveguard/internal/domain"
)

// MemoryStore keeps sessions, alerts, and routing rows in process memory for single-instance mode.
// Params: in-memory maps guarded by one RW mutex.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu            sync.RWMutex
	maxSamples    int
	inboxLimit    int
	sessions      map[string]domain.Session
	samples       map[string][]domain.DepthSample
	alerts        map[string]memoryAlert
	open          map[string]string
	subscriptions map[string]domain.Subscription
	webhooks      map[string]memoryWebhook
	inbox         []domain.Notification
}

type memoryAlert struct {
	alert    domain.Alert
	revision uint64
}

type memoryWebhook struct {
	webhook  domain.Webhook
	revision uint64
}

// NewMemoryStore creates in-memory state store.
// Params: per-session sample history bound and in-app inbox bound (<=0 means unbounded).
// Returns: initialized in-memory store.
func NewMemoryStore(maxSamples, inboxLimit int) *MemoryStore {
	return &MemoryStore{
		maxSamples:    maxSamples,
		inboxLimit:    inboxLimit,
		sessions:      make(map[string]domain.Session),
		samples:       make(map[string][]domain.DepthSample),
		alerts:        make(map[string]memoryAlert),
		open:          make(map[string]string),
		subscriptions: make(map[string]domain.Subscription),
		webhooks:      make(map[string]memoryWebhook),
	}
}

// PutSession upserts session and returns the replaced row.
func (s *MemoryStore) PutSession(_ context.Context, session domain.Session) (domain.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.sessions[session.ID]
	s.sessions[session.ID] = session
	return previous, existed, nil
}

// GetSession returns one session or ErrNotFound.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return session, nil
}

// ListSessions returns all sessions ordered by ID.
func (s *MemoryStore) ListSessions(_ context.Context) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendSample stores sample in time order under its session.
// Params: validated depth sample.
// Returns: nil (in-memory update).
func (s *MemoryStore) AppendSample(_ context.Context, sample domain.DepthSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[sample.SessionID] = insertSample(s.samples[sample.SessionID], sample, s.maxSamples)
	return nil
}

// ListSamples returns a copy of time-ordered samples for session.
func (s *MemoryStore) ListSamples(_ context.Context, sessionID string) ([]domain.DepthSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.DepthSample(nil), s.samples[sessionID]...), nil
}

// CreateOpenAlert inserts alert unless (session, type) already has an open alert.
// Params: fully built alert with unique ID.
// Returns: stored or existing alert and whether insert happened.
func (s *MemoryStore) CreateOpenAlert(_ context.Context, alert domain.Alert) (domain.Alert, bool, error) {
	key := DedupKey(alert.SessionID, alert.Type)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.open[key]; ok {
		return cloneAlert(s.alerts[existingID].alert), false, nil
	}
	if _, ok := s.alerts[alert.ID]; ok {
		return domain.Alert{}, false, ErrConflict
	}
	stored := cloneAlert(alert)
	s.alerts[alert.ID] = memoryAlert{alert: stored, revision: 1}
	if stored.Open() {
		s.open[key] = alert.ID
	}
	return cloneAlert(stored), true, nil
}

// GetAlert returns alert payload and revision.
func (s *MemoryStore) GetAlert(_ context.Context, alertID string) (domain.Alert, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.alerts[alertID]
	if !ok {
		return domain.Alert{}, 0, ErrNotFound
	}
	return cloneAlert(entry.alert), entry.revision, nil
}

// UpdateAlert replaces alert using expected revision CAS.
// Params: replacement alert and expected revision.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) UpdateAlert(_ context.Context, alert domain.Alert, expectedRevision uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.alerts[alert.ID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.alerts[alert.ID] = memoryAlert{alert: cloneAlert(alert), revision: rev}
	key := DedupKey(alert.SessionID, alert.Type)
	if !alert.Open() && s.open[key] == alert.ID {
		delete(s.open, key)
	}
	return rev, nil
}

// ListAlerts returns all alerts, newest first.
func (s *MemoryStore) ListAlerts(_ context.Context) ([]domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Alert, 0, len(s.alerts))
	for _, entry := range s.alerts {
		out = append(out, cloneAlert(entry.alert))
	}
	sortAlerts(out)
	return out, nil
}

// PutSubscription upserts routing row keyed by (event type, channel).
func (s *MemoryStore) PutSubscription(_ context.Context, subscription domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[subscriptionKey(subscription.EventType, subscription.Channel)] = subscription
	return nil
}

// DeleteSubscription removes routing row or returns ErrNotFound.
func (s *MemoryStore) DeleteSubscription(_ context.Context, eventType domain.EventType, channel domain.Channel) error {
	key := subscriptionKey(eventType, channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[key]; !ok {
		return ErrNotFound
	}
	delete(s.subscriptions, key)
	return nil
}

// ListSubscriptions returns routing rows ordered by event type then channel.
func (s *MemoryStore) ListSubscriptions(_ context.Context) ([]domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Subscription, 0, len(s.subscriptions))
	for _, subscription := range s.subscriptions {
		out = append(out, subscription)
	}
	sortSubscriptions(out)
	return out, nil
}

// CreateWebhook inserts webhook or returns ErrConflict on duplicate ID.
func (s *MemoryStore) CreateWebhook(_ context.Context, webhook domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[webhook.ID]; ok {
		return ErrConflict
	}
	s.webhooks[webhook.ID] = memoryWebhook{webhook: cloneWebhook(webhook), revision: 1}
	return nil
}

// GetWebhook returns webhook payload and revision.
func (s *MemoryStore) GetWebhook(_ context.Context, webhookID string) (domain.Webhook, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.webhooks[webhookID]
	if !ok {
		return domain.Webhook{}, 0, ErrNotFound
	}
	return cloneWebhook(entry.webhook), entry.revision, nil
}

// UpdateWebhook replaces webhook using expected revision CAS.
func (s *MemoryStore) UpdateWebhook(_ context.Context, webhook domain.Webhook, expectedRevision uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.webhooks[webhook.ID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.webhooks[webhook.ID] = memoryWebhook{webhook: cloneWebhook(webhook), revision: rev}
	return rev, nil
}

// DeleteWebhook removes webhook or returns ErrNotFound.
func (s *MemoryStore) DeleteWebhook(_ context.Context, webhookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[webhookID]; !ok {
		return ErrNotFound
	}
	delete(s.webhooks, webhookID)
	return nil
}

// ListWebhooks returns webhooks ordered by creation time.
func (s *MemoryStore) ListWebhooks(_ context.Context) ([]domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Webhook, 0, len(s.webhooks))
	for _, entry := range s.webhooks {
		out = append(out, cloneWebhook(entry.webhook))
	}
	sortWebhooks(out)
	return out, nil
}

// AppendNotification stores in-app notification, evicting the oldest beyond inbox limit.
func (s *MemoryStore) AppendNotification(_ context.Context, notification domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox = append(s.inbox, notification)
	if s.inboxLimit > 0 && len(s.inbox) > s.inboxLimit {
		s.inbox = append([]domain.Notification(nil), s.inbox[len(s.inbox)-s.inboxLimit:]...)
	}
	return nil
}

// ListNotifications returns newest notifications first.
func (s *MemoryStore) ListNotifications(_ context.Context, limit int) ([]domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]domain.Notification(nil), s.inbox...)
	return newestNotifications(out, limit), nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

func sortAlerts(alerts []domain.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
}

func sortSubscriptions(subscriptions []domain.Subscription) {
	sort.Slice(subscriptions, func(i, j int) bool {
		if subscriptions[i].EventType == subscriptions[j].EventType {
			return subscriptions[i].Channel < subscriptions[j].Channel
		}
		return subscriptions[i].EventType < subscriptions[j].EventType
	})
}

func sortWebhooks(webhooks []domain.Webhook) {
	sort.SliceStable(webhooks, func(i, j int) bool {
		if webhooks[i].CreatedAt.Equal(webhooks[j].CreatedAt) {
			return webhooks[i].ID < webhooks[j].ID
		}
		return webhooks[i].CreatedAt.Before(webhooks[j].CreatedAt)
	})
}

func newestNotifications(notifications []domain.Notification, limit int) []domain.Notification {
	sort.SliceStable(notifications, func(i, j int) bool {
		return notifications[i].CreatedAt.After(notifications[j].CreatedAt)
	})
	if limit > 0 && len(notifications) > limit {
		notifications = notifications[:limit]
	}
	return notifications
}
