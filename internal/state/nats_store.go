package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"diveguard/internal/config"
	"diveguard/internal/domain"

	"github.com/nats-io/nats.go"
)

const maxCASAttempts = 8

// NATSStore persists dive state in JetStream KV buckets.
// Params: NATS connection, JetStream context, and KV bucket handles.
// Returns: KV-backed state store implementation.
type NATSStore struct {
	nc          *nats.Conn
	js          nats.JetStreamContext
	dataKV      nats.KeyValue
	telemetryKV nats.KeyValue
	inboxKV     nats.KeyValue
	settings    config.NATSStateConfig
}

// NewNATSStore opens or creates KV buckets and returns NATS state backend.
// Params: NATS/JetStream settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	dataKV, err := openBucket(js, settings.AllowCreateBuckets, &nats.KeyValueConfig{
		Bucket:  settings.DataBucket,
		History: 1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("data bucket: %w", err)
	}
	telemetryKV, err := openBucket(js, settings.AllowCreateBuckets, &nats.KeyValueConfig{
		Bucket:  settings.TelemetryBucket,
		History: 1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("telemetry bucket: %w", err)
	}
	inboxKV, err := openBucket(js, settings.AllowCreateBuckets, &nats.KeyValueConfig{
		Bucket: settings.InboxBucket,
		TTL:    time.Duration(settings.InboxTTLSec) * time.Second,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("inbox bucket: %w", err)
	}

	return &NATSStore{
		nc:          nc,
		js:          js,
		dataKV:      dataKV,
		telemetryKV: telemetryKV,
		inboxKV:     inboxKV,
		settings:    settings,
	}, nil
}

// openBucket binds existing KV bucket or creates it when allowed.
// Params: JetStream context, create permission, and bucket config.
// Returns: bucket handle or open/create error.
func openBucket(js nats.JetStreamContext, allowCreate bool, cfg *nats.KeyValueConfig) (nats.KeyValue, error) {
	kv, err := js.KeyValue(cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open %q: %w", cfg.Bucket, err)
	}
	kv, err = js.CreateKeyValue(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// PutSession upserts session and returns the replaced row.
func (s *NATSStore) PutSession(_ context.Context, session domain.Session) (domain.Session, bool, error) {
	var previous domain.Session
	existed := false
	entry, err := s.telemetryKV.Get(sessionKey(session.ID))
	switch {
	case err == nil:
		if err := json.Unmarshal(entry.Value(), &previous); err != nil {
			return domain.Session{}, false, fmt.Errorf("decode session: %w", err)
		}
		existed = true
	case !errors.Is(err, nats.ErrKeyNotFound):
		return domain.Session{}, false, fmt.Errorf("get session: %w", err)
	}

	body, err := json.Marshal(session)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("encode session: %w", err)
	}
	if _, err := s.telemetryKV.Put(sessionKey(session.ID), body); err != nil {
		return domain.Session{}, false, fmt.Errorf("put session: %w", err)
	}
	return previous, existed, nil
}

// GetSession returns one session or ErrNotFound.
func (s *NATSStore) GetSession(_ context.Context, sessionID string) (domain.Session, error) {
	var session domain.Session
	if _, err := getJSON(s.telemetryKV, sessionKey(sessionID), &session); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

// ListSessions returns all sessions ordered by ID.
func (s *NATSStore) ListSessions(_ context.Context) ([]domain.Session, error) {
	keys, err := listKeys(s.telemetryKV, sessionKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Session, 0, len(keys))
	for _, key := range keys {
		var session domain.Session
		if _, err := getJSON(s.telemetryKV, key, &session); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

// AppendSample merges sample into session history with revision CAS.
// Params: validated depth sample.
// Returns: store error after exhausting conflict retries.
func (s *NATSStore) AppendSample(_ context.Context, sample domain.DepthSample) error {
	key := samplesKey(sample.SessionID)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var samples []domain.DepthSample
		rev, err := getJSON(s.telemetryKV, key, &samples)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		body, err := json.Marshal(insertSample(samples, sample, s.settings.MaxSamples))
		if err != nil {
			return fmt.Errorf("encode samples: %w", err)
		}
		if rev == 0 {
			_, err = s.telemetryKV.Create(key, body)
		} else {
			_, err = s.telemetryKV.Update(key, body, rev)
		}
		if err == nil {
			return nil
		}
		if !isRevisionConflict(err) {
			return fmt.Errorf("write samples: %w", err)
		}
	}
	return fmt.Errorf("write samples: %w", ErrConflict)
}

// ListSamples returns time-ordered samples for session.
func (s *NATSStore) ListSamples(_ context.Context, sessionID string) ([]domain.DepthSample, error) {
	var samples []domain.DepthSample
	if _, err := getJSON(s.telemetryKV, samplesKey(sessionID), &samples); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return samples, nil
}

// CreateOpenAlert reserves open slot with KV create, then writes alert body.
// Params: fully built alert with unique ID.
// Returns: stored or existing alert and whether insert happened.
func (s *NATSStore) CreateOpenAlert(ctx context.Context, alert domain.Alert) (domain.Alert, bool, error) {
	slot := openKey(alert.SessionID, alert.Type)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		_, err := s.dataKV.Create(slot, []byte(alert.ID))
		if err == nil {
			body, err := json.Marshal(alert)
			if err != nil {
				_ = s.dataKV.Delete(slot)
				return domain.Alert{}, false, fmt.Errorf("encode alert: %w", err)
			}
			if _, err := s.dataKV.Create(alertKey(alert.ID), body); err != nil {
				_ = s.dataKV.Delete(slot)
				if isRevisionConflict(err) {
					return domain.Alert{}, false, ErrConflict
				}
				return domain.Alert{}, false, fmt.Errorf("create alert: %w", err)
			}
			return alert, true, nil
		}
		if !isRevisionConflict(err) {
			return domain.Alert{}, false, fmt.Errorf("reserve open alert: %w", err)
		}

		entry, err := s.dataKV.Get(slot)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return domain.Alert{}, false, fmt.Errorf("read open alert: %w", err)
		}
		existingID := string(entry.Value())
		existing, _, err := s.GetAlert(ctx, existingID)
		switch {
		case errors.Is(err, ErrNotFound):
			// Holder is between slot reservation and body write.
			return domain.Alert{ID: existingID, SessionID: alert.SessionID, Type: alert.Type}, false, nil
		case err != nil:
			return domain.Alert{}, false, err
		case existing.Open():
			return existing, false, nil
		}
		// Stale slot left by an interrupted acknowledge.
		if err := s.dataKV.Delete(slot, nats.LastRevision(entry.Revision())); err != nil && !isRevisionConflict(err) {
			return domain.Alert{}, false, fmt.Errorf("release stale open alert: %w", err)
		}
	}
	return domain.Alert{}, false, fmt.Errorf("reserve open alert: %w", ErrConflict)
}

// GetAlert reads one alert and its KV revision.
func (s *NATSStore) GetAlert(_ context.Context, alertID string) (domain.Alert, uint64, error) {
	var alert domain.Alert
	rev, err := getJSON(s.dataKV, alertKey(alertID), &alert)
	if err != nil {
		return domain.Alert{}, 0, err
	}
	return alert, rev, nil
}

// UpdateAlert updates alert using expected revision CAS and frees open slot on acknowledge.
// Params: replacement alert and expected revision.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) UpdateAlert(_ context.Context, alert domain.Alert, expectedRevision uint64) (uint64, error) {
	body, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("encode alert: %w", err)
	}
	rev, err := s.dataKV.Update(alertKey(alert.ID), body, expectedRevision)
	if err != nil {
		if isRevisionConflict(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update alert: %w", err)
	}
	if alert.Open() {
		return rev, nil
	}

	slot := openKey(alert.SessionID, alert.Type)
	entry, err := s.dataKV.Get(slot)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return rev, nil
		}
		return rev, fmt.Errorf("read open alert: %w", err)
	}
	if string(entry.Value()) != alert.ID {
		return rev, nil
	}
	if err := s.dataKV.Delete(slot, nats.LastRevision(entry.Revision())); err != nil && !isRevisionConflict(err) {
		return rev, fmt.Errorf("release open alert: %w", err)
	}
	return rev, nil
}

// ListAlerts returns all alerts, newest first.
func (s *NATSStore) ListAlerts(_ context.Context) ([]domain.Alert, error) {
	keys, err := listKeys(s.dataKV, alertKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Alert, 0, len(keys))
	for _, key := range keys {
		var alert domain.Alert
		if _, err := getJSON(s.dataKV, key, &alert); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, alert)
	}
	sortAlerts(out)
	return out, nil
}

// PutSubscription upserts routing row keyed by (event type, channel).
func (s *NATSStore) PutSubscription(_ context.Context, subscription domain.Subscription) error {
	body, err := json.Marshal(subscription)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	if _, err := s.dataKV.Put(subscriptionKey(subscription.EventType, subscription.Channel), body); err != nil {
		return fmt.Errorf("put subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes routing row or returns ErrNotFound.
func (s *NATSStore) DeleteSubscription(_ context.Context, eventType domain.EventType, channel domain.Channel) error {
	return s.deleteExisting(subscriptionKey(eventType, channel))
}

// ListSubscriptions returns routing rows ordered by event type then channel.
func (s *NATSStore) ListSubscriptions(_ context.Context) ([]domain.Subscription, error) {
	keys, err := listKeys(s.dataKV, subscriptionKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Subscription, 0, len(keys))
	for _, key := range keys {
		var subscription domain.Subscription
		if _, err := getJSON(s.dataKV, key, &subscription); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, subscription)
	}
	sortSubscriptions(out)
	return out, nil
}

// CreateWebhook inserts webhook or returns ErrConflict on duplicate ID.
func (s *NATSStore) CreateWebhook(_ context.Context, webhook domain.Webhook) error {
	body, err := json.Marshal(webhook)
	if err != nil {
		return fmt.Errorf("encode webhook: %w", err)
	}
	if _, err := s.dataKV.Create(webhookKey(webhook.ID), body); err != nil {
		if isRevisionConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

// GetWebhook returns webhook payload and revision.
func (s *NATSStore) GetWebhook(_ context.Context, webhookID string) (domain.Webhook, uint64, error) {
	var webhook domain.Webhook
	rev, err := getJSON(s.dataKV, webhookKey(webhookID), &webhook)
	if err != nil {
		return domain.Webhook{}, 0, err
	}
	return webhook, rev, nil
}

// UpdateWebhook replaces webhook using expected revision CAS.
func (s *NATSStore) UpdateWebhook(_ context.Context, webhook domain.Webhook, expectedRevision uint64) (uint64, error) {
	body, err := json.Marshal(webhook)
	if err != nil {
		return 0, fmt.Errorf("encode webhook: %w", err)
	}
	rev, err := s.dataKV.Update(webhookKey(webhook.ID), body, expectedRevision)
	if err != nil {
		if isRevisionConflict(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update webhook: %w", err)
	}
	return rev, nil
}

// DeleteWebhook removes webhook or returns ErrNotFound.
func (s *NATSStore) DeleteWebhook(_ context.Context, webhookID string) error {
	return s.deleteExisting(webhookKey(webhookID))
}

// ListWebhooks returns webhooks ordered by creation time.
func (s *NATSStore) ListWebhooks(_ context.Context) ([]domain.Webhook, error) {
	keys, err := listKeys(s.dataKV, webhookKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Webhook, 0, len(keys))
	for _, key := range keys {
		var webhook domain.Webhook
		if _, err := getJSON(s.dataKV, key, &webhook); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, webhook)
	}
	sortWebhooks(out)
	return out, nil
}

// AppendNotification writes in-app notification into TTL-bounded inbox bucket.
func (s *NATSStore) AppendNotification(_ context.Context, notification domain.Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := s.inboxKV.Put(inboxKey(notification.ID), body); err != nil {
		return fmt.Errorf("put notification: %w", err)
	}
	return nil
}

// ListNotifications returns newest notifications first.
func (s *NATSStore) ListNotifications(_ context.Context, limit int) ([]domain.Notification, error) {
	keys, err := listKeys(s.inboxKV, inboxKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Notification, 0, len(keys))
	for _, key := range keys {
		var notification domain.Notification
		if _, err := getJSON(s.inboxKV, key, &notification); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, notification)
	}
	return newestNotifications(out, limit), nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

func (s *NATSStore) deleteExisting(key string) error {
	if _, err := s.dataKV.Get(key); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := s.dataKV.Delete(key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// getJSON decodes KV value into out.
// Params: bucket, key, and decode target.
// Returns: entry revision or ErrNotFound.
func getJSON(kv nats.KeyValue, key string, out any) (uint64, error) {
	entry, err := kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), out); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return entry.Revision(), nil
}

func listKeys(kv nats.KeyValue, prefix string) ([]string, error) {
	keys, err := kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func isRevisionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}
