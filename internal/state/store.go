package state

import (
	"context"
	"errors"

	"diveguard/internal/domain"
)

var (
	// ErrNotFound indicates absent key/record.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update or duplicate create.
	ErrConflict = errors.New("revision conflict")
)

// SessionStore persists session records and their depth samples.
// Params: session upserts and append-only samples.
// Returns: read-your-writes session state.
type SessionStore interface {
	PutSession(ctx context.Context, session domain.Session) (previous domain.Session, existed bool, err error)
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	AppendSample(ctx context.Context, sample domain.DepthSample) error
	ListSamples(ctx context.Context, sessionID string) ([]domain.DepthSample, error)
}

// AlertStore persists alert rows with one open alert per (session, type).
// Params: create-if-absent, CAS update, and listing operations.
// Returns: backend alert persistence behavior.
type AlertStore interface {
	// CreateOpenAlert inserts alert unless an open alert exists for its (session, type).
	// It returns the stored alert and true on insert, or the existing open alert and false.
	CreateOpenAlert(ctx context.Context, alert domain.Alert) (domain.Alert, bool, error)
	GetAlert(ctx context.Context, alertID string) (domain.Alert, uint64, error)
	// UpdateAlert replaces alert at expected revision; acknowledging releases the open slot.
	UpdateAlert(ctx context.Context, alert domain.Alert, expectedRevision uint64) (uint64, error)
	ListAlerts(ctx context.Context) ([]domain.Alert, error)
}

// SubscriptionStore persists notification routing rows unique per (event type, channel).
type SubscriptionStore interface {
	PutSubscription(ctx context.Context, subscription domain.Subscription) error
	DeleteSubscription(ctx context.Context, eventType domain.EventType, channel domain.Channel) error
	ListSubscriptions(ctx context.Context) ([]domain.Subscription, error)
}

// WebhookStore persists webhook registrations and their delivery counters.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, webhook domain.Webhook) error
	GetWebhook(ctx context.Context, webhookID string) (domain.Webhook, uint64, error)
	UpdateWebhook(ctx context.Context, webhook domain.Webhook, expectedRevision uint64) (uint64, error)
	DeleteWebhook(ctx context.Context, webhookID string) error
	ListWebhooks(ctx context.Context) ([]domain.Webhook, error)
}

// InboxStore persists in-app notifications.
type InboxStore interface {
	AppendNotification(ctx context.Context, notification domain.Notification) error
	// ListNotifications returns newest first; limit <= 0 returns all.
	ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error)
}

// Store is the full persistence abstraction shared by all periodic tasks.
type Store interface {
	SessionStore
	AlertStore
	SubscriptionStore
	WebhookStore
	InboxStore
	Close() error
}
