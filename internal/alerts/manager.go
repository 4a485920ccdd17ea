package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"diveguard/internal/clock"
	"diveguard/internal/domain"
	"diveguard/internal/metrics"
	"diveguard/internal/state"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	// DefaultEscalationInterval is used when no interval is configured.
	DefaultEscalationInterval = 5 * time.Minute

	maxUpdateAttempts = 8
)

// Audit actions written for lifecycle transitions.
const (
	ActionCreated      = "created"
	ActionEscalated    = "escalated"
	ActionAcknowledged = "acknowledged"
)

// Recorder stores lifecycle transitions for alert history.
type Recorder interface {
	RecordAlert(ctx context.Context, action string, alert domain.Alert, at time.Time) error
}

// Emitter receives lifecycle events for notification fan-out.
type Emitter interface {
	Emit(ctx context.Context, eventType domain.EventType, alert domain.Alert)
}

// Options configures optional manager collaborators.
type Options struct {
	Interval time.Duration
	Metrics  *metrics.Metrics
	Recorder Recorder
	Emitter  Emitter
	NewID    func() string
}

// Filter selects alerts for query and bulk acknowledge.
// Empty fields match everything.
type Filter struct {
	Priority     domain.Priority
	Acknowledged *bool
	SessionID    string
	Text         string
}

// Manager owns alert creation, escalation, and acknowledgement.
// Params: alert store, clock, and logger.
// Returns: lifecycle operations safe for concurrent callers.
type Manager struct {
	store    state.AlertStore
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	recorder Recorder
	emitter  Emitter
	interval time.Duration
	newID    func() string
}

// NewManager builds lifecycle manager.
// Params: alert store, clock, logger, and optional collaborators.
// Returns: ready manager.
func NewManager(store state.AlertStore, clk clock.Clock, logger *slog.Logger, opts Options) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultEscalationInterval
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Manager{
		store:    store,
		clock:    clk,
		logger:   logger,
		metrics:  opts.Metrics,
		recorder: opts.Recorder,
		emitter:  opts.Emitter,
		interval: interval,
		newID:    newID,
	}
}

// Interval returns configured escalation interval.
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// Raise creates an open alert for candidate unless one is already open for (session, type).
// Params: threshold candidate from evaluator.
// Returns: stored or existing alert, whether it was created, and persistence error.
func (m *Manager) Raise(ctx context.Context, candidate domain.Candidate) (domain.Alert, bool, error) {
	alert := domain.Alert{
		ID:          m.newID(),
		SessionID:   candidate.SessionID,
		SessionCode: candidate.SessionCode,
		Type:        candidate.Metric,
		Priority:    candidate.Priority,
		RuleName:    candidate.Rule.Name,
		Details:     candidate.Details,
		CreatedAt:   m.clock.Now(),
	}
	stored, created, err := m.store.CreateOpenAlert(ctx, alert)
	if err != nil {
		return domain.Alert{}, false, fmt.Errorf("create alert: %w", err)
	}
	if !created {
		return stored, false, nil
	}

	m.metrics.ObserveAlertCreated(string(stored.Type), string(stored.Priority))
	m.logger.Info("alert created",
		"alert_id", stored.ID,
		"session_id", stored.SessionID,
		"session_code", stored.SessionCode,
		"type", stored.Type,
		"priority", stored.Priority,
		"rule", stored.RuleName,
	)
	m.afterTransition(ctx, ActionCreated, domain.EventAlertCreated, stored, stored.CreatedAt)
	return stored, true, nil
}

// EscalateDue raises escalation level of every open alert whose interval elapsed.
// Params: context for store calls.
// Returns: number of escalated alerts and list error; per-alert failures are logged and skipped.
func (m *Manager) EscalateDue(ctx context.Context) (int, error) {
	all, err := m.store.ListAlerts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list alerts: %w", err)
	}
	escalated := 0
	for _, alert := range all {
		if !alert.Open() {
			continue
		}
		if ctx.Err() != nil {
			return escalated, ctx.Err()
		}
		updated, ok, err := m.escalateOne(ctx, alert.ID)
		if err != nil {
			m.logger.Error("alert escalation failed", "alert_id", alert.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		escalated++
		m.metrics.ObserveEscalation()
		m.logger.Warn("alert escalated",
			"alert_id", updated.ID,
			"session_code", updated.SessionCode,
			"type", updated.Type,
			"level", updated.EscalationLevel,
		)
		m.afterTransition(ctx, ActionEscalated, domain.EventAlertEscalated, updated, *updated.LastEscalatedAt)
	}
	return escalated, nil
}

func (m *Manager) escalateOne(ctx context.Context, alertID string) (domain.Alert, bool, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		alert, rev, err := m.store.GetAlert(ctx, alertID)
		if err != nil {
			return domain.Alert{}, false, fmt.Errorf("get alert: %w", err)
		}
		now := m.clock.Now()
		if !alert.Open() || now.Sub(alert.EscalationAnchor()) < m.interval {
			return alert, false, nil
		}
		alert.EscalationLevel++
		alert.LastEscalatedAt = &now
		if _, err := m.store.UpdateAlert(ctx, alert, rev); err != nil {
			if errors.Is(err, state.ErrConflict) {
				continue
			}
			return domain.Alert{}, false, fmt.Errorf("update alert: %w", err)
		}
		return alert, true, nil
	}
	return domain.Alert{}, false, fmt.Errorf("update alert: %w", state.ErrConflict)
}

// Acknowledge marks alert acknowledged; repeated calls return the stored state unchanged.
// Params: alert ID and acknowledging actor.
// Returns: acknowledged alert, state.ErrNotFound, or persistence error.
func (m *Manager) Acknowledge(ctx context.Context, alertID, by string) (domain.Alert, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		alert, rev, err := m.store.GetAlert(ctx, alertID)
		if err != nil {
			return domain.Alert{}, fmt.Errorf("get alert: %w", err)
		}
		if alert.Acknowledged {
			return alert, nil
		}
		now := m.clock.Now()
		alert.Acknowledged = true
		alert.AcknowledgedAt = &now
		alert.AcknowledgedBy = strings.TrimSpace(by)
		if _, err := m.store.UpdateAlert(ctx, alert, rev); err != nil {
			if errors.Is(err, state.ErrConflict) {
				continue
			}
			return domain.Alert{}, fmt.Errorf("update alert: %w", err)
		}

		m.metrics.ObserveAcknowledged()
		m.logger.Info("alert acknowledged", "alert_id", alert.ID, "by", alert.AcknowledgedBy, "level", alert.EscalationLevel)
		m.afterTransition(ctx, ActionAcknowledged, domain.EventAlertAcknowledged, alert, now)
		return alert, nil
	}
	return domain.Alert{}, fmt.Errorf("update alert: %w", state.ErrConflict)
}

// AcknowledgeAll acknowledges every open alert matching filter.
// Params: filter (Acknowledged is ignored) and acknowledging actor.
// Returns: alerts acknowledged by this call and joined per-alert errors.
func (m *Manager) AcknowledgeAll(ctx context.Context, filter Filter, by string) ([]domain.Alert, error) {
	open := false
	filter.Acknowledged = &open
	targets, err := m.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	acked := make([]domain.Alert, 0, len(targets))
	var errs []error
	for _, target := range targets {
		alert, err := m.Acknowledge(ctx, target.ID, by)
		if err != nil {
			errs = append(errs, fmt.Errorf("acknowledge %s: %w", target.ID, err))
			continue
		}
		acked = append(acked, alert)
	}
	return acked, errors.Join(errs...)
}

// Get returns one alert by ID.
func (m *Manager) Get(ctx context.Context, alertID string) (domain.Alert, error) {
	alert, _, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	return alert, nil
}

// Query lists alerts matching filter, newest first.
// Params: priority, acknowledged state, session, and free-text filter.
// Returns: matching alerts or persistence error.
func (m *Manager) Query(ctx context.Context, filter Filter) ([]domain.Alert, error) {
	all, err := m.store.ListAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	text := strings.ToLower(strings.TrimSpace(filter.Text))
	return lo.Filter(all, func(alert domain.Alert, _ int) bool {
		if filter.Priority != "" && alert.Priority != filter.Priority {
			return false
		}
		if filter.Acknowledged != nil && alert.Acknowledged != *filter.Acknowledged {
			return false
		}
		if filter.SessionID != "" && alert.SessionID != filter.SessionID {
			return false
		}
		if text == "" {
			return true
		}
		return strings.Contains(strings.ToLower(string(alert.Type)), text) ||
			strings.Contains(strings.ToLower(alert.SessionCode), text)
	}), nil
}

// afterTransition records audit row and emits lifecycle event; failures never undo the transition.
func (m *Manager) afterTransition(ctx context.Context, action string, eventType domain.EventType, alert domain.Alert, at time.Time) {
	if m.recorder != nil {
		if err := m.recorder.RecordAlert(ctx, action, alert, at); err != nil {
			m.logger.Warn("alert audit failed", "alert_id", alert.ID, "action", action, "error", err)
		}
	}
	if m.emitter != nil {
		m.emitter.Emit(ctx, eventType, alert)
	}
}
