package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"diveguard/internal/alerts"
	"diveguard/internal/clock"
	"diveguard/internal/domain"
	"diveguard/internal/engine"
	"diveguard/internal/state"
	"diveguard/internal/tracker"
)

// Publisher emits non-alert events such as session transitions.
type Publisher interface {
	Publish(eventType domain.EventType, payload any)
}

// Manager coordinates telemetry persistence, metric recompute, and rule evaluation.
// Params: session store, evaluator, lifecycle manager, display board, publisher, logger, and clock.
// Returns: ingest sink plus the poll, push, display, and escalation entrypoints.
type Manager struct {
	mu    sync.RWMutex
	rules []domain.AlertRule

	logger    *slog.Logger
	sessions  state.SessionStore
	evaluator *engine.Evaluator
	alerts    *alerts.Manager
	board     *tracker.Board
	publisher Publisher
	clock     clock.Clock
}

// NewManager creates manager with initial rule set.
// Params: rules, logger, session store, evaluator, lifecycle manager, board, optional publisher, and clock.
// Returns: initialized manager.
func NewManager(
	rules []domain.AlertRule,
	logger *slog.Logger,
	sessions state.SessionStore,
	evaluator *engine.Evaluator,
	lifecycle *alerts.Manager,
	board *tracker.Board,
	publisher Publisher,
	clk clock.Clock,
) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if board == nil {
		board = tracker.NewBoard()
	}
	return &Manager{
		rules:     append([]domain.AlertRule(nil), rules...),
		logger:    logger,
		sessions:  sessions,
		evaluator: evaluator,
		alerts:    lifecycle,
		board:     board,
		publisher: publisher,
		clock:     clk,
	}
}

// Push stores one telemetry message and recomputes its session.
// Params: context and validated telemetry message.
// Returns: store error; evaluation errors are logged.
func (m *Manager) Push(ctx context.Context, message domain.TelemetryMessage) error {
	if err := m.store(ctx, message); err != nil {
		return err
	}
	m.recomputeLogged(ctx, message.SessionID())
	return nil
}

// PushBatch stores messages in order, then recomputes every touched session once.
// Params: context and validated telemetry messages.
// Returns: first store error; messages before it stay stored.
func (m *Manager) PushBatch(ctx context.Context, messages []domain.TelemetryMessage) error {
	touched := make([]string, 0, len(messages))
	seen := make(map[string]struct{}, len(messages))
	var storeErr error
	for _, message := range messages {
		if err := m.store(ctx, message); err != nil {
			storeErr = err
			break
		}
		id := message.SessionID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		touched = append(touched, id)
	}
	for _, id := range touched {
		m.recomputeLogged(ctx, id)
	}
	return storeErr
}

func (m *Manager) store(ctx context.Context, message domain.TelemetryMessage) error {
	switch message.Kind {
	case domain.TelemetrySession:
		session := *message.Session
		previous, existed, err := m.sessions.PutSession(ctx, session)
		if err != nil {
			return fmt.Errorf("store session: %w", err)
		}
		m.publishTransition(previous, existed, session)
		return nil
	case domain.TelemetrySample:
		if err := m.sessions.AppendSample(ctx, *message.Sample); err != nil {
			return fmt.Errorf("store sample: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported telemetry kind %q", message.Kind)
	}
}

// publishTransition emits session lifecycle events for a stored session upsert.
func (m *Manager) publishTransition(previous domain.Session, existed bool, current domain.Session) {
	if m.publisher == nil {
		return
	}
	if !existed {
		m.publisher.Publish(domain.EventSessionCreated, current)
	}
	if existed && previous.State == current.State {
		return
	}
	switch current.State {
	case domain.SessionInProgress:
		m.publisher.Publish(domain.EventSessionStarted, current)
	case domain.SessionCompleted:
		m.publisher.Publish(domain.EventSessionCompleted, current)
	case domain.SessionCancelled:
		m.publisher.Publish(domain.EventSessionCancelled, current)
	}
	m.logger.Info("session state changed", "session_id", current.ID, "session_code", current.Code, "state", current.State)
}

func (m *Manager) recomputeLogged(ctx context.Context, sessionID string) {
	if err := m.Recompute(ctx, sessionID); err != nil {
		m.logger.Error("session recompute failed", "session_id", sessionID, "error", err)
	}
}

// Recompute reloads one session and evaluates it.
// Shared by ingest pushes and store change notifications.
// Params: context and session ID.
// Returns: store or alert persistence error; unknown sessions are ignored.
func (m *Manager) Recompute(ctx context.Context, sessionID string) error {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, state.ErrNotFound) {
		m.logger.Debug("recompute skipped for unknown session", "session_id", sessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	samples, err := m.sessions.ListSamples(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list samples: %w", err)
	}
	return m.evaluateSession(ctx, session, samples, m.clock.Now())
}

// EvaluateAll runs the periodic poll over every known session.
// Params: context for store calls.
// Returns: number of in-progress sessions evaluated and joined per-session errors.
func (m *Manager) EvaluateAll(ctx context.Context) (int, error) {
	sessions, err := m.sessions.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	now := m.clock.Now()
	evaluated := 0
	var errs []error
	for _, session := range sessions {
		if ctx.Err() != nil {
			return evaluated, ctx.Err()
		}
		samples, err := m.sessions.ListSamples(ctx, session.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("list samples %s: %w", session.ID, err))
			continue
		}
		if err := m.evaluateSession(ctx, session, samples, now); err != nil {
			errs = append(errs, err)
		}
		if session.State == domain.SessionInProgress {
			evaluated++
		}
	}
	return evaluated, errors.Join(errs...)
}

// evaluateSession is the single recompute path: board update, metrics snapshot, rules, create-if-absent.
func (m *Manager) evaluateSession(ctx context.Context, session domain.Session, samples []domain.DepthSample, now time.Time) error {
	m.board.Track(session, samples)
	if session.State != domain.SessionInProgress {
		return nil
	}

	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	snapshot := tracker.Compute(session, samples, now)
	candidates := engine.Strongest(m.evaluator.Evaluate(session, snapshot, rules))
	var errs []error
	for _, candidate := range candidates {
		if _, _, err := m.alerts.Raise(ctx, candidate); err != nil {
			errs = append(errs, fmt.Errorf("raise %s/%s: %w", candidate.SessionID, candidate.Metric, err))
		}
	}
	return errors.Join(errs...)
}

// Escalate runs one escalation-timer tick.
func (m *Manager) Escalate(ctx context.Context) (int, error) {
	return m.alerts.EscalateDue(ctx)
}

// RefreshDisplay recomputes elapsed time and live metrics for the display board.
func (m *Manager) RefreshDisplay() int {
	return m.board.Refresh(m.clock.Now())
}

// Board returns live display board.
func (m *Manager) Board() *tracker.Board {
	return m.board
}

// ApplyRules atomically replaces active rule set.
// Params: rules from a reloaded config snapshot.
// Returns: none.
func (m *Manager) ApplyRules(rules []domain.AlertRule) {
	next := append([]domain.AlertRule(nil), rules...)
	m.mu.Lock()
	m.rules = next
	m.mu.Unlock()
}
