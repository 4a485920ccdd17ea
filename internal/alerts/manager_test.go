package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"diveguard/internal/clock"
	"diveguard/internal/domain"
	"diveguard/internal/state"
)

var start = time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (e *recordingEmitter) Emit(_ context.Context, eventType domain.EventType, _ domain.Alert) {
	e.mu.Lock()
	e.events = append(e.events, eventType)
	e.mu.Unlock()
}

func (e *recordingEmitter) count(eventType domain.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, got := range e.events {
		if got == eventType {
			n++
		}
	}
	return n
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingAudit) RecordAlert(_ context.Context, action string, _ domain.Alert, _ time.Time) error {
	r.mu.Lock()
	r.actions = append(r.actions, action)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	store   *state.MemoryStore
	clock   *clock.Manual
	emitter *recordingEmitter
	audit   *recordingAudit
	manager *Manager
}

func newFixture(interval time.Duration) fixture {
	store := state.NewMemoryStore(0, 0)
	clk := clock.NewManual(start)
	emitter := &recordingEmitter{}
	audit := &recordingAudit{}
	manager := NewManager(store, clk, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		Interval: interval,
		Emitter:  emitter,
		Recorder: audit,
	})
	return fixture{store: store, clock: clk, emitter: emitter, audit: audit, manager: manager}
}

func candidate(sessionID string, metric domain.Metric, priority domain.Priority) domain.Candidate {
	return domain.Candidate{
		SessionID:   sessionID,
		SessionCode: "IMM-" + sessionID,
		Metric:      metric,
		Priority:    priority,
		Rule:        domain.AlertRule{Name: "rule-" + string(metric)},
		Details:     map[string]string{"current_depth": "40"},
	}
}

func TestRaiseDeduplicatesOpenAlert(t *testing.T) {
	t.Parallel()

	f := newFixture(0)
	ctx := context.Background()

	first, created, err := f.manager.Raise(ctx, candidate("s1", domain.MetricDepth, domain.PriorityCritical))
	if err != nil || !created {
		t.Fatalf("first raise: created=%v err=%v", created, err)
	}
	for i := 0; i < 3; i++ {
		again, created, err := f.manager.Raise(ctx, candidate("s1", domain.MetricDepth, domain.PriorityCritical))
		if err != nil || created || again.ID != first.ID {
			t.Fatalf("repeat raise %d: created=%v id=%s err=%v", i, created, again.ID, err)
		}
	}
	if _, created, _ := f.manager.Raise(ctx, candidate("s1", domain.MetricAscentRate, domain.PriorityWarning)); !created {
		t.Fatalf("expected different type to open its own alert")
	}
	if _, created, _ := f.manager.Raise(ctx, candidate("s2", domain.MetricDepth, domain.PriorityCritical)); !created {
		t.Fatalf("expected different session to open its own alert")
	}

	all, _ := f.manager.Query(ctx, Filter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(all))
	}
	if f.emitter.count(domain.EventAlertCreated) != 3 {
		t.Fatalf("expected 3 created events, got %d", f.emitter.count(domain.EventAlertCreated))
	}
	if first.EscalationLevel != 0 || first.Acknowledged || !first.CreatedAt.Equal(start) {
		t.Fatalf("unexpected initial alert state: %+v", first)
	}
}

func TestEscalationMonotonicOnePerQualifyingTick(t *testing.T) {
	t.Parallel()

	f := newFixture(5 * time.Minute)
	ctx := context.Background()
	alert, _, err := f.manager.Raise(ctx, candidate("s1", domain.MetricDepth, domain.PriorityCritical))
	if err != nil {
		t.Fatalf("raise: %v", err)
	}

	f.clock.Advance(4 * time.Minute)
	if n, err := f.manager.EscalateDue(ctx); err != nil || n != 0 {
		t.Fatalf("expected no escalation before interval, got n=%d err=%v", n, err)
	}

	previous := 0
	for tick := 1; tick <= 4; tick++ {
		f.clock.Set(start.Add(time.Duration(tick) * 5 * time.Minute))
		if n, err := f.manager.EscalateDue(ctx); err != nil || n != 1 {
			t.Fatalf("tick %d: expected one escalation, got n=%d err=%v", tick, n, err)
		}
		// A second pass at the same instant must not escalate again.
		if n, _ := f.manager.EscalateDue(ctx); n != 0 {
			t.Fatalf("tick %d: expected repeat pass to be a no-op, got %d", tick, n)
		}
		got, err := f.manager.Get(ctx, alert.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.EscalationLevel != previous+1 {
			t.Fatalf("tick %d: expected level %d, got %d", tick, previous+1, got.EscalationLevel)
		}
		if got.LastEscalatedAt == nil || !got.LastEscalatedAt.Equal(f.clock.Now()) {
			t.Fatalf("tick %d: expected last_escalated_at=%s, got %v", tick, f.clock.Now(), got.LastEscalatedAt)
		}
		previous = got.EscalationLevel
	}
	if f.emitter.count(domain.EventAlertEscalated) != 4 {
		t.Fatalf("expected 4 escalated events, got %d", f.emitter.count(domain.EventAlertEscalated))
	}
}

func TestEscalationUsesOneStepEvenAfterLongGap(t *testing.T) {
	t.Parallel()

	f := newFixture(5 * time.Minute)
	ctx := context.Background()
	alert, _, _ := f.manager.Raise(ctx, candidate("s1", domain.MetricDepth, domain.PriorityCritical))

	f.clock.Advance(time.Hour)
	if _, err := f.manager.EscalateDue(ctx); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	got, _ := f.manager.Get(ctx, alert.ID)
	if got.EscalationLevel != 1 {
		t.Fatalf("expected single step per tick, got level %d", got.EscalationLevel)
	}
}

func TestAcknowledgeIsIdempotentAndStopsEscalation(t *testing.T) {
	t.Parallel()

	f := newFixture(5 * time.Minute)
	ctx := context.Background()
	alert, _, _ := f.manager.Raise(ctx, candidate("s1", domain.MetricDepth, domain.PriorityCritical))

	f.clock.Advance(time.Minute)
	first, err := f.manager.Acknowledge(ctx, alert.ID, "supervisor")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if !first.Acknowledged || first.AcknowledgedAt == nil || first.AcknowledgedBy != "supervisor" {
		t.Fatalf("unexpected acknowledged alert: %+v", first)
	}

	f.clock.Advance(time.Minute)
	second, err := f.manager.Acknowledge(ctx, alert.ID, "someone-else")
	if err != nil {
		t.Fatalf("repeat acknowledge: %v", err)
	}
	if !second.AcknowledgedAt.Equal(*first.AcknowledgedAt) || second.AcknowledgedBy != "supervisor" {
		t.Fatalf("expected repeat acknowledge to be a no-op, got %+v", second)
	}
	if f.emitter.count(domain.EventAlertAcknowledged) != 1 {
		t.Fatalf("expected one acknowledged event, got %d", f.emitter.count(domain.EventAlertAcknowledged))
	}

	f.clock.Advance(time.Hour)
	if n, _ := f.manager.EscalateDue(ctx); n != 0 {
		t.Fatalf("expected acknowledged alert not to escalate, got %d", n)
	}

	if _, err := f.manager.Acknowledge(ctx, "missing", "x"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAcknowledgeAllSkipsAlreadyAcknowledged(t *testing.T) {
	t.Parallel()

	f := newFixture(0)
	ctx := context.Background()
	a, _, _ := f.manager.Raise(ctx, candidate("s1", domain.MetricDepth, domain.PriorityCritical))
	f.manager.Raise(ctx, candidate("s2", domain.MetricDepth, domain.PriorityWarning))
	f.manager.Raise(ctx, candidate("s3", domain.MetricBottomTime, domain.PriorityCritical))
	if _, err := f.manager.Acknowledge(ctx, a.ID, "first"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	acked, err := f.manager.AcknowledgeAll(ctx, Filter{Priority: domain.PriorityCritical}, "bulk")
	if err != nil {
		t.Fatalf("acknowledge all: %v", err)
	}
	if len(acked) != 1 || acked[0].SessionID != "s3" {
		t.Fatalf("expected only s3 acknowledged, got %+v", acked)
	}
	again, _ := f.manager.Get(ctx, a.ID)
	if again.AcknowledgedBy != "first" {
		t.Fatalf("expected earlier acknowledge untouched, got %q", again.AcknowledgedBy)
	}
	open := false
	if remaining, _ := f.manager.Query(ctx, Filter{Acknowledged: &open}); len(remaining) != 1 || remaining[0].SessionID != "s2" {
		t.Fatalf("expected only warning alert open, got %+v", remaining)
	}
}

func TestQueryFilters(t *testing.T) {
	t.Parallel()

	f := newFixture(0)
	ctx := context.Background()
	f.manager.Raise(ctx, candidate("s1", domain.MetricDepth, domain.PriorityCritical))
	f.manager.Raise(ctx, candidate("s1", domain.MetricAscentRate, domain.PriorityWarning))
	f.manager.Raise(ctx, candidate("s2", domain.MetricBottomTime, domain.PriorityEmergency))

	cases := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "all", filter: Filter{}, want: 3},
		{name: "priority", filter: Filter{Priority: domain.PriorityWarning}, want: 1},
		{name: "text on type", filter: Filter{Text: "ASCENT"}, want: 1},
		{name: "text on session code", filter: Filter{Text: "imm-s2"}, want: 1},
		{name: "session", filter: Filter{SessionID: "s1"}, want: 2},
		{name: "no match", filter: Filter{Text: "nitrogen"}, want: 0},
	}
	for _, tc := range cases {
		got, err := f.manager.Query(ctx, tc.filter)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(got) != tc.want {
			t.Fatalf("%s: expected %d alerts, got %d", tc.name, tc.want, len(got))
		}
	}
}

type flakyStore struct {
	*state.MemoryStore
	failID string
}

func (s flakyStore) GetAlert(ctx context.Context, alertID string) (domain.Alert, uint64, error) {
	if alertID == s.failID {
		return domain.Alert{}, 0, errors.New("disk on fire")
	}
	return s.MemoryStore.GetAlert(ctx, alertID)
}

func TestEscalateDueContinuesPastPerAlertErrors(t *testing.T) {
	t.Parallel()

	memory := state.NewMemoryStore(0, 0)
	clk := clock.NewManual(start)
	ids := []string{"a1", "a2", "a3"}
	next := 0
	store := flakyStore{MemoryStore: memory, failID: "a2"}
	manager := NewManager(store, clk, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		Interval: time.Minute,
		NewID: func() string {
			id := ids[next]
			next++
			return id
		},
	})
	ctx := context.Background()
	for _, sessionID := range []string{"s1", "s2", "s3"} {
		if _, _, err := manager.Raise(ctx, candidate(sessionID, domain.MetricDepth, domain.PriorityCritical)); err != nil {
			t.Fatalf("raise %s: %v", sessionID, err)
		}
	}

	clk.Advance(time.Minute)
	n, err := manager.EscalateDue(ctx)
	if err != nil {
		t.Fatalf("expected per-alert failure not to abort pass, got %v", err)
	}
	if n != 2 {
		t.Fatalf("expected two escalations, got %d", n)
	}
}

func TestAuditTrailRecordsTransitions(t *testing.T) {
	t.Parallel()

	f := newFixture(time.Minute)
	ctx := context.Background()
	alert, _, _ := f.manager.Raise(ctx, candidate("s1", domain.MetricDepth, domain.PriorityCritical))
	f.clock.Advance(time.Minute)
	f.manager.EscalateDue(ctx)
	f.manager.Acknowledge(ctx, alert.ID, "x")

	want := []string{ActionCreated, ActionEscalated, ActionAcknowledged}
	if len(f.audit.actions) != len(want) {
		t.Fatalf("expected %v, got %v", want, f.audit.actions)
	}
	for i := range want {
		if f.audit.actions[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, f.audit.actions)
		}
	}
}
