package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"diveguard/internal/clock"
	"diveguard/internal/config"
	"diveguard/internal/domain"
	"diveguard/internal/notify"
	"diveguard/internal/state"
)

func TestEmitterDispatchesAndDrainsOnClose(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := state.NewMemoryStore(0, 0)
	ctx := context.Background()
	if err := store.PutSubscription(ctx, domain.Subscription{EventType: domain.EventAlertEscalated, Channel: domain.ChannelApp, Enabled: true}); err != nil {
		t.Fatalf("put subscription: %v", err)
	}
	clk := clock.NewManual(diveStart)
	dispatcher := notify.NewDispatcher(store, config.NotifyConfig{}, logger, nil, notify.NewAppSender(store, clk))
	emitter := NewEmitter(dispatcher, clk, logger)

	alert := domain.Alert{ID: "a1", SessionID: "s1", Type: domain.MetricDepth, Priority: domain.PriorityCritical, EscalationLevel: 1}
	emitter.Emit(ctx, domain.EventAlertEscalated, alert)
	// no subscription for created events: dropped silently
	emitter.Emit(ctx, domain.EventAlertCreated, alert)

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := emitter.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}

	inbox, _ := store.ListNotifications(ctx, 0)
	if len(inbox) != 1 || inbox[0].EventType != domain.EventAlertEscalated {
		t.Fatalf("expected one escalated notification, got %+v", inbox)
	}

	emitter.Emit(ctx, domain.EventAlertEscalated, alert)
	inbox, _ = store.ListNotifications(ctx, 0)
	if len(inbox) != 1 {
		t.Fatalf("expected emission after close to be dropped, got %d", len(inbox))
	}
}

func TestEmitterUsesSwappedDispatcher(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	first := state.NewMemoryStore(0, 0)
	second := state.NewMemoryStore(0, 0)
	for _, store := range []*state.MemoryStore{first, second} {
		_ = store.PutSubscription(ctx, domain.Subscription{EventType: "*", Channel: domain.ChannelApp, Enabled: true})
	}
	clk := clock.NewManual(diveStart)
	emitter := NewEmitter(notify.NewDispatcher(first, config.NotifyConfig{}, logger, nil, notify.NewAppSender(first, clk)), clk, logger)
	emitter.SetDispatcher(notify.NewDispatcher(second, config.NotifyConfig{}, logger, nil, notify.NewAppSender(second, clk)))

	emitter.Publish(domain.EventSessionStarted, domain.Session{ID: "s1", State: domain.SessionInProgress})
	if err := emitter.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got, _ := first.ListNotifications(ctx, 0); len(got) != 0 {
		t.Fatalf("expected old dispatcher unused, got %d", len(got))
	}
	if got, _ := second.ListNotifications(ctx, 0); len(got) != 1 || got[0].EventType != domain.EventSessionStarted {
		t.Fatalf("expected session.started via new dispatcher, got %+v", got)
	}
}
