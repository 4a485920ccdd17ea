package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"diveguard/internal/clock"
	"diveguard/internal/domain"
	"diveguard/internal/notify"

	"github.com/google/uuid"
)

// ErrEmitterClosed reports emission after shutdown started.
var ErrEmitterClosed = errors.New("event emitter closed")

// Emitter turns lifecycle transitions into events and dispatches them in the background.
// Params: dispatcher, clock, and logger.
// Returns: alerts.Emitter implementation whose pending dispatches are awaited on Close.
type Emitter struct {
	mu         sync.RWMutex
	dispatcher *notify.Dispatcher
	closed     bool

	clock   clock.Clock
	logger  *slog.Logger
	newID   func() string
	pending sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewEmitter creates emitter over dispatcher.
// Params: dispatcher (swappable on reload), clock, and logger.
// Returns: ready emitter.
func NewEmitter(dispatcher *notify.Dispatcher, clk clock.Clock, logger *slog.Logger) *Emitter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Emitter{
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger,
		newID:      uuid.NewString,
		baseCtx:    baseCtx,
		cancel:     cancel,
	}
}

// SetDispatcher swaps dispatcher used by later emissions.
func (e *Emitter) SetDispatcher(dispatcher *notify.Dispatcher) {
	e.mu.Lock()
	e.dispatcher = dispatcher
	e.mu.Unlock()
}

// Emit publishes alert lifecycle event.
func (e *Emitter) Emit(_ context.Context, eventType domain.EventType, alert domain.Alert) {
	e.Publish(eventType, alert)
}

// Publish builds event from payload and dispatches it without blocking the caller.
// Params: event type and JSON-encodable payload.
// Returns: none; failures are logged.
func (e *Emitter) Publish(eventType domain.EventType, payload any) {
	event, err := domain.NewEvent(e.newID(), eventType, payload, e.clock.Now())
	if err != nil {
		e.logger.Error("event build failed", "event_type", eventType, "error", err)
		return
	}

	e.mu.RLock()
	if e.closed || e.dispatcher == nil {
		e.mu.RUnlock()
		e.logger.Warn("event dropped", "event_id", event.ID, "event_type", event.Type, "error", ErrEmitterClosed)
		return
	}
	dispatcher := e.dispatcher
	e.pending.Add(1)
	e.mu.RUnlock()

	go func() {
		defer e.pending.Done()
		if err := dispatcher.Dispatch(e.baseCtx, event); err != nil {
			e.logger.Error("event dispatch failed", "event_id", event.ID, "event_type", event.Type, "error", err)
		}
	}()
}

// Close stops accepting events and waits for pending dispatches.
// Params: context bounding the wait; on expiry pending dispatches are cancelled.
// Returns: ctx error when the wait timed out.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
}
