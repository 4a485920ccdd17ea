package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"diveguard/internal/clock"
	"diveguard/internal/config"
	"diveguard/internal/domain"
	"diveguard/internal/metrics"
	"diveguard/internal/notifyqueue"
	"diveguard/internal/permanent"
	"diveguard/internal/retry"
	"diveguard/internal/state"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const maxCounterAttempts = 8

var (
	// ErrInvalid reports a rejected registration or patch.
	ErrInvalid = errors.New("invalid webhook")
	// ErrClosed reports fan-out after shutdown started.
	ErrClosed = errors.New("webhook delivery closed")

	errDeactivated = errors.New("webhook deactivated")
)

// Registration is the input for creating a webhook.
type Registration struct {
	Name        string             `json:"name"`
	URL         string             `json:"url"`
	SecretToken string             `json:"secret_token,omitempty"`
	Events      []domain.EventType `json:"events"`
	Active      *bool              `json:"active,omitempty"`
}

// Patch carries optional webhook field updates; nil fields are left unchanged.
type Patch struct {
	Name         *string             `json:"name,omitempty"`
	URL          *string             `json:"url,omitempty"`
	SecretToken  *string             `json:"secret_token,omitempty"`
	Events       *[]domain.EventType `json:"events,omitempty"`
	Active       *bool               `json:"active,omitempty"`
	RotateSecret bool                `json:"rotate_secret,omitempty"`
}

// TestResult describes one manual test attempt.
type TestResult struct {
	WebhookID  string `json:"webhook_id"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Options configures delivery behavior.
type Options struct {
	Timeout  time.Duration
	Retry    config.NotifyRetry
	Producer notifyqueue.Producer
	Metrics  *metrics.Metrics
	NewID    func() string
}

// Service owns webhook registry and signed delivery.
// Params: webhook store, HTTP client, retry policy, and optional queue producer.
// Returns: registry and fan-out operations; async deliveries are tracked until Close.
type Service struct {
	store    state.WebhookStore
	client   *Client
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	retry    config.NotifyRetry
	producer notifyqueue.Producer
	newID    func() string

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// NewService builds webhook service.
// Params: store, clock, logger, and options.
// Returns: ready service.
func NewService(store state.WebhookStore, clk clock.Clock, logger *slog.Logger, opts Options) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    store,
		client:   NewClient(opts.Timeout, clk.Now),
		clock:    clk,
		logger:   logger,
		metrics:  opts.Metrics,
		retry:    opts.Retry,
		producer: opts.Producer,
		newID:    newID,
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// Create registers webhook, generating a secret when none is given.
// Params: registration input.
// Returns: stored webhook or ErrInvalid/store error.
func (s *Service) Create(ctx context.Context, reg Registration) (domain.Webhook, error) {
	target, err := validateURL(reg.URL)
	if err != nil {
		return domain.Webhook{}, err
	}
	events, err := normalizeEvents(reg.Events)
	if err != nil {
		return domain.Webhook{}, err
	}
	secret := strings.TrimSpace(reg.SecretToken)
	if secret == "" {
		if secret, err = GenerateSecret(); err != nil {
			return domain.Webhook{}, err
		}
	}
	hook := domain.Webhook{
		ID:          s.newID(),
		Name:        strings.TrimSpace(reg.Name),
		URL:         target,
		SecretToken: secret,
		Events:      events,
		Active:      reg.Active == nil || *reg.Active,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.CreateWebhook(ctx, hook); err != nil {
		return domain.Webhook{}, fmt.Errorf("create webhook: %w", err)
	}
	s.logger.Info("webhook registered", "webhook_id", hook.ID, "url", hook.URL, "events", len(hook.Events), "active", hook.Active)
	return hook, nil
}

// Update applies patch with CAS retries; counters are preserved.
// Params: webhook ID and patch.
// Returns: updated webhook, ErrInvalid, or state.ErrNotFound.
func (s *Service) Update(ctx context.Context, webhookID string, patch Patch) (domain.Webhook, error) {
	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		hook, rev, err := s.store.GetWebhook(ctx, webhookID)
		if err != nil {
			return domain.Webhook{}, fmt.Errorf("get webhook: %w", err)
		}
		if err := applyPatch(&hook, patch); err != nil {
			return domain.Webhook{}, err
		}
		if _, err := s.store.UpdateWebhook(ctx, hook, rev); err != nil {
			if errors.Is(err, state.ErrConflict) {
				continue
			}
			return domain.Webhook{}, fmt.Errorf("update webhook: %w", err)
		}
		return hook, nil
	}
	return domain.Webhook{}, fmt.Errorf("update webhook: %w", state.ErrConflict)
}

// Delete removes webhook registration.
func (s *Service) Delete(ctx context.Context, webhookID string) error {
	if err := s.store.DeleteWebhook(ctx, webhookID); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// Get returns one webhook.
func (s *Service) Get(ctx context.Context, webhookID string) (domain.Webhook, error) {
	hook, _, err := s.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return domain.Webhook{}, fmt.Errorf("get webhook: %w", err)
	}
	return hook, nil
}

// List returns all webhooks.
func (s *Service) List(ctx context.Context) ([]domain.Webhook, error) {
	hooks, err := s.store.ListWebhooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return hooks, nil
}

// FanOut schedules delivery of event to every active webhook subscribed to its type.
// Params: context for listing/enqueue and event envelope.
// Returns: number of targeted webhooks and joined scheduling errors.
func (s *Service) FanOut(ctx context.Context, event domain.Event) (int, error) {
	hooks, err := s.store.ListWebhooks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list webhooks: %w", err)
	}
	targets := lo.Filter(hooks, func(hook domain.Webhook, _ int) bool {
		return hook.Active && hook.Subscribes(event.Type)
	})

	var errs []error
	for _, hook := range targets {
		if s.producer != nil {
			if err := s.producer.Enqueue(ctx, notifyqueue.NewJob(hook.ID, event, s.clock.Now())); err != nil {
				errs = append(errs, fmt.Errorf("enqueue webhook %s: %w", hook.ID, err))
			}
			continue
		}
		if err := s.goDeliver(hook.ID, event); err != nil {
			errs = append(errs, fmt.Errorf("schedule webhook %s: %w", hook.ID, err))
		}
	}
	return len(targets), errors.Join(errs...)
}

func (s *Service) goDeliver(webhookID string, event domain.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		if err := s.Deliver(s.baseCtx, webhookID, event); err != nil {
			s.logger.Error("webhook delivery failed", "webhook_id", webhookID, "event_id", event.ID, "event_type", event.Type, "error", err)
		}
	}()
	return nil
}

// Deliver sends event to one webhook with retry policy; each attempt updates counters.
// Params: context, webhook ID, and event envelope.
// Returns: final error; a webhook deactivated or deleted mid-flight ends delivery quietly.
func (s *Service) Deliver(ctx context.Context, webhookID string, event domain.Event) error {
	deliveryID := notifyqueue.BuildJobID(webhookID, event)
	// ctx only gates retry scheduling; a started attempt is bounded by the client timeout.
	_, err := retry.Do(ctx, s.retry, s.logger, "webhook "+webhookID, func(ctx context.Context, _ int) error {
		ctx = context.WithoutCancel(ctx)
		hook, _, err := s.store.GetWebhook(ctx, webhookID)
		if errors.Is(err, state.ErrNotFound) {
			return permanent.Mark(errDeactivated)
		}
		if err != nil {
			return fmt.Errorf("get webhook: %w", err)
		}
		if !hook.Active {
			return permanent.Mark(errDeactivated)
		}
		_, err = s.attempt(ctx, hook, deliveryID, event)
		return err
	})
	if errors.Is(err, errDeactivated) {
		s.logger.Info("webhook delivery dropped", "webhook_id", webhookID, "event_id", event.ID)
		return nil
	}
	return err
}

// Test sends one synthetic event to webhook regardless of its active flag.
// Params: webhook ID.
// Returns: attempt outcome; error only for lookup failures.
func (s *Service) Test(ctx context.Context, webhookID string) (TestResult, error) {
	hook, _, err := s.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return TestResult{}, fmt.Errorf("get webhook: %w", err)
	}
	event, err := domain.NewEvent(s.newID(), domain.EventWebhookTest, map[string]string{
		"webhook_id": hook.ID,
		"message":    "test delivery",
	}, s.clock.Now())
	if err != nil {
		return TestResult{}, err
	}

	started := time.Now()
	status, sendErr := s.attempt(ctx, hook, event.ID, event)
	result := TestResult{
		WebhookID:  hook.ID,
		Success:    sendErr == nil,
		StatusCode: status,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if sendErr != nil {
		result.Error = sendErr.Error()
	}
	return result, nil
}

// attempt performs one HTTP send and records its outcome on the webhook row.
func (s *Service) attempt(ctx context.Context, hook domain.Webhook, deliveryID string, event domain.Event) (int, error) {
	status, err := s.client.Send(ctx, hook, deliveryID, event)
	s.metrics.ObserveWebhookAttempt(err)
	if recordErr := s.recordOutcome(context.WithoutCancel(ctx), hook.ID, err == nil); recordErr != nil {
		s.logger.Warn("webhook counters update failed", "webhook_id", hook.ID, "error", recordErr)
	}
	if err != nil {
		s.logger.Warn("webhook attempt failed", "webhook_id", hook.ID, "event_type", event.Type, "status", status, "error", err)
	}
	return status, err
}

// recordOutcome bumps success or error counter and last_triggered with CAS retries.
func (s *Service) recordOutcome(ctx context.Context, webhookID string, success bool) error {
	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		hook, rev, err := s.store.GetWebhook(ctx, webhookID)
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if success {
			hook.SuccessCount++
		} else {
			hook.ErrorCount++
		}
		now := s.clock.Now()
		hook.LastTriggered = &now
		if _, err := s.store.UpdateWebhook(ctx, hook, rev); err != nil {
			if errors.Is(err, state.ErrConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return state.ErrConflict
}

// Wait blocks until in-flight async deliveries finish or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting async deliveries and waits for in-flight ones.
// When ctx expires first, pending retries are dropped and attempts already on the wire
// still run to the client timeout.
// Params: context bounding the retry window.
// Returns: nil once every in-flight attempt has finished.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if err := s.Wait(ctx); err != nil {
		s.logger.Warn("webhook retries abandoned at shutdown", "error", err)
		s.cancel()
		s.inflight.Wait()
	}
	s.cancel()
	return nil
}

func applyPatch(hook *domain.Webhook, patch Patch) error {
	if patch.Name != nil {
		hook.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.URL != nil {
		target, err := validateURL(*patch.URL)
		if err != nil {
			return err
		}
		hook.URL = target
	}
	if patch.Events != nil {
		events, err := normalizeEvents(*patch.Events)
		if err != nil {
			return err
		}
		hook.Events = events
	}
	if patch.Active != nil {
		hook.Active = *patch.Active
	}
	switch {
	case patch.RotateSecret:
		secret, err := GenerateSecret()
		if err != nil {
			return err
		}
		hook.SecretToken = secret
	case patch.SecretToken != nil && strings.TrimSpace(*patch.SecretToken) != "":
		hook.SecretToken = strings.TrimSpace(*patch.SecretToken)
	}
	return nil
}

func validateURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err != nil || trimmed == "" {
		return "", fmt.Errorf("%w: url %q is not valid", ErrInvalid, raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: url scheme must be http or https", ErrInvalid)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: url host is required", ErrInvalid)
	}
	return trimmed, nil
}

func normalizeEvents(raw []domain.EventType) ([]domain.EventType, error) {
	events := lo.Uniq(lo.FilterMap(raw, func(event domain.EventType, _ int) (domain.EventType, bool) {
		normalized := domain.NormalizeEventType(string(event))
		return normalized, normalized != ""
	}))
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: at least one event type is required", ErrInvalid)
	}
	return events, nil
}
