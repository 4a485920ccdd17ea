package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"diveguard/internal/alerts"
	"diveguard/internal/api"
	"diveguard/internal/audit"
	"diveguard/internal/clock"
	"diveguard/internal/config"
	"diveguard/internal/domain"
	"diveguard/internal/engine"
	"diveguard/internal/ingest"
	"diveguard/internal/logging"
	"diveguard/internal/metrics"
	"diveguard/internal/notify"
	"diveguard/internal/notifyqueue"
	"diveguard/internal/state"
	"diveguard/internal/tracker"
	"diveguard/internal/webhook"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable diveguard service.
type Service struct {
	source   config.ConfigSource
	cfg      config.Config
	logger   *slog.Logger
	closeLog func()
	clock    clock.Clock

	store     state.Store
	metrics   *metrics.Metrics
	audit     *audit.Store
	emitter   *Emitter
	webhooks  *webhook.Service
	alerts    *alerts.Manager
	manager   *Manager
	httpSrv   *http.Server
	natsSub   interface{ Close() error }
	changeSub interface{ Close() error }
	notifyQ   interface{ Close() error }
	notifyPub notifyqueue.Producer
	readyFlag atomic.Bool
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	logger = logger.With("service", cfg.Service.Name)

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
		metrics:  metrics.New(),
	}
	if err := service.build(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

func (s *Service) build() error {
	store, err := buildStore(s.cfg)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	s.store = store

	if s.cfg.Audit.Enabled {
		if s.audit, err = audit.Open(s.cfg.Audit.Path); err != nil {
			return err
		}
	}
	if err := s.buildNotifyQueueProducer(); err != nil {
		return err
	}

	s.webhooks = webhook.NewService(s.store, s.clock, s.logger.With("component", "webhook"), webhook.Options{
		Timeout:  time.Duration(s.cfg.Notify.Webhook.TimeoutSec) * time.Second,
		Retry:    s.cfg.Notify.Webhook.Retry,
		Producer: s.notifyPub,
		Metrics:  s.metrics,
	})
	s.emitter = NewEmitter(s.buildDispatcher(s.cfg), s.clock, s.logger.With("component", "notify"))

	opts := alerts.Options{
		Interval: time.Duration(s.cfg.Escalation.IntervalSec) * time.Second,
		Metrics:  s.metrics,
		Emitter:  s.emitter,
	}
	if s.audit != nil {
		opts.Recorder = s.audit
	}
	s.alerts = alerts.NewManager(s.store, s.clock, s.logger.With("component", "alerts"), opts)
	s.manager = NewManager(
		s.cfg.AlertRules(),
		s.logger,
		s.store,
		engine.New(s.logger.With("component", "engine"), s.metrics),
		s.alerts,
		tracker.NewBoard(),
		s.emitter,
		s.clock,
	)

	if err := s.seedSubscriptions(context.Background(), s.cfg); err != nil {
		return err
	}
	if err := s.buildHTTPServer(); err != nil {
		return err
	}
	if err := s.buildNATSSubscriber(); err != nil {
		return err
	}
	if err := s.buildChangeConsumer(); err != nil {
		return err
	}
	return s.buildNotifyQueueWorker()
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	tasksCtx, stopTasks := context.WithCancel(ctx)
	defer stopTasks()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if n, err := s.manager.EvaluateAll(tasksCtx); err != nil {
		s.logger.Error("initial evaluation failed", "error", err)
	} else {
		s.logger.Info("initial evaluation done", "sessions", n)
	}
	s.manager.RefreshDisplay()

	var tasks sync.WaitGroup
	s.every(tasksCtx, &tasks, time.Duration(s.cfg.Service.DisplayIntervalMS)*time.Millisecond, "display", func(context.Context) error {
		s.manager.RefreshDisplay()
		return nil
	})
	s.every(tasksCtx, &tasks, time.Duration(s.cfg.Service.PollIntervalSec)*time.Second, "poll", func(ctx context.Context) error {
		_, err := s.manager.EvaluateAll(ctx)
		return err
	})
	s.every(tasksCtx, &tasks, time.Duration(s.cfg.Escalation.ScanIntervalSec)*time.Second, "escalation", func(ctx context.Context) error {
		_, err := s.manager.Escalate(ctx)
		return err
	})
	if s.cfg.Service.ReloadEnabled {
		s.every(tasksCtx, &tasks, time.Duration(s.cfg.Service.ReloadIntervalSec)*time.Second, "reload", s.reloadConfig)
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errChan:
		runErr = fmt.Errorf("http server failed: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	}

	s.readyFlag.Store(false)
	stopTasks()
	tasks.Wait()
	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// every runs fn on a ticker until ctx ends.
func (s *Service) every(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, name string, fn func(context.Context) error) {
	if interval <= 0 {
		s.logger.Warn("periodic task disabled", "task", name)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("periodic task failed", "task", name, "error", err)
				}
			}
		}
	}()
}

// shutdown closes runtime resources in dependency order.
// Inputs stop first, then pending notifications and deliveries drain, then storage closes.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	timeout := time.Duration(s.cfg.Service.ShutdownTimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var firstErr error
	markErr := func(step string, err error) {
		if err == nil {
			return
		}
		s.logger.Error("shutdown step failed", "step", step, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", step, err)
		}
	}

	markErr("http shutdown", s.httpSrv.Shutdown(ctx))
	if s.natsSub != nil {
		markErr("nats subscriber close", s.natsSub.Close())
	}
	if s.changeSub != nil {
		markErr("change consumer close", s.changeSub.Close())
	}
	markErr("event emitter close", s.emitter.Close(ctx))
	markErr("webhook delivery close", s.webhooks.Close(ctx))
	if s.notifyQ != nil {
		markErr("notify queue worker close", s.notifyQ.Close())
	}
	if s.notifyPub != nil {
		markErr("notify queue producer close", s.notifyPub.Close())
	}
	if s.audit != nil {
		markErr("audit close", s.audit.Close())
	}
	markErr("store close", s.store.Close())
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	closers := []interface{ Close() error }{s.changeSub, s.notifyQ, s.natsSub}
	for _, closer := range closers {
		if closer != nil {
			_ = closer.Close()
		}
	}
	s.changeSub, s.notifyQ, s.natsSub = nil, nil, nil
	if s.notifyPub != nil {
		_ = s.notifyPub.Close()
		s.notifyPub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.webhooks != nil {
		_ = s.webhooks.Close(context.Background())
	}
	if s.emitter != nil {
		_ = s.emitter.Close(context.Background())
	}
	if s.audit != nil {
		_ = s.audit.Close()
		s.audit = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// Handler returns root HTTP handler; exposed for in-process tests.
func (s *Service) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Manager returns evaluation manager.
func (s *Service) Manager() *Manager {
	return s.manager
}

// buildHTTPServer wires router with ingest, API, metrics, and health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	router := api.NewRouter(s.cfg.HTTP.CORSOrigins)
	router.Get(s.cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Get(s.cfg.HTTP.ReadyPath, func(w http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not-ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	router.Handle(s.cfg.HTTP.MetricsPath, s.metrics.Handler())
	router.Handle(s.cfg.HTTP.IngestPath, ingest.NewHTTPHandler(s.manager, s.cfg.HTTP.MaxBodyBytes, s.logger.With("component", "ingest")))

	deps := api.Dependencies{
		Alerts:        s.alerts,
		Webhooks:      s.webhooks,
		Subscriptions: s.store,
		Inbox:         s.store,
		Board:         s.manager.Board(),
	}
	if s.audit != nil {
		deps.History = s.audit
	}
	api.RegisterHandlers(s.logger.With("component", "api"), router, s.cfg.HTTP.APIPrefix, deps)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS telemetry ingest when enabled.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) || !s.cfg.NATS.Ingest.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.NATS.Ingest, s.manager, s.logger.With("component", "ingest"))
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildChangeConsumer starts push-driven recompute from the telemetry KV change feed.
func (s *Service) buildChangeConsumer() error {
	if isSingleMode(s.cfg) || !s.cfg.NATS.Changes.Enabled {
		return nil
	}
	consumer, err := state.NewChangeConsumer(config.DeriveStateNATSConfig(s.cfg), func(ctx context.Context, sessionID string) error {
		if err := s.manager.Recompute(ctx, sessionID); err != nil {
			s.logger.Error("change-feed recompute failed", "session_id", sessionID, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.changeSub = consumer
	return nil
}

// buildNotifyQueueProducer creates webhook delivery queue producer when enabled.
func (s *Service) buildNotifyQueueProducer() error {
	if isSingleMode(s.cfg) || !s.cfg.Notify.Queue.Enabled {
		return nil
	}
	producer, err := notifyqueue.NewNATSProducer(s.cfg.Notify.Queue)
	if err != nil {
		return err
	}
	s.notifyPub = producer
	return nil
}

// buildNotifyQueueWorker starts queue worker delivering jobs through webhook service.
func (s *Service) buildNotifyQueueWorker() error {
	if s.notifyPub == nil {
		return nil
	}
	worker, err := notifyqueue.NewNATSWorker(s.cfg.Notify.Queue, s.logger.With("component", "notifyqueue"), func(ctx context.Context, job notifyqueue.Job) error {
		return s.webhooks.Deliver(ctx, job.WebhookID, job.Event)
	})
	if err != nil {
		return err
	}
	s.notifyQ = worker
	return nil
}

// buildDispatcher creates channel senders for config snapshot.
func (s *Service) buildDispatcher(cfg config.Config) *notify.Dispatcher {
	senders := []notify.ChannelSender{
		notify.NewAppSender(s.store, s.clock),
		notify.NewWebhookSender(s.webhooks),
	}
	if cfg.Notify.Email.Enabled {
		senders = append(senders, notify.NewEmailSender(cfg.Notify.Email, smtp.SendMail))
	}
	return notify.NewDispatcher(s.store, cfg.Notify, s.logger.With("component", "notify"), s.metrics, senders...)
}

// seedSubscriptions inserts configured subscription rows missing from the store.
// Rows changed through the API are left as they are.
func (s *Service) seedSubscriptions(ctx context.Context, cfg config.Config) error {
	existing, err := s.store.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	known := make(map[domain.Subscription]struct{}, len(existing))
	for _, row := range existing {
		row.Enabled = false
		known[row] = struct{}{}
	}
	for _, row := range cfg.Subscriptions() {
		key := row
		key.Enabled = false
		if _, ok := known[key]; ok {
			continue
		}
		if err := s.store.PutSubscription(ctx, row); err != nil {
			return fmt.Errorf("seed subscription %s/%s: %w", row.EventType, row.Channel, err)
		}
		s.logger.Info("subscription seeded", "event_type", row.EventType, "channel", row.Channel, "enabled", row.Enabled)
	}
	return nil
}

// reloadConfig atomically reloads rules, subscription seed, and dispatcher settings.
// Params: context for store operations.
// Returns: reload error; the active config stays in place on failure.
func (s *Service) reloadConfig(ctx context.Context) error {
	nextCfg, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	if isSingleMode(nextCfg) != isSingleMode(s.cfg) {
		return errors.New("service.mode change requires restart")
	}
	if err := s.seedSubscriptions(ctx, nextCfg); err != nil {
		return err
	}
	s.manager.ApplyRules(nextCfg.AlertRules())
	s.emitter.SetDispatcher(s.buildDispatcher(nextCfg))
	s.cfg.Rule = nextCfg.Rule
	s.cfg.Notify.App = nextCfg.Notify.App
	s.cfg.Notify.Email = nextCfg.Notify.Email
	s.cfg.Notify.Subscription = nextCfg.Notify.Subscription
	s.logger.Debug("configuration reloaded", "rules", len(nextCfg.Rule))
	return nil
}

// buildStore creates runtime state backend from config.
// Params: root config snapshot.
// Returns: selected store backend.
func buildStore(cfg config.Config) (state.Store, error) {
	if isSingleMode(cfg) {
		return state.NewMemoryStore(cfg.Service.MaxSamplesPerSession, cfg.Notify.App.InboxLimit), nil
	}
	return state.NewNATSStore(config.DeriveStateNATSConfig(cfg))
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
