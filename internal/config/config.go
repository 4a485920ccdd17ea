package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"diveguard/internal/domain"
	"diveguard/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName         = "diveguard"
	defaultReloadSeconds       = 5
	defaultDisplayIntervalMS   = 1000
	defaultPollIntervalSec     = 30
	defaultMaxSamples          = 120
	defaultShutdownTimeoutSec  = 15
	defaultEscalationSec       = 300
	defaultEscalationScanSec   = 30
	defaultHTTPListen          = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultIngestPath          = "/ingest"
	defaultMetricsPath         = "/metrics"
	defaultAPIPrefix           = "/api/v1"
	defaultMaxBodyBytes        = 2 << 20
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultNATSSubject         = "diveguard.telemetry"
	defaultNATSIngestStream    = "DIVEGUARD_TELEMETRY"
	defaultNATSIngestConsumer  = "diveguard-ingest"
	defaultNATSIngestGroup     = "diveguard-ingest-workers"
	defaultNATSIngestWorkers   = 1
	defaultNATSAckWaitSec      = 30
	defaultNATSNackDelayMS     = 1000
	defaultNATSMaxDeliver      = -1
	defaultNATSMaxAckPending   = 2048
	defaultNATSDataBucket      = "diveguard_data"
	defaultNATSTelemetryBucket = "diveguard_telemetry"
	defaultNATSInboxBucket     = "diveguard_inbox"
	defaultChangeConsumer      = "diveguard-recompute"
	defaultChangeGroup         = "diveguard-recompute"
	defaultQueueStream         = "DIVEGUARD_WEBHOOKS"
	defaultQueueSubject        = "diveguard.webhook.deliver"
	defaultQueueConsumer       = "diveguard-webhook-worker"
	defaultQueueGroup          = "diveguard-webhook-workers"
	defaultQueueDLQStream      = "DIVEGUARD_WEBHOOKS_DLQ"
	defaultQueueDLQSubject     = "diveguard.webhook.dlq"
	defaultInboxLimit          = 500
	defaultInboxTTLSec         = 7 * 24 * 3600
	defaultSMTPPort            = 587
	defaultWebhookTimeoutSec   = 10
	defaultAuditPath           = "diveguard-audit.db"

	// ServiceModeNATS keeps state, ingest, and the delivery queue on NATS JetStream.
	ServiceModeNATS = "nats"
	// ServiceModeSingle runs one instance with in-memory state.
	ServiceModeSingle = "single"
)

var (
	legacyRuleArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*rule\s*\]\]`)
	fixedNATSKeysPattern   = regexp.MustCompile(`(?mi)^\s*(?:subject|stream|consumer_name|deliver_group)\s*=`)
)

// Config holds service runtime settings and alert rules.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service    ServiceConfig    `toml:"service"`
	Log        LogConfig        `toml:"log"`
	Escalation EscalationConfig `toml:"escalation"`
	HTTP       HTTPConfig       `toml:"http"`
	NATS       NATSConfig       `toml:"nats"`
	Notify     NotifyConfig     `toml:"notify"`
	Audit      AuditConfig      `toml:"audit"`
	Rule       []RuleConfig     `toml:"rule"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw rule map keyed by rule name.
type rawConfig struct {
	Service    ServiceConfig            `toml:"service"`
	Log        LogConfig                `toml:"log"`
	Escalation EscalationConfig         `toml:"escalation"`
	HTTP       HTTPConfig               `toml:"http"`
	NATS       NATSConfig               `toml:"nats"`
	Notify     NotifyConfig             `toml:"notify"`
	Audit      AuditConfig              `toml:"audit"`
	Rule       map[string]rawRuleConfig `toml:"rule"`
}

// rawRuleConfig stores one rule body from `[rule.<name>]` table.
type rawRuleConfig struct {
	Name      string  `toml:"name"`
	Metric    string  `toml:"metric"`
	Op        string  `toml:"op"`
	Threshold float64 `toml:"threshold"`
	Priority  string  `toml:"priority"`
	Reference string  `toml:"reference"`
}

// ServiceConfig contains process-level settings.
// Params: name, state mode, reload, and tracker cadence settings.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name                 string `toml:"name"`
	Mode                 string `toml:"mode"`
	ReloadEnabled        bool   `toml:"reload_enabled"`
	ReloadIntervalSec    int    `toml:"reload_interval_sec"`
	DisplayIntervalMS    int    `toml:"display_interval_ms"`
	PollIntervalSec      int    `toml:"poll_interval_sec"`
	MaxSamplesPerSession int    `toml:"max_samples_per_session"`
	ShutdownTimeoutSec   int    `toml:"shutdown_timeout_sec"`
}

// EscalationConfig controls the escalation timer.
// Params: unacknowledged age that qualifies a tick and scan cadence.
// Returns: escalation settings.
type EscalationConfig struct {
	IntervalSec     int `toml:"interval_sec"`
	ScanIntervalSec int `toml:"scan_interval_sec"`
}

// HTTPConfig configures the HTTP listener shared by ingest, API, and health checks.
type HTTPConfig struct {
	Listen       string   `toml:"listen"`
	HealthPath   string   `toml:"health_path"`
	ReadyPath    string   `toml:"ready_path"`
	IngestPath   string   `toml:"ingest_path"`
	MetricsPath  string   `toml:"metrics_path"`
	APIPrefix    string   `toml:"api_prefix"`
	MaxBodyBytes int64    `toml:"max_body_bytes"`
	CORSOrigins  []string `toml:"cors_origins"`
}

// NATSConfig holds the NATS URL list and optional NATS-backed inputs.
type NATSConfig struct {
	URL     []string          `toml:"url"`
	Ingest  NATSIngestConfig  `toml:"ingest"`
	Changes NATSChangesConfig `toml:"changes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: worker/ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// NATSChangesConfig toggles push-driven recompute from the telemetry KV change feed.
type NATSChangesConfig struct {
	Enabled bool `toml:"enabled"`
}

// NATSStateConfig contains fixed JetStream KV and change-consumer settings for state backend.
// Params: URL, bucket names, sample bound, and change-feed consumer identity.
// Returns: NATS state backend options.
type NATSStateConfig struct {
	URL                []string
	DataBucket         string
	TelemetryBucket    string
	InboxBucket        string
	InboxTTLSec        int
	AllowCreateBuckets bool
	MaxSamples         int
	ChangeConsumerName string
	ChangeDeliverGroup string
	ChangeNackDelayMS  int
}

// DeriveStateNATSConfig builds fixed state-backend settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS state settings.
func DeriveStateNATSConfig(cfg Config) NATSStateConfig {
	urls := normalizeNATSURLs(cfg.NATS.URL)
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	nackDelay := cfg.NATS.Ingest.NackDelayMS
	if nackDelay <= 0 {
		nackDelay = defaultNATSNackDelayMS
	}
	return NATSStateConfig{
		URL:                urls,
		DataBucket:         defaultNATSDataBucket,
		TelemetryBucket:    defaultNATSTelemetryBucket,
		InboxBucket:        defaultNATSInboxBucket,
		InboxTTLSec:        cfg.Notify.App.InboxTTLSec,
		AllowCreateBuckets: true,
		MaxSamples:         cfg.Service.MaxSamplesPerSession,
		ChangeConsumerName: defaultChangeConsumer,
		ChangeDeliverGroup: defaultChangeGroup,
		ChangeNackDelayMS:  nackDelay,
	}
}

// NotifyConfig defines outbound notification behavior.
// Params: per-channel transport settings, delivery queue, and subscription seed rows.
// Returns: notification controls.
type NotifyConfig struct {
	App          AppNotifier          `toml:"app"`
	Email        EmailNotifier        `toml:"email"`
	Webhook      WebhookNotifier      `toml:"webhook"`
	Queue        NotifyQueue          `toml:"queue"`
	Subscription []SubscriptionConfig `toml:"subscription"`
}

// AppNotifier configures the in-app inbox channel.
type AppNotifier struct {
	InboxLimit  int         `toml:"inbox_limit"`
	InboxTTLSec int         `toml:"inbox_ttl_sec"`
	Retry       NotifyRetry `toml:"retry"`
}

// EmailNotifier defines SMTP channel settings.
// Params: server, credentials, envelope addresses, optional templates, and retry policy.
// Returns: email sender configuration.
type EmailNotifier struct {
	Enabled         bool        `toml:"enabled"`
	Host            string      `toml:"host"`
	Port            int         `toml:"port"`
	Username        string      `toml:"username"`
	Password        string      `toml:"password"`
	From            string      `toml:"from"`
	To              []string    `toml:"to"`
	SubjectTemplate string      `toml:"subject_template"`
	BodyTemplate    string      `toml:"body_template"`
	Retry           NotifyRetry `toml:"retry"`
}

// WebhookNotifier configures outbound webhook requests.
type WebhookNotifier struct {
	TimeoutSec int         `toml:"timeout_sec"`
	Retry      NotifyRetry `toml:"retry"`
}

// NotifyQueue defines asynchronous webhook delivery queue settings.
// Params: enable flag, worker/ack policy, and DLQ toggle; routing names are runtime-fixed.
// Returns: async delivery pipeline controls.
type NotifyQueue struct {
	Enabled       bool           `toml:"enabled"`
	URL           []string       `toml:"-"`
	Stream        string         `toml:"-"`
	Subject       string         `toml:"-"`
	ConsumerName  string         `toml:"-"`
	DeliverGroup  string         `toml:"-"`
	AckWaitSec    int            `toml:"ack_wait_sec"`
	NackDelayMS   int            `toml:"nack_delay_ms"`
	MaxDeliver    int            `toml:"max_deliver"`
	MaxAckPending int            `toml:"max_ack_pending"`
	DLQ           NotifyQueueDLQ `toml:"dlq"`
}

// NotifyQueueDLQ toggles dead-lettering of failed delivery jobs.
type NotifyQueueDLQ struct {
	Enabled bool   `toml:"enabled"`
	Stream  string `toml:"-"`
	Subject string `toml:"-"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// SubscriptionConfig is one seed routing row applied at startup.
type SubscriptionConfig struct {
	EventType string `toml:"event_type"`
	Channel   string `toml:"channel"`
	Enabled   *bool  `toml:"enabled"`
}

// AuditConfig toggles the SQLite lifecycle trail.
type AuditConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// RuleConfig describes one threshold rule exactly as configured.
// Params: metric, operator, threshold, priority, and threshold reference.
// Returns: rule passed to the evaluator without semantic checks.
type RuleConfig struct {
	Name      string  `toml:"name"`
	Metric    string  `toml:"metric"`
	Op        string  `toml:"op"`
	Threshold float64 `toml:"threshold"`
	Priority  string  `toml:"priority"`
	Reference string  `toml:"reference"`
}

// AlertRule converts configured rule to evaluator input.
func (r RuleConfig) AlertRule() domain.AlertRule {
	return domain.AlertRule{
		Name:      r.Name,
		Metric:    domain.Metric(strings.ToLower(strings.TrimSpace(r.Metric))),
		Operator:  strings.TrimSpace(r.Op),
		Threshold: r.Threshold,
		Priority:  domain.Priority(strings.ToLower(strings.TrimSpace(r.Priority))),
		Reference: domain.ThresholdReference(strings.ToLower(strings.TrimSpace(r.Reference))),
	}
}

// AlertRules returns evaluator rule set in configured order.
func (c Config) AlertRules() []domain.AlertRule {
	rules := make([]domain.AlertRule, 0, len(c.Rule))
	for _, rule := range c.Rule {
		rules = append(rules, rule.AlertRule())
	}
	return rules
}

// Subscriptions returns normalized seed routing rows.
// Params: none.
// Returns: subscriptions; omitted enabled flag means enabled.
func (c Config) Subscriptions() []domain.Subscription {
	out := make([]domain.Subscription, 0, len(c.Notify.Subscription))
	for _, raw := range c.Notify.Subscription {
		channel, _ := domain.NormalizeChannel(raw.Channel)
		enabled := true
		if raw.Enabled != nil {
			enabled = *raw.Enabled
		}
		out = append(out, domain.Subscription{
			EventType: domain.NormalizeEventType(raw.EventType),
			Channel:   channel,
			Enabled:   enabled,
		})
	}
	return out
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configMergeHints carries explicit bool-presence markers used for directory overlays.
type configMergeHints struct {
	Notify notifyMergeHints `toml:"notify"`
}

type notifyMergeHints struct {
	Email enabledHint     `toml:"email"`
	Queue queueMergeHints `toml:"queue"`
}

type queueMergeHints struct {
	Enabled *bool       `toml:"enabled"`
	DLQ     enabledHint `toml:"dlq"`
}

type enabledHint struct {
	Enabled *bool `toml:"enabled"`
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:    raw.Service,
		Log:        raw.Log,
		Escalation: raw.Escalation,
		HTTP:       raw.HTTP,
		NATS:       raw.NATS,
		Notify:     raw.Notify,
		Audit:      raw.Audit,
	}
	if len(raw.Rule) == 0 {
		return cfg, nil
	}

	names := make([]string, 0, len(raw.Rule))
	for name := range raw.Rule {
		names = append(names, name)
	}
	sort.Strings(names)
	cfg.Rule = make([]RuleConfig, 0, len(names))
	for _, name := range names {
		body := raw.Rule[name]
		if strings.TrimSpace(body.Name) != "" {
			return Config{}, fmt.Errorf("rule.%s.name is not supported; use [rule.%s] key as rule name", name, name)
		}
		cfg.Rule = append(cfg.Rule, RuleConfig{
			Name:      name,
			Metric:    body.Metric,
			Op:        body.Op,
			Threshold: body.Threshold,
			Priority:  body.Priority,
			Reference: body.Reference,
		})
	}
	return cfg, nil
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if legacyRuleArrayPattern.Match(body) {
		return errors.New("[[rule]] arrays are not supported; use [rule.<rule_name>] tables")
	}
	if fixedNATSKeysPattern.Match(body) {
		return errors.New("subject/stream/consumer_name/deliver_group are fixed in runtime and must not be configured")
	}
	return nil
}

// decodeFile reads one TOML file and its merge hints.
func decodeFile(path string) (Config, configMergeHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

func loadFile(path string) (Config, error) {
	cfg, _, err := decodeFile(path)
	return cfg, err
}

// loadDir reads and merges TOML files from one directory in lexical order.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := decodeFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config, next fragment, and its explicit-bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.Escalation != (EscalationConfig{}) {
		dst.Escalation = src.Escalation
	}
	if hasHTTPConfig(src.HTTP) {
		dst.HTTP = src.HTTP
	}
	if hasNATSConfig(src.NATS) {
		dst.NATS = src.NATS
	}
	mergeNotifyConfig(&dst.Notify, src.Notify, hints.Notify)
	if src.Audit != (AuditConfig{}) {
		dst.Audit = src.Audit
	}
	if len(src.Rule) > 0 {
		dst.Rule = append(dst.Rule, src.Rule...)
	}
}

// mergeNotifyConfig overlays notify fragment into destination preserving sibling channels.
func mergeNotifyConfig(dst *NotifyConfig, src NotifyConfig, hints notifyMergeHints) {
	if src.App.InboxLimit != 0 {
		dst.App.InboxLimit = src.App.InboxLimit
	}
	if src.App.InboxTTLSec != 0 {
		dst.App.InboxTTLSec = src.App.InboxTTLSec
	}
	if src.App.Retry != (NotifyRetry{}) {
		dst.App.Retry = src.App.Retry
	}
	mergeEmailNotifier(&dst.Email, src.Email, hints.Email)
	if src.Webhook.TimeoutSec != 0 {
		dst.Webhook.TimeoutSec = src.Webhook.TimeoutSec
	}
	if src.Webhook.Retry != (NotifyRetry{}) {
		dst.Webhook.Retry = src.Webhook.Retry
	}
	mergeNotifyQueue(&dst.Queue, src.Queue, hints.Queue)
	if len(src.Subscription) > 0 {
		dst.Subscription = append(dst.Subscription, src.Subscription...)
	}
}

func mergeEmailNotifier(dst *EmailNotifier, src EmailNotifier, hints enabledHint) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if strings.TrimSpace(src.Host) != "" {
		dst.Host = src.Host
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.Username != "" {
		dst.Username = src.Username
	}
	if src.Password != "" {
		dst.Password = src.Password
	}
	if strings.TrimSpace(src.From) != "" {
		dst.From = src.From
	}
	if len(src.To) > 0 {
		dst.To = append([]string(nil), src.To...)
	}
	if strings.TrimSpace(src.SubjectTemplate) != "" {
		dst.SubjectTemplate = src.SubjectTemplate
	}
	if strings.TrimSpace(src.BodyTemplate) != "" {
		dst.BodyTemplate = src.BodyTemplate
	}
	if src.Retry != (NotifyRetry{}) {
		dst.Retry = src.Retry
	}
}

func mergeNotifyQueue(dst *NotifyQueue, src NotifyQueue, hints queueMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if src.AckWaitSec != 0 {
		dst.AckWaitSec = src.AckWaitSec
	}
	if src.NackDelayMS != 0 {
		dst.NackDelayMS = src.NackDelayMS
	}
	if src.MaxDeliver != 0 {
		dst.MaxDeliver = src.MaxDeliver
	}
	if src.MaxAckPending != 0 {
		dst.MaxAckPending = src.MaxAckPending
	}
	applyBoolMerge(&dst.DLQ.Enabled, src.DLQ.Enabled, hints.DLQ.Enabled)
}

// applyBoolMerge merges bool with explicit-value awareness for directory overlays.
// Params: destination bool pointer, source decoded bool, and explicit source marker.
// Returns: merged bool side-effect in dst.
func applyBoolMerge(dst *bool, value bool, explicit *bool) {
	if explicit != nil {
		*dst = *explicit
		return
	}
	if value {
		*dst = true
	}
}

func hasHTTPConfig(cfg HTTPConfig) bool {
	return strings.TrimSpace(cfg.Listen) != "" ||
		strings.TrimSpace(cfg.HealthPath) != "" ||
		strings.TrimSpace(cfg.ReadyPath) != "" ||
		strings.TrimSpace(cfg.IngestPath) != "" ||
		strings.TrimSpace(cfg.MetricsPath) != "" ||
		strings.TrimSpace(cfg.APIPrefix) != "" ||
		cfg.MaxBodyBytes != 0 ||
		len(cfg.CORSOrigins) > 0
}

func hasNATSConfig(cfg NATSConfig) bool {
	ingest := cfg.Ingest
	return len(cfg.URL) > 0 ||
		cfg.Changes.Enabled ||
		ingest.Enabled ||
		ingest.Workers != 0 ||
		ingest.AckWaitSec != 0 ||
		ingest.NackDelayMS != 0 ||
		ingest.MaxDeliver != 0 ||
		ingest.MaxAckPending != 0
}

// applyDefaults fills omitted config fields with safe defaults.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.ReloadIntervalSec <= 0 {
		cfg.Service.ReloadIntervalSec = defaultReloadSeconds
	}
	if cfg.Service.DisplayIntervalMS <= 0 {
		cfg.Service.DisplayIntervalMS = defaultDisplayIntervalMS
	}
	if cfg.Service.PollIntervalSec <= 0 {
		cfg.Service.PollIntervalSec = defaultPollIntervalSec
	}
	if cfg.Service.MaxSamplesPerSession <= 0 {
		cfg.Service.MaxSamplesPerSession = defaultMaxSamples
	}
	if cfg.Service.ShutdownTimeoutSec <= 0 {
		cfg.Service.ShutdownTimeoutSec = defaultShutdownTimeoutSec
	}
	if cfg.Escalation.IntervalSec <= 0 {
		cfg.Escalation.IntervalSec = defaultEscalationSec
	}
	if cfg.Escalation.ScanIntervalSec <= 0 {
		cfg.Escalation.ScanIntervalSec = defaultEscalationScanSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	fillHTTPDefaults(&cfg.HTTP)
	fillNATSDefaults(cfg)
	fillNotifyDefaults(&cfg.Notify, cfg.Service.Mode, cfg.NATS.URL)

	if strings.TrimSpace(cfg.Audit.Path) == "" {
		cfg.Audit.Path = defaultAuditPath
	}
}

func fillHTTPDefaults(http *HTTPConfig) {
	if strings.TrimSpace(http.Listen) == "" {
		http.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(http.HealthPath) == "" {
		http.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(http.ReadyPath) == "" {
		http.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(http.IngestPath) == "" {
		http.IngestPath = defaultIngestPath
	}
	if strings.TrimSpace(http.MetricsPath) == "" {
		http.MetricsPath = defaultMetricsPath
	}
	if strings.TrimSpace(http.APIPrefix) == "" {
		http.APIPrefix = defaultAPIPrefix
	}
	http.APIPrefix = "/" + strings.Trim(strings.TrimSpace(http.APIPrefix), "/")
	if http.MaxBodyBytes <= 0 {
		http.MaxBodyBytes = defaultMaxBodyBytes
	}
}

func fillNATSDefaults(cfg *Config) {
	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode disables NATS-dependent paths regardless of user flags.
		cfg.NATS.Ingest.Enabled = false
		cfg.NATS.Changes.Enabled = false
		return
	}
	cfg.NATS.URL = normalizeNATSURLs(cfg.NATS.URL)
	if len(cfg.NATS.URL) == 0 {
		cfg.NATS.URL = []string{defaultNATSURL}
	}
	ingest := &cfg.NATS.Ingest
	ingest.URL = append([]string(nil), cfg.NATS.URL...)
	ingest.Subject = defaultNATSSubject
	ingest.Stream = defaultNATSIngestStream
	ingest.ConsumerName = defaultNATSIngestConsumer
	ingest.DeliverGroup = defaultNATSIngestGroup
	if ingest.Workers == 0 {
		ingest.Workers = defaultNATSIngestWorkers
	}
	if ingest.AckWaitSec <= 0 {
		ingest.AckWaitSec = defaultNATSAckWaitSec
	}
	if ingest.NackDelayMS <= 0 {
		ingest.NackDelayMS = defaultNATSNackDelayMS
	}
	if ingest.MaxDeliver == 0 {
		ingest.MaxDeliver = defaultNATSMaxDeliver
	}
	if ingest.MaxAckPending <= 0 {
		ingest.MaxAckPending = defaultNATSMaxAckPending
	}
}

func fillNotifyDefaults(notify *NotifyConfig, mode string, natsURL []string) {
	if notify.App.InboxLimit <= 0 {
		notify.App.InboxLimit = defaultInboxLimit
	}
	if notify.App.InboxTTLSec <= 0 {
		notify.App.InboxTTLSec = defaultInboxTTLSec
	}
	fillNotifyRetryDefaults(&notify.App.Retry, 3, 60000)

	if notify.Email.Port <= 0 {
		notify.Email.Port = defaultSMTPPort
	}
	fillNotifyRetryDefaults(&notify.Email.Retry, 3, 60000)

	if notify.Webhook.TimeoutSec <= 0 {
		notify.Webhook.TimeoutSec = defaultWebhookTimeoutSec
	}
	if notify.Webhook.Retry == (NotifyRetry{}) {
		notify.Webhook.Retry.Enabled = true
	}
	fillNotifyRetryDefaults(&notify.Webhook.Retry, 4, 5000)

	queue := &notify.Queue
	if mode != ServiceModeNATS {
		queue.Enabled = false
		queue.DLQ.Enabled = false
		queue.URL = nil
		return
	}
	// Queue uses the same NATS URL list as state and ingest.
	queue.URL = append([]string(nil), natsURL...)
	queue.Stream = defaultQueueStream
	queue.Subject = defaultQueueSubject
	queue.ConsumerName = defaultQueueConsumer
	queue.DeliverGroup = defaultQueueGroup
	queue.DLQ.Stream = defaultQueueDLQStream
	queue.DLQ.Subject = defaultQueueDLQSubject
	if queue.AckWaitSec <= 0 {
		queue.AckWaitSec = defaultNATSAckWaitSec
	}
	if queue.NackDelayMS <= 0 {
		queue.NackDelayMS = defaultNATSNackDelayMS
	}
	if queue.MaxDeliver == 0 {
		queue.MaxDeliver = 5
	}
	if queue.MaxAckPending <= 0 {
		queue.MaxAckPending = defaultNATSMaxAckPending
	}
}

// fillNotifyRetryDefaults normalizes retry policy fields for one channel.
// Params: retry policy pointer, default attempt budget, and default max backoff.
// Returns: policy defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry, attempts, maxMS int) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = maxMS
	}
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = attempts
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if cfg.Service.ReloadEnabled && cfg.Service.ReloadIntervalSec <= 0 {
		return errors.New("service.reload_interval_sec must be >0 when service.reload_enabled=true")
	}
	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		return errors.New("http.listen is required")
	}
	for name, path := range map[string]string{
		"http.health_path":  cfg.HTTP.HealthPath,
		"http.ready_path":   cfg.HTTP.ReadyPath,
		"http.ingest_path":  cfg.HTTP.IngestPath,
		"http.metrics_path": cfg.HTTP.MetricsPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}
	if cfg.HTTP.APIPrefix == "/" {
		return errors.New("http.api_prefix must not be /")
	}

	if mode == ServiceModeNATS {
		for i, url := range cfg.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("nats.url[%d] is empty", i)
			}
		}
		if cfg.NATS.Ingest.Enabled {
			if cfg.NATS.Ingest.Workers <= 0 {
				return errors.New("nats.ingest.workers must be >0 when nats.ingest.enabled=true")
			}
			if cfg.NATS.Ingest.MaxDeliver == 0 || cfg.NATS.Ingest.MaxDeliver < -1 {
				return errors.New("nats.ingest.max_deliver must be -1 or >0")
			}
		}
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	if err := validateNotify(cfg.Notify); err != nil {
		return err
	}

	if cfg.Audit.Enabled && strings.TrimSpace(cfg.Audit.Path) == "" {
		return errors.New("audit.path is required when audit.enabled=true")
	}

	if len(cfg.Rule) == 0 {
		return errors.New("at least one rule is required")
	}
	ruleNames := make(map[string]struct{}, len(cfg.Rule))
	for _, rule := range cfg.Rule {
		if _, exists := ruleNames[rule.Name]; exists {
			return fmt.Errorf("duplicate rule name %q", rule.Name)
		}
		ruleNames[rule.Name] = struct{}{}
	}
	return nil
}

// validateNotify checks channel settings and subscription seed rows.
func validateNotify(notify NotifyConfig) error {
	if err := validateRetry("notify.app.retry", notify.App.Retry); err != nil {
		return err
	}
	if err := validateRetry("notify.email.retry", notify.Email.Retry); err != nil {
		return err
	}
	if err := validateRetry("notify.webhook.retry", notify.Webhook.Retry); err != nil {
		return err
	}

	email := notify.Email
	if email.Enabled {
		if strings.TrimSpace(email.Host) == "" {
			return errors.New("notify.email.host is required when notify.email.enabled=true")
		}
		if strings.TrimSpace(email.From) == "" {
			return errors.New("notify.email.from is required when notify.email.enabled=true")
		}
		if len(email.To) == 0 {
			return errors.New("notify.email.to is required when notify.email.enabled=true")
		}
	}
	if strings.TrimSpace(email.SubjectTemplate) != "" {
		if err := validateMessageTemplate("notify.email.subject_template", email.SubjectTemplate); err != nil {
			return err
		}
	}
	if strings.TrimSpace(email.BodyTemplate) != "" {
		if err := validateMessageTemplate("notify.email.body_template", email.BodyTemplate); err != nil {
			return err
		}
	}

	if notify.Queue.Enabled {
		if notify.Queue.AckWaitSec <= 0 {
			return errors.New("notify.queue.ack_wait_sec must be >0 when notify.queue.enabled=true")
		}
		if notify.Queue.MaxDeliver == 0 || notify.Queue.MaxDeliver < -1 {
			return errors.New("notify.queue.max_deliver must be -1 or >0")
		}
	}
	if notify.Queue.DLQ.Enabled && !notify.Queue.Enabled {
		return errors.New("notify.queue.dlq requires notify.queue.enabled=true")
	}

	seen := make(map[string]struct{}, len(notify.Subscription))
	for i, sub := range notify.Subscription {
		path := fmt.Sprintf("notify.subscription[%d]", i)
		eventType := domain.NormalizeEventType(sub.EventType)
		if eventType == "" {
			return fmt.Errorf("%s.event_type is required", path)
		}
		channel, ok := domain.NormalizeChannel(sub.Channel)
		if !ok {
			return fmt.Errorf("%s.channel has unsupported value %q", path, sub.Channel)
		}
		if channel == domain.ChannelEmail && !email.Enabled && (sub.Enabled == nil || *sub.Enabled) {
			return fmt.Errorf("%s routes to email but notify.email.enabled=false", path)
		}
		key := string(eventType) + "|" + string(channel)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%s duplicates (%s, %s)", path, eventType, channel)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func validateRetry(path string, retry NotifyRetry) error {
	if !retry.Enabled {
		return nil
	}
	switch strings.ToLower(retry.Backoff) {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("%s.backoff has unsupported value %q", path, retry.Backoff)
	}
	if retry.MaxAttempts < 0 {
		return fmt.Errorf("%s.max_attempts must be >=0", path)
	}
	return nil
}

// normalizeNATSURLs trims URL entries preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		out = append(out, strings.TrimSpace(url))
	}
	return out
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`single` by default).
func NormalizeServiceMode(value string) string {
	mode := strings.ToLower(strings.TrimSpace(value))
	if mode == "" {
		return ServiceModeSingle
	}
	return mode
}

// IsSupportedServiceMode reports whether mode value is supported.
func IsSupportedServiceMode(mode string) bool {
	switch mode {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

func validateMessageTemplate(path, body string) error {
	if _, err := templatefmt.ParseNotificationTemplate(path, strings.TrimSpace(body)); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	return nil
}
