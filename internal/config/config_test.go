package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"diveguard/internal/domain"
)

const depthRule = `[rule.deep]
metric = "depth"
op = ">="
threshold = 35.0
priority = "critical"`

func TestLoadSnapshotFromFileAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, joinSections(depthRule))

	if cfg.Service.Name != "diveguard" || cfg.Service.Mode != ServiceModeSingle {
		t.Fatalf("unexpected service defaults %+v", cfg.Service)
	}
	if cfg.Service.DisplayIntervalMS != 1000 || cfg.Service.PollIntervalSec != 30 || cfg.Service.MaxSamplesPerSession != 120 {
		t.Fatalf("unexpected tracker cadence %+v", cfg.Service)
	}
	if cfg.Escalation.IntervalSec != 300 || cfg.Escalation.ScanIntervalSec != 30 {
		t.Fatalf("unexpected escalation defaults %+v", cfg.Escalation)
	}
	if cfg.HTTP.APIPrefix != "/api/v1" || cfg.HTTP.IngestPath != "/ingest" || cfg.HTTP.MetricsPath != "/metrics" {
		t.Fatalf("unexpected http defaults %+v", cfg.HTTP)
	}
	retry := cfg.Notify.Webhook.Retry
	if !retry.Enabled || retry.MaxAttempts != 4 || retry.InitialMS != 500 || retry.MaxMS != 5000 {
		t.Fatalf("unexpected webhook retry defaults %+v", retry)
	}
	if cfg.Notify.Webhook.TimeoutSec != 10 || cfg.Notify.Email.Port != 587 {
		t.Fatalf("unexpected notify defaults %+v", cfg.Notify)
	}
	if cfg.Notify.Queue.Enabled || cfg.NATS.Ingest.Enabled {
		t.Fatalf("single mode must not enable NATS paths")
	}
	if !cfg.Log.Console.Enabled {
		t.Fatalf("expected console sink enabled by default")
	}
}

func TestRulesPassThroughVerbatim(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, joinSections(depthRule, `[rule.broken]
metric = "heart_rate"
op = "=>"
threshold = 1.0
priority = "loud"`, `[rule.overtime]
metric = "bottom_time"
op = ">="
threshold = 1.0
priority = "Warning"
reference = "planned"`))

	rules := cfg.AlertRules()
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	if rules[0].Name != "broken" || rules[0].Operator != "=>" || rules[0].Metric != "heart_rate" {
		t.Fatalf("malformed rule must be kept for the evaluator, got %+v", rules[0])
	}
	want := domain.AlertRule{Name: "deep", Metric: domain.MetricDepth, Operator: ">=", Threshold: 35, Priority: domain.PriorityCritical}
	if rules[1] != want {
		t.Fatalf("unexpected rule %+v", rules[1])
	}
	if rules[2].Priority != domain.PriorityWarning || rules[2].Reference != domain.ReferencePlanned {
		t.Fatalf("expected normalized priority and reference, got %+v", rules[2])
	}
}

func TestLoadSnapshotValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "no rules",
			content: `[service]
name = "x"`,
			wantErr: "at least one rule",
		},
		{
			name: "unsupported mode",
			content: joinSections(`[service]
mode = "cluster"`, depthRule),
			wantErr: "service.mode",
		},
		{
			name: "rule array syntax",
			content: `[[rule]]
metric = "depth"`,
			wantErr: "[[rule]]",
		},
		{
			name: "rule name key",
			content: `[rule.deep]
name = "other"`,
			wantErr: "rule.deep.name",
		},
		{
			name: "fixed routing keys",
			content: joinSections(`[nats.ingest]
enabled = true
subject = "x"`, depthRule),
			wantErr: "fixed in runtime",
		},
		{
			name: "email without host",
			content: joinSections(`[notify.email]
enabled = true
from = "ops@example.org"
to = ["sup@example.org"]`, depthRule),
			wantErr: "notify.email.host",
		},
		{
			name: "broken email template",
			content: joinSections(`[notify.email]
subject_template = "{{ .Type "`, depthRule),
			wantErr: "notify.email.subject_template",
		},
		{
			name: "unknown subscription channel",
			content: joinSections(`[[notify.subscription]]
event_type = "alert.created"
channel = "slack"`, depthRule),
			wantErr: "notify.subscription[0].channel",
		},
		{
			name: "duplicate subscription",
			content: joinSections(`[[notify.subscription]]
event_type = "alert.created"
channel = "app"

[[notify.subscription]]
event_type = "Alert.Created"
channel = "APP"`, depthRule),
			wantErr: "duplicates",
		},
		{
			name: "email subscription with disabled email",
			content: joinSections(`[[notify.subscription]]
event_type = "alert.created"
channel = "email"`, depthRule),
			wantErr: "notify.email.enabled=false",
		},
		{
			name: "bad retry backoff",
			content: joinSections(`[notify.webhook.retry]
enabled = true
backoff = "random"`, depthRule),
			wantErr: "notify.webhook.retry.backoff",
		},
		{
			name: "file sink without path",
			content: joinSections(`[log.file]
enabled = true`, depthRule),
			wantErr: "log.file.path",
		},
		{
			name: "relative health path",
			content: joinSections(`[http]
health_path = "healthz"`, depthRule),
			wantErr: "http.health_path",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := loadSnapshotErr(t, tt.content)
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNATSModeDerivesFixedRouting(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, joinSections(`[service]
mode = "NATS"
max_samples_per_session = 40

[nats]
url = [" nats://a:4222 ", "nats://b:4222"]

[nats.ingest]
enabled = true

[notify.queue]
enabled = true

[notify.queue.dlq]
enabled = true`, depthRule))

	if cfg.Service.Mode != ServiceModeNATS {
		t.Fatalf("expected nats mode, got %q", cfg.Service.Mode)
	}
	if cfg.NATS.Ingest.Subject != "diveguard.telemetry" || cfg.NATS.Ingest.Workers != 1 || cfg.NATS.Ingest.URL[0] != "nats://a:4222" {
		t.Fatalf("unexpected ingest routing %+v", cfg.NATS.Ingest)
	}
	queue := cfg.Notify.Queue
	if len(queue.URL) != 2 || queue.Subject == "" || queue.DLQ.Subject == "" || !queue.DLQ.Enabled {
		t.Fatalf("unexpected queue routing %+v", queue)
	}

	state := DeriveStateNATSConfig(cfg)
	if state.MaxSamples != 40 || state.TelemetryBucket == "" || state.ChangeConsumerName == "" || !state.AllowCreateBuckets {
		t.Fatalf("unexpected state config %+v", state)
	}
	if state.ChangeNackDelayMS <= 0 {
		t.Fatalf("expected change-feed nack delay, got %d", state.ChangeNackDelayMS)
	}
	if state.InboxTTLSec != cfg.Notify.App.InboxTTLSec {
		t.Fatalf("expected inbox ttl from notify.app, got %d", state.InboxTTLSec)
	}
}

func TestSingleModeDisablesQueueEvenWhenRequested(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, joinSections(`[notify.queue]
enabled = true`, depthRule))
	if cfg.Notify.Queue.Enabled || cfg.Notify.Queue.URL != nil {
		t.Fatalf("expected queue disabled in single mode, got %+v", cfg.Notify.Queue)
	}
}

func TestSubscriptionsSeedRows(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, joinSections(`[notify.email]
enabled = true
host = "smtp.example.org"
from = "ops@example.org"
to = ["sup@example.org"]

[[notify.subscription]]
event_type = " ALERT.created "
channel = "App"

[[notify.subscription]]
event_type = "alert.escalated"
channel = "email"
enabled = false`, depthRule))

	subs := cfg.Subscriptions()
	want := []domain.Subscription{
		{EventType: domain.EventAlertCreated, Channel: domain.ChannelApp, Enabled: true},
		{EventType: domain.EventAlertEscalated, Channel: domain.ChannelEmail, Enabled: false},
	}
	if len(subs) != len(want) {
		t.Fatalf("expected %d subscriptions, got %d", len(want), len(subs))
	}
	for i := range want {
		if subs[i] != want[i] {
			t.Fatalf("subscription[%d]: expected %+v, got %+v", i, want[i], subs[i])
		}
	}
}

func TestLoadDirMergesFragmentsWithExplicitFalse(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, "10-base.toml"), joinSections(`[notify.email]
enabled = true
host = "smtp.example.org"
from = "ops@example.org"
to = ["sup@example.org"]

[[notify.subscription]]
event_type = "alert.created"
channel = "app"`, depthRule))
	writeConfigFile(t, filepath.Join(dir, "20-override.toml"), `[notify.email]
enabled = false

[[notify.subscription]]
event_type = "alert.escalated"
channel = "webhook"

[rule.fast]
metric = "ascent_rate"
op = ">"
threshold = 10.0
priority = "warning"`)
	writeConfigFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	cfg, err := LoadSnapshot(ConfigSource{Dir: dir})
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if cfg.Notify.Email.Enabled {
		t.Fatalf("expected explicit false to override earlier fragment")
	}
	if cfg.Notify.Email.Host != "smtp.example.org" {
		t.Fatalf("expected sibling email fields preserved, got %+v", cfg.Notify.Email)
	}
	if len(cfg.Notify.Subscription) != 2 || len(cfg.Rule) != 2 {
		t.Fatalf("expected appended subscriptions and rules, got %d/%d", len(cfg.Notify.Subscription), len(cfg.Rule))
	}
}

func TestLoadDirRejectsDuplicateRuleNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, "a.toml"), depthRule)
	writeConfigFile(t, filepath.Join(dir, "b.toml"), depthRule)

	_, err := LoadSnapshot(ConfigSource{Dir: dir})
	if err == nil || !strings.Contains(err.Error(), "duplicate rule name") {
		t.Fatalf("expected duplicate rule error, got %v", err)
	}
}

func TestFromCLI(t *testing.T) {
	t.Parallel()

	if _, err := FromCLI("", ""); err == nil {
		t.Fatalf("expected error without source")
	}
	if _, err := FromCLI("a.toml", "dir"); err == nil {
		t.Fatalf("expected error with both sources")
	}
	src, err := FromCLI(" a.toml ", "")
	if err != nil || src.File != "a.toml" {
		t.Fatalf("unexpected source %+v err=%v", src, err)
	}
}

func mustLoadSnapshot(t *testing.T, content string) Config {
	t.Helper()
	cfg, err := loadSnapshotFromContent(t, content)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	return cfg
}

func loadSnapshotErr(t *testing.T, content string) error {
	t.Helper()
	_, err := loadSnapshotFromContent(t, content)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	return err
}

func loadSnapshotFromContent(t *testing.T, content string) (Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfigFile(t, path, content)
	return LoadSnapshot(ConfigSource{File: path})
}

func joinSections(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		nonEmpty = append(nonEmpty, trimmed)
	}
	return strings.Join(nonEmpty, "\n\n") + "\n"
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}
