package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"diveguard/internal/clock"
	"diveguard/internal/config"
	"diveguard/internal/domain"
)

func writeServiceConfig(t *testing.T) config.ConfigSource {
	t.Helper()

	dir := t.TempDir()
	body := fmt.Sprintf(`[log.file]
enabled = true
path = %q

[audit]
enabled = true
path = %q

[[notify.subscription]]
event_type = "alert.created"
channel = "app"

[rule.deep]
metric = "depth"
op = ">="
threshold = 35.0
priority = "critical"
`, filepath.Join(dir, "diveguard.log"), filepath.Join(dir, "audit.db"))
	path := filepath.Join(dir, "diveguard.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	return source
}

func TestServiceIngestToInboxAndHistory(t *testing.T) {
	t.Parallel()

	svc, err := NewService(writeServiceConfig(t), clock.NewManual(diveStart.Add(5*time.Minute)))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	batch := `[
{"kind":"session","session":{"id":"s1","code":"IMM-1","state":"in_progress","started_at":"2026-03-01T10:00:00Z","planned_bottom_time_min":30}},
{"kind":"sample","sample":{"session_id":"s1","at":"2026-03-01T10:05:00Z","depth":40}}
]`
	resp, err := http.Post(server.URL+"/ingest", "application/json", strings.NewReader(batch))
	if err != nil {
		t.Fatalf("post ingest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var alertList []domain.Alert
	getJSON(t, server.URL+"/api/v1/alerts?acknowledged=false", &alertList)
	if len(alertList) != 1 || alertList[0].Details["current_depth"] != "40" {
		t.Fatalf("unexpected alerts %+v", alertList)
	}

	deadline := time.Now().Add(2 * time.Second)
	var inbox []domain.Notification
	for time.Now().Before(deadline) {
		getJSON(t, server.URL+"/api/v1/notifications", &inbox)
		if len(inbox) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(inbox) != 1 || inbox[0].EventType != domain.EventAlertCreated {
		t.Fatalf("expected alert.created in inbox, got %+v", inbox)
	}

	var history []map[string]any
	getJSON(t, server.URL+"/api/v1/alerts/"+alertList[0].ID+"/history", &history)
	if len(history) != 1 || history[0]["action"] != "created" {
		t.Fatalf("unexpected history %+v", history)
	}

	resp, err = http.Get(server.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not-ready before Run, got %d", resp.StatusCode)
	}

	if err := svc.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestServiceRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	source := writeServiceConfig(t)
	svc, err := NewService(source, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.cfg.HTTP.Listen = "127.0.0.1:0"
	svc.httpSrv.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !svc.readyFlag.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !svc.readyFlag.Load() {
		t.Fatalf("service did not become ready")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get %s: status %d body %s", url, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}
