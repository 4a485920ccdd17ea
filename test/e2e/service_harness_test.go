package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"diveguard/internal/app"
	"diveguard/internal/clock"
	"diveguard/internal/config"
	"diveguard/internal/domain"
	"diveguard/test/testutil"
)

// newServiceFromConfig writes TOML config and creates Service from it.
// Params: test handle and TOML body.
// Returns: initialized service instance.
func newServiceFromConfig(t *testing.T, body string) *app.Service {
	t.Helper()

	path := filepath.Join(t.TempDir(), "diveguard.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background with cancellable context.
// Params: test handle and initialized service.
// Returns: cancel callback and done channel with Run result.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

// waitReady waits for /readyz endpoint to return 200.
func waitReady(t *testing.T, port int) {
	t.Helper()
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if !waitUntil(8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	}) {
		t.Fatalf("service on port %d did not become ready", port)
	}
}

// waitServiceStop asserts service Run exits without error after cancellation.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("service run error: %v", runErr)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}

func waitUntil(timeout time.Duration, check func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func freePort(t *testing.T) int {
	t.Helper()
	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	return port
}

// registerWebhook creates a webhook through the public API.
// Returns: stored registration including generated secret.
func registerWebhook(t *testing.T, baseURL, targetURL string, events ...domain.EventType) domain.Webhook {
	t.Helper()

	body, _ := json.Marshal(map[string]any{"name": "ops", "url": targetURL, "events": events})
	resp, err := http.Post(baseURL+"/api/v1/webhooks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create webhook: status %d body %s", resp.StatusCode, raw)
	}
	var hook domain.Webhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		t.Fatalf("decode webhook: %v", err)
	}
	if hook.SecretToken == "" {
		t.Fatalf("expected generated secret, got %+v", hook)
	}
	return hook
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get %s: status %d body %s", url, resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

// diveTelemetry builds a session plus one deep sample for an in-progress dive.
func diveTelemetry(sessionID string, depth float64) string {
	started := time.Now().UTC().Add(-5 * time.Minute).Format(time.RFC3339)
	at := time.Now().UTC().Format(time.RFC3339)
	return fmt.Sprintf(`[
{"kind":"session","session":{"id":%q,"code":"IMM-%s","state":"in_progress","started_at":%q,"planned_bottom_time_min":30,"planned_max_depth":30}},
{"kind":"sample","sample":{"session_id":%q,"at":%q,"depth":%g}}
]`, sessionID, sessionID, started, sessionID, at, depth)
}
