package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsAreNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveEvaluation()
	m.ObserveRuleError()
	m.ObserveAlertCreated("depth", "critical")
	m.ObserveEscalation()
	m.ObserveAcknowledged()
	m.ObserveNotification("app", nil)
	m.ObserveWebhookAttempt(errors.New("boom"))
}

func TestHandlerExposesCounters(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveAlertCreated("depth", "critical")
	m.ObserveWebhookAttempt(errors.New("boom"))
	m.ObserveWebhookAttempt(nil)

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(recorder.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)
	for _, want := range []string{
		`diveguard_alerts_created_total{priority="critical",type="depth"} 1`,
		`diveguard_webhook_attempts_total{result="error"} 1`,
		`diveguard_webhook_attempts_total{result="success"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}
