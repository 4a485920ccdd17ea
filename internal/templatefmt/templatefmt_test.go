package templatefmt

import (
	"testing"
	"time"
)

func TestRenderWithHelpers(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseNotificationTemplate("subject", `[{{ upper .Priority }}] {{ .Code }} at {{ time .At }} after {{ clock .Elapsed }} {{ json .Details }}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := Render(tmpl, map[string]any{
		"Priority": "critical",
		"Code":     "IMM-001",
		"At":       time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
		"Elapsed":  5 * time.Minute,
		"Details":  map[string]string{"current_depth": "40"},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := `[CRITICAL] IMM-001 at 2026-03-01T10:05:00Z after 0:05:00 {"current_depth":"40"}`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestParseRejectsBrokenTemplate(t *testing.T) {
	t.Parallel()

	if _, err := ParseNotificationTemplate("broken", "{{ .Code "); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFormatHelpersEdgeCases(t *testing.T) {
	t.Parallel()

	if got := FormatClock("nope"); got != "0:00:00" {
		t.Fatalf("unexpected clock fallback %q", got)
	}
	var nilDuration *time.Duration
	if got := FormatClock(nilDuration); got != "0:00:00" {
		t.Fatalf("unexpected nil clock %q", got)
	}
	if got := FormatTime(time.Time{}); got != "" {
		t.Fatalf("expected empty zero time, got %q", got)
	}
	if got := MarshalJSON(func() {}); got != "null" {
		t.Fatalf("expected null for unsupported value, got %q", got)
	}
}
