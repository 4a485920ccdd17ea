package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"diveguard/internal/domain"
)

type recordingSink struct {
	mu         sync.Mutex
	pushCalls  int
	batchCalls int
	messages   []domain.TelemetryMessage
	err        error
}

func (s *recordingSink) Push(_ context.Context, message domain.TelemetryMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushCalls++
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, message)
	return nil
}

func (s *recordingSink) PushBatch(_ context.Context, messages []domain.TelemetryMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, messages...)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func sampleJSON(sessionID string, depth float64) string {
	return fmt.Sprintf(`{"kind":"sample","sample":{"session_id":%q,"at":"2026-03-01T10:05:00Z","depth":%v}}`, sessionID, depth)
}

func sessionJSON(sessionID string) string {
	return fmt.Sprintf(`{"kind":"session","session":{"id":%q,"code":"IMM-001","state":"in_progress","started_at":"2026-03-01T10:00:00Z"}}`, sessionID)
}

func serve(handler http.Handler, method, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, "/ingest", strings.NewReader(body))
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	return response
}

func TestHTTPHandlerAcceptsSingleMessage(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	response := serve(NewHTTPHandler(sink, 1<<20, nil), http.MethodPost, sampleJSON("s1", 40))

	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.pushCalls != 1 || sink.batchCalls != 0 {
		t.Fatalf("unexpected sink calls push=%d batch=%d", sink.pushCalls, sink.batchCalls)
	}
	message := sink.messages[0]
	if message.Kind != domain.TelemetrySample || message.Sample.Depth != 40 || message.SessionID() != "s1" {
		t.Fatalf("unexpected message %+v", message)
	}
}

func TestHTTPHandlerAcceptsBatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	payload := fmt.Sprintf("[%s,%s]", sessionJSON("s1"), sampleJSON("s1", 12.5))
	response := serve(NewHTTPHandler(sink, 1<<20, nil), http.MethodPost, payload)

	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.pushCalls != 0 || sink.batchCalls != 1 || sink.count() != 2 {
		t.Fatalf("unexpected sink calls push=%d batch=%d messages=%d", sink.pushCalls, sink.batchCalls, sink.count())
	}
}

func TestHTTPHandlerRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{name: "empty", body: "  "},
		{name: "empty batch", body: "[]"},
		{name: "unknown kind", body: `{"kind":"heartbeat"}`},
		{name: "sample without session", body: `{"kind":"sample","sample":{"at":"2026-03-01T10:05:00Z","depth":3}}`},
		{name: "negative depth", body: sampleJSON("s1", -1)},
		{name: "both records", body: `{"kind":"sample","sample":{"session_id":"s1","at":"2026-03-01T10:05:00Z","depth":3},"session":{"id":"s1","state":"planned"}}`},
		{name: "trailing tokens", body: sampleJSON("s1", 3) + ` {}`},
		{name: "invalid state", body: `{"kind":"session","session":{"id":"s1","state":"surfacing"}}`},
	}
	for _, tc := range cases {
		sink := &recordingSink{}
		response := serve(NewHTTPHandler(sink, 1<<20, nil), http.MethodPost, tc.body)
		if response.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d", tc.name, http.StatusBadRequest, response.Code)
		}
		if sink.pushCalls != 0 || sink.batchCalls != 0 {
			t.Fatalf("%s: sink must not be called", tc.name)
		}
	}
}

func TestHTTPHandlerStatusCodes(t *testing.T) {
	t.Parallel()

	failing := &recordingSink{err: errors.New("store unavailable")}
	if response := serve(NewHTTPHandler(failing, 1<<20, nil), http.MethodPost, sampleJSON("s1", 1)); response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
	if response := serve(NewHTTPHandler(&recordingSink{}, 1<<20, nil), http.MethodGet, ""); response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, response.Code)
	}
	if response := serve(NewHTTPHandler(&recordingSink{}, 16, nil), http.MethodPost, sampleJSON("s1", 1)); response.Code != http.StatusBadRequest {
		t.Fatalf("expected oversize body rejected, got %d", response.Code)
	}
}
