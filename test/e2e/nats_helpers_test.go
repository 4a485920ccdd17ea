package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"diveguard/internal/domain"
	"diveguard/internal/webhook"
	"diveguard/test/testutil"

	"github.com/nats-io/nats.go"
)

const e2eTelemetrySubject = "diveguard.telemetry"

// startLocalNATSServer starts a local JetStream NATS process for e2e tests.
func startLocalNATSServer(tb testing.TB) (string, func()) {
	return testutil.StartLocalNATSServer(tb)
}

func publishNATSTelemetry(url, subject, body string) error {
	nc, err := nats.Connect(url)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := nc.Publish(subject, []byte(body)); err != nil {
		return err
	}
	return nc.FlushTimeout(3 * time.Second)
}

// delivery is one webhook request captured by deliveryCollector.
type delivery struct {
	Event     domain.EventType
	Delivery  string
	Signed    bool
	SessionID string
}

// deliveryCollector records webhook requests and verifies their signatures.
type deliveryCollector struct {
	mu       sync.Mutex
	secret   string
	received []delivery
}

func (c *deliveryCollector) SetSecret(secret string) {
	c.mu.Lock()
	c.secret = secret
	c.mu.Unlock()
}

func (c *deliveryCollector) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	timestamp, _ := strconv.ParseInt(r.Header.Get(webhook.HeaderTimestamp), 10, 64)
	var envelope struct {
		Payload struct {
			SessionID string `json:"session_id"`
		} `json:"payload"`
	}
	_ = json.Unmarshal(body, &envelope)

	c.mu.Lock()
	c.received = append(c.received, delivery{
		Event:     domain.EventType(r.Header.Get(webhook.HeaderEvent)),
		Delivery:  r.Header.Get(webhook.HeaderDelivery),
		Signed:    webhook.Verify(c.secret, timestamp, body, r.Header.Get(webhook.HeaderSignature)),
		SessionID: envelope.Payload.SessionID,
	})
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *deliveryCollector) Count(event domain.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, item := range c.received {
		if item.Event == event {
			count++
		}
	}
	return count
}

func (c *deliveryCollector) Snapshot() []delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery(nil), c.received...)
}
