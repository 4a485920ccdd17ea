package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"

	"diveguard/internal/domain"
)

// Job is one webhook delivery task in async delivery queue.
// Params: target webhook and the event it must receive.
// Returns: queue unit consumed by delivery workers.
type Job struct {
	ID        string       `json:"id"`
	WebhookID string       `json:"webhook_id"`
	Event     domain.Event `json:"event"`
	CreatedAt time.Time    `json:"created_at"`
}

// DLQReason identifies why a delivery job was moved to dead-letter queue.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for failed delivery jobs.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// BuildJobID creates deterministic id for one (webhook, event) delivery.
// Params: webhook ID and event envelope.
// Returns: stable SHA1-based id used for JetStream de-duplication.
func BuildJobID(webhookID string, event domain.Event) string {
	sum := sha1.Sum([]byte(webhookID + "|" + event.ID + "|" + string(event.Type)))
	return hex.EncodeToString(sum[:])
}

// NewJob builds delivery job with deterministic ID.
func NewJob(webhookID string, event domain.Event, now time.Time) Job {
	return Job{
		ID:        BuildJobID(webhookID, event),
		WebhookID: webhookID,
		Event:     event,
		CreatedAt: now,
	}
}

// Producer enqueues delivery jobs.
// Params: context and queue job payload.
// Returns: enqueue error.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}
