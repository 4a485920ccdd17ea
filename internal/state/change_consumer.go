package state

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"diveguard/internal/config"
	"diveguard/internal/domain"

	"github.com/nats-io/nats.go"
)

// ChangeConsumer consumes telemetry KV writes and triggers session recompute.
// Params: NATS connection, subscription, and callback handler.
// Returns: queue consumer lifecycle handle.
type ChangeConsumer struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewChangeConsumer starts queue consumer over the telemetry bucket change feed.
// Params: NATS settings and callback receiving changed session IDs.
// Returns: running consumer or setup error.
func NewChangeConsumer(cfg config.NATSStateConfig, handler func(ctx context.Context, sessionID string) error) (*ChangeConsumer, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	consumer := &ChangeConsumer{nc: nc}
	stream := "KV_" + cfg.TelemetryBucket
	subject := "$KV." + cfg.TelemetryBucket + ".>"

	nackDelay := time.Duration(cfg.ChangeNackDelayMS) * time.Millisecond
	sub, err := js.QueueSubscribe(subject, cfg.ChangeDeliverGroup, func(message *nats.Msg) {
		handleChange(cfg.TelemetryBucket, message.Subject, message.Data, message, nackDelay, handler)
	},
		nats.BindStream(stream),
		nats.Durable(cfg.ChangeConsumerName),
		nats.ManualAck(),
		nats.DeliverNew(),
		nats.AckExplicit(),
	)
	if err != nil {
		nc.Close()
		return nil, err
	}

	consumer.sub = sub
	return consumer, nil
}

// changeAcker is the ack surface of a change-feed message.
type changeAcker interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
}

// handleChange recomputes the session behind one KV write.
// A failed recompute is redelivered after nackDelay; unrelated or delete entries are acked.
func handleChange(bucket, subject string, data []byte, acker changeAcker, nackDelay time.Duration, handler func(ctx context.Context, sessionID string) error) {
	if len(data) == 0 {
		_ = acker.Ack()
		return
	}
	sessionID := changedSessionID(extractKVKeyFromSubject(bucket, subject), data)
	if sessionID != "" && handler != nil {
		if err := handler(context.Background(), sessionID); err != nil {
			_ = acker.NakWithDelay(nackDelay)
			return
		}
	}
	_ = acker.Ack()
}

// Close drains subscription and closes NATS connection.
// Params: none.
// Returns: close error when drain fails.
func (c *ChangeConsumer) Close() error {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.nc.Close()
			return err
		}
	}
	c.nc.Close()
	return nil
}

// changedSessionID resolves session ID from telemetry bucket key and value.
// Params: KV key and written value.
// Returns: session ID or empty when value is not session telemetry.
func changedSessionID(key string, value []byte) string {
	switch {
	case strings.HasPrefix(key, sessionKeyPrefix):
		var session domain.Session
		if err := json.Unmarshal(value, &session); err != nil {
			return ""
		}
		return session.ID
	case strings.HasPrefix(key, samplesKeyPrefix):
		var samples []domain.DepthSample
		if err := json.Unmarshal(value, &samples); err != nil || len(samples) == 0 {
			return ""
		}
		return samples[len(samples)-1].SessionID
	default:
		return ""
	}
}

// extractKVKeyFromSubject extracts key from $KV.<bucket>.<key> subject.
// Params: bucket name and full subject.
// Returns: decoded key or empty on mismatch.
func extractKVKeyFromSubject(bucket, subject string) string {
	prefix := "$KV." + bucket + "."
	if !strings.HasPrefix(subject, prefix) {
		return ""
	}
	return strings.TrimPrefix(subject, prefix)
}
