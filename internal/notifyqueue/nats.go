package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"diveguard/internal/config"
	"diveguard/internal/permanent"

	"github.com/nats-io/nats.go"
)

const (
	deliveryStreamMaxAge    = 24 * time.Hour
	deliveryDLQStreamMaxAge = 7 * 24 * time.Hour
)

// NATSProducer publishes webhook delivery jobs into JetStream stream.
type NATSProducer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSProducer creates JetStream producer for delivery queue.
// Params: queue config from notify.webhook.queue section.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.NotifyQueue) (*NATSProducer, error) {
	nc, js, err := openDeliveryJetStream(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Enqueue publishes one delivery job; duplicate job IDs are dropped by the stream.
// Params: context and queue job payload.
// Returns: publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal delivery job: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish delivery job: %w", err)
	}
	return nil
}

// Close closes producer NATS connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes delivery jobs via queue group consumer.
// Params: NATS connection, queue subscription, and job handler.
// Returns: worker lifecycle handle.
type NATSWorker struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	sub        *nats.Subscription
	logger     *slog.Logger
	handler    func(ctx context.Context, job Job) error
	dlq        config.NotifyQueueDLQ
	maxDeliver int
	nackDelay  time.Duration
}

// NewNATSWorker starts queue consumer for webhook delivery jobs.
// Params: queue config, logger, and per-job handler callback.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.NotifyQueue, logger *slog.Logger, handler func(ctx context.Context, job Job) error) (*NATSWorker, error) {
	nc, js, err := openDeliveryJetStream(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	worker := &NATSWorker{
		nc:         nc,
		js:         js,
		logger:     logger,
		handler:    handler,
		dlq:        cfg.DLQ,
		maxDeliver: cfg.MaxDeliver,
		nackDelay:  time.Duration(cfg.NackDelayMS) * time.Millisecond,
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, worker.handleMessage,
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec)*time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe delivery %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

// handleMessage runs one job and settles the message: ack on success or dead-letter, nak otherwise.
func (w *NATSWorker) handleMessage(message *nats.Msg) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.logger.Warn("delivery job decode failed", "subject", message.Subject, "error", err)
		_ = message.Ack()
		return
	}
	if w.handler == nil {
		_ = message.Ack()
		return
	}

	err := w.handler(context.Background(), job)
	if err == nil {
		_ = message.Ack()
		return
	}

	attempts := deliveryAttempts(message)
	w.logger.Error("delivery job failed", "job_id", job.ID, "webhook_id", job.WebhookID, "attempt", attempts, "error", err)
	reason, final := classifyFailure(err, attempts, w.maxDeliver)
	if !final {
		w.nak(message)
		return
	}
	if w.dlq.Enabled {
		if dlqErr := w.publishDLQ(context.Background(), message, job, reason, err, attempts); dlqErr != nil {
			w.logger.Error("delivery dlq publish failed", "job_id", job.ID, "reason", reason, "error", dlqErr)
			w.nak(message)
			return
		}
	}
	_ = message.Ack()
}

func (w *NATSWorker) nak(message *nats.Msg) {
	if w.nackDelay > 0 {
		_ = message.NakWithDelay(w.nackDelay)
		return
	}
	_ = message.Nak()
}

// Close drains worker subscription and closes NATS connection.
// Params: none.
// Returns: close error from subscription drain.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

// classifyFailure decides whether a failed job is finished with and why.
// Params: handler error, delivery attempt counter, and max deliver config.
// Returns: DLQ reason and true when the job must not be redelivered.
func classifyFailure(err error, attempts uint64, maxDeliver int) (DLQReason, bool) {
	if permanent.Is(err) {
		return DLQReasonPermanentError, true
	}
	if maxDeliver > 0 && attempts >= uint64(maxDeliver) {
		return DLQReasonMaxDeliverExceeded, true
	}
	return "", false
}

// ensureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func ensureStream(js nats.JetStreamContext, streamName, subject string, retention nats.RetentionPolicy, maxAge time.Duration) error {
	_, err := js.StreamInfo(streamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subject},
		Retention:  retention,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// openDeliveryJetStream opens connection/JetStream and ensures delivery streams exist.
// Params: queue config with URL and stream/subject names.
// Returns: opened NATS connection, JetStream context, and setup error.
func openDeliveryJetStream(cfg config.NotifyQueue) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, nil, fmt.Errorf("connect delivery queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for delivery queue: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, deliveryStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQ.Enabled {
		if err := ensureStream(js, cfg.DLQ.Stream, cfg.DLQ.Subject, nats.LimitsPolicy, deliveryDLQStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts returns number of delivery attempts from JetStream metadata.
// Params: delivered NATS message.
// Returns: delivered-attempt count (at least 1 when message is non-nil).
func deliveryAttempts(message *nats.Msg) uint64 {
	if message == nil {
		return 0
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}

// publishDLQ publishes failed job metadata to configured dead-letter subject.
func (w *NATSWorker) publishDLQ(ctx context.Context, message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:        job,
		Reason:     reason,
		Error:      "unknown error",
		Attempts:   attempts,
		MaxDeliver: w.maxDeliver,
		Subject:    message.Subject,
		FailedAt:   time.Now().UTC(),
	}
	if cause != nil {
		entry.Error = strings.TrimSpace(cause.Error())
	}
	if message.Header != nil {
		entry.OriginalMsgID = strings.TrimSpace(message.Header.Get(nats.MsgIdHdr))
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal delivery dlq entry: %w", err)
	}
	msg := nats.NewMsg(w.dlq.Subject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id+":dlq:"+string(reason)+":"+strconv.FormatUint(attempts, 10))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish delivery dlq entry: %w", err)
	}
	return nil
}
