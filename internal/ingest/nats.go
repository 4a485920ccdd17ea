package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"diveguard/internal/config"

	"github.com/nats-io/nats.go"
)

const telemetryStreamMaxAge = 24 * time.Hour

// NATSSubscriber consumes telemetry via JetStream queue consumer and forwards to sink.
// Params: NATS connection, JetStream queue subscription, and sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	sink      Sink
	nackDelay time.Duration
	logger    *slog.Logger
}

// NewNATSSubscriber creates JetStream queue consumer for telemetry ingestion.
// Params: ingest NATS config, sink, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink Sink, logger *slog.Logger) (*NATSSubscriber, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureTelemetryStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}

	subscriber := &NATSSubscriber{
		nc:        nc,
		sink:      sink,
		nackDelay: time.Duration(cfg.NackDelayMS) * time.Millisecond,
		logger:    logger,
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, subscriber.handleMessage,
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
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// handleMessage acks undecodable payloads and naks store failures for redelivery.
func (s *NATSSubscriber) handleMessage(message *nats.Msg) {
	messages, err := decodePayload(message.Data)
	if err != nil {
		s.warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.ack(message, "decode")
		return
	}
	if err := push(context.Background(), s.sink, messages); err != nil {
		if s.logger != nil {
			s.logger.Error("nats ingest push failed", "subject", message.Subject, "error", err.Error())
		}
		s.nak(message)
		return
	}
	s.ack(message, "processed")
}

func (s *NATSSubscriber) ack(message *nats.Msg, reason string) {
	if err := message.Ack(); err != nil {
		s.warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

func (s *NATSSubscriber) nak(message *nats.Msg) {
	var err error
	if s.nackDelay > 0 {
		err = message.NakWithDelay(s.nackDelay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

func (s *NATSSubscriber) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

// Close drains subscription so in-flight handlers finish, then closes connection.
// Params: none.
// Returns: drain error.
func (s *NATSSubscriber) Close() error {
	defer s.nc.Close()
	if s.sub != nil {
		return s.sub.Drain()
	}
	return nil
}

// ensureTelemetryStream creates the ingest stream when absent.
func ensureTelemetryStream(js nats.JetStreamContext, stream, subject string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", stream, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    telemetryStreamMaxAge,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("add stream %q: %w", stream, err)
	}
	return nil
}
