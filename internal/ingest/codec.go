package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"diveguard/internal/domain"
)

// Sink receives validated telemetry from ingest interfaces.
// Params: context and one decoded message.
// Returns: processing error; callers treat it as retryable.
type Sink interface {
	Push(ctx context.Context, message domain.TelemetryMessage) error
}

// batchSink is implemented by sinks that apply a batch in one pass.
type batchSink interface {
	PushBatch(ctx context.Context, messages []domain.TelemetryMessage) error
}

// decodePayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array.
// Returns: validated messages.
func decodePayload(raw []byte) ([]domain.TelemetryMessage, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))

	var messages []domain.TelemetryMessage
	if payload[0] == '[' {
		batch, err := domain.DecodeTelemetryBatchReader(decoder)
		if err != nil {
			return nil, err
		}
		messages = batch
	} else {
		message, err := domain.DecodeTelemetryReader(decoder)
		if err != nil {
			return nil, err
		}
		messages = []domain.TelemetryMessage{message}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	return messages, nil
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

// push forwards messages to sink, using batch form when available.
func push(ctx context.Context, sink Sink, messages []domain.TelemetryMessage) error {
	if len(messages) == 0 {
		return nil
	}
	if batch, ok := sink.(batchSink); ok && len(messages) > 1 {
		return batch.PushBatch(ctx, messages)
	}
	for _, message := range messages {
		if err := sink.Push(ctx, message); err != nil {
			return err
		}
	}
	return nil
}
