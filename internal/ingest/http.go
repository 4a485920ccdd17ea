package ingest

import (
	"io"
	"log/slog"
	"net/http"
)

// HTTPHandler decodes telemetry JSON and forwards it to sink.
// Params: sink receives validated messages, max body limits payload size.
// Returns: HTTP handler for ingest endpoint.
type HTTPHandler struct {
	sink        Sink
	maxBodySize int64
	logger      *slog.Logger
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink, max request body size in bytes, and optional logger.
// Returns: configured handler.
func NewHTTPHandler(sink Sink, maxBodySize int64, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize, logger: logger}
}

// ServeHTTP handles one ingest request carrying one message or a JSON array.
// Params: HTTP request/response writer pair.
// Returns: 202 accepted, 400 on decode/validation failure, 503 when the sink rejects.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	messages, err := decodePayload(body)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("http ingest decode failed", "error", err.Error())
		}
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	if err := push(request.Context(), h.sink, messages); err != nil {
		if h.logger != nil {
			h.logger.Error("http ingest push failed", "messages", len(messages), "error", err.Error())
		}
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}
