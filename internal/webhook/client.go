package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"diveguard/internal/domain"
	"diveguard/internal/permanent"
)

const (
	userAgent       = "diveguard-webhook/1"
	maxErrorBodyLen = 512
)

// Client performs one signed webhook HTTP attempt.
// Params: HTTP client with per-attempt timeout.
// Returns: reusable delivery client.
type Client struct {
	http *http.Client
	now  func() time.Time
}

// NewClient creates webhook HTTP client.
// Params: per-attempt timeout (<=0 disables client timeout) and optional clock func.
// Returns: client ready for Send.
func NewClient(timeout time.Duration, now func() time.Time) *Client {
	if now == nil {
		now = time.Now
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		now:  now,
	}
}

// Send posts event envelope to webhook URL with signature headers.
// Params: context, webhook target, delivery ID, and event.
// Returns: HTTP status code (0 on transport error) and error; 4xx other than 408/429 is permanent.
func (c *Client) Send(ctx context.Context, hook domain.Webhook, deliveryID string, event domain.Event) (int, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return 0, permanent.Mark(fmt.Errorf("encode webhook body: %w", err))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, permanent.Mark(fmt.Errorf("build webhook request: %w", err))
	}
	timestamp := c.now().Unix()
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", userAgent)
	request.Header.Set(HeaderEvent, string(event.Type))
	request.Header.Set(HeaderDelivery, deliveryID)
	request.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	request.Header.Set(HeaderSignature, Sign(hook.SecretToken, timestamp, body))

	response, err := c.http.Do(request)
	if err != nil {
		return 0, fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, response.Body)
		return response.StatusCode, nil
	}
	return response.StatusCode, permanent.Status(response.StatusCode, unexpectedHTTPStatusError("webhook", response))
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with a bounded body excerpt.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyLen))
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}
