package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Channel is a notification delivery channel.
type Channel string

const (
	// ChannelApp stores notifications in the in-app inbox.
	ChannelApp Channel = "app"
	// ChannelEmail sends notifications by SMTP.
	ChannelEmail Channel = "email"
	// ChannelWebhook fans out to registered webhooks.
	ChannelWebhook Channel = "webhook"
)

// Channels lists supported channels in deterministic order.
// Params: none.
// Returns: channel slice.
func Channels() []Channel {
	return []Channel{ChannelApp, ChannelEmail, ChannelWebhook}
}

// NormalizeChannel lowercases and trims channel names.
// Params: raw channel string.
// Returns: normalized channel and support flag.
func NormalizeChannel(value string) (Channel, bool) {
	channel := Channel(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Channels() {
		if channel == known {
			return channel, true
		}
	}
	return channel, false
}

// Subscription routes one event type to one channel.
// Params: event type, channel, enabled flag.
// Returns: routing row unique per (event type, channel).
type Subscription struct {
	EventType EventType `json:"event_type"`
	Channel   Channel   `json:"channel"`
	Enabled   bool      `json:"enabled"`
}

// Webhook is one externally registered HTTP endpoint.
// Params: identity, target, signing secret, event filter, active flag, and delivery health counters.
// Returns: registry row for webhook delivery.
type Webhook struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	URL           string      `json:"url"`
	SecretToken   string      `json:"secret_token,omitempty"`
	Events        []EventType `json:"events"`
	Active        bool        `json:"active"`
	SuccessCount  uint64      `json:"success_count"`
	ErrorCount    uint64      `json:"error_count"`
	LastTriggered *time.Time  `json:"last_triggered,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Redacted returns a copy without the signing secret, for read endpoints.
func (w Webhook) Redacted() Webhook {
	w.SecretToken = ""
	w.Events = append([]EventType(nil), w.Events...)
	return w
}

// Subscribes reports whether webhook listens for event type.
// Params: emitted event type.
// Returns: true when listed or when webhook subscribes to "*".
func (w Webhook) Subscribes(eventType EventType) bool {
	for _, candidate := range w.Events {
		if candidate == "*" || candidate == eventType {
			return true
		}
	}
	return false
}

// Notification is one in-app inbox entry.
// Params: entry ID, source event type and payload, creation time.
// Returns: row rendered by UI collaborator.
type Notification struct {
	ID        string          `json:"id"`
	EventID   string          `json:"event_id"`
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
