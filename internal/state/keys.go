package state

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"

	"diveguard/internal/domain"
)

const (
	alertKeyPrefix        = "alert."
	openKeyPrefix         = "open."
	webhookKeyPrefix      = "webhook."
	subscriptionKeyPrefix = "sub."
	sessionKeyPrefix      = "session."
	samplesKeyPrefix      = "samples."
	inboxKeyPrefix        = "n."
)

// DedupKey builds deterministic open-alert slot key for (session, type).
// Params: session ID and alert type.
// Returns: bucket-safe key shared by all backends.
func DedupKey(sessionID string, alertType domain.Metric) string {
	return Token(sessionID) + "." + Token(string(alertType))
}

// Token converts raw identifier into stable bucket-safe key fragment.
// Params: raw value with possible separators.
// Returns: sanitized token; a short digest is appended when characters were replaced.
func Token(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "_"
	}

	var b strings.Builder
	b.Grow(len(trimmed) + 9)
	changed := false
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			changed = true
		}
	}
	if changed {
		digest := sha1.Sum([]byte(trimmed))
		b.WriteByte('-')
		b.WriteString(hex.EncodeToString(digest[:4]))
	}
	return b.String()
}

func alertKey(alertID string) string {
	return alertKeyPrefix + Token(alertID)
}

func openKey(sessionID string, alertType domain.Metric) string {
	return openKeyPrefix + DedupKey(sessionID, alertType)
}

func webhookKey(webhookID string) string {
	return webhookKeyPrefix + Token(webhookID)
}

func subscriptionKey(eventType domain.EventType, channel domain.Channel) string {
	return subscriptionKeyPrefix + Token(string(eventType)) + "." + Token(string(channel))
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + Token(sessionID)
}

func samplesKey(sessionID string) string {
	return samplesKeyPrefix + Token(sessionID)
}

func inboxKey(notificationID string) string {
	return inboxKeyPrefix + Token(notificationID)
}

// insertSample places sample in time order, replacing same-timestamp reading, and trims history.
// Params: ordered samples, new sample, and max history length (<=0 keeps all).
// Returns: updated ordered slice.
func insertSample(samples []domain.DepthSample, sample domain.DepthSample, maxSamples int) []domain.DepthSample {
	pos := sort.Search(len(samples), func(i int) bool {
		return !samples[i].At.Before(sample.At)
	})
	if pos < len(samples) && samples[pos].At.Equal(sample.At) {
		samples[pos] = sample
	} else {
		samples = append(samples, domain.DepthSample{})
		copy(samples[pos+1:], samples[pos:])
		samples[pos] = sample
	}
	if maxSamples > 0 && len(samples) > maxSamples {
		samples = append([]domain.DepthSample(nil), samples[len(samples)-maxSamples:]...)
	}
	return samples
}

func cloneAlert(alert domain.Alert) domain.Alert {
	if alert.Details != nil {
		details := make(map[string]string, len(alert.Details))
		for key, value := range alert.Details {
			details[key] = value
		}
		alert.Details = details
	}
	if alert.AcknowledgedAt != nil {
		at := *alert.AcknowledgedAt
		alert.AcknowledgedAt = &at
	}
	if alert.LastEscalatedAt != nil {
		at := *alert.LastEscalatedAt
		alert.LastEscalatedAt = &at
	}
	return alert
}

func cloneWebhook(webhook domain.Webhook) domain.Webhook {
	webhook.Events = append([]domain.EventType(nil), webhook.Events...)
	if webhook.LastTriggered != nil {
		at := *webhook.LastTriggered
		webhook.LastTriggered = &at
	}
	return webhook
}
