package e2e

import "fmt"

// e2eConfig builds service config for e2e scenarios.
// Params: HTTP port, service name, mode, and NATS URL (ignored in single mode).
// Returns: TOML body with one deep-dive rule and a webhook subscription for alert.created.
func e2eConfig(port int, name, mode, natsURL string) string {
	body := fmt.Sprintf(`
[service]
name = %q
mode = %q
reload_enabled = false
display_interval_ms = 200
poll_interval_sec = 1

[escalation]
interval_sec = 300
scan_interval_sec = 1

[log.console]
enabled = true
level = "error"
format = "line"

[http]
listen = "127.0.0.1:%d"
health_path = "/healthz"
ready_path = "/readyz"
ingest_path = "/ingest"

[notify.webhook]
timeout_sec = 2

[notify.webhook.retry]
enabled = true
initial_ms = 50
max_ms = 200
max_attempts = 3

[[notify.subscription]]
event_type = "alert.created"
channel = "webhook"

[rule.deep]
metric = "depth"
op = ">="
threshold = 35.0
priority = "critical"
`, name, mode, port)
	if mode != "nats" {
		return body
	}
	return body + fmt.Sprintf(`
[nats]
url = [%q]

[nats.ingest]
enabled = true
workers = 2
ack_wait_sec = 10
nack_delay_ms = 100
max_deliver = -1

[nats.changes]
enabled = true

[notify.queue]
enabled = true
ack_wait_sec = 10
nack_delay_ms = 100
`, natsURL)
}
