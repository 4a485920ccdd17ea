package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the alerting pipeline.
// All observe methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	Evaluations        prometheus.Counter
	RuleErrors         prometheus.Counter
	AlertsCreated      *prometheus.CounterVec
	AlertsEscalated    prometheus.Counter
	AlertsAcknowledged prometheus.Counter
	Notifications      *prometheus.CounterVec
	WebhookAttempts    *prometheus.CounterVec
}

// New creates collectors on a private registry.
// Params: none.
// Returns: registered metrics set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diveguard_evaluations_total",
			Help: "Total number of session evaluation passes",
		}),
		RuleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diveguard_rule_errors_total",
			Help: "Total number of rules skipped as malformed",
		}),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diveguard_alerts_created_total",
			Help: "Total number of alerts created",
		}, []string{"type", "priority"}),
		AlertsEscalated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diveguard_alerts_escalated_total",
			Help: "Total number of escalation steps applied",
		}),
		AlertsAcknowledged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diveguard_alerts_acknowledged_total",
			Help: "Total number of alerts acknowledged",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diveguard_notifications_total",
			Help: "Total number of channel deliveries by result",
		}, []string{"channel", "result"}),
		WebhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diveguard_webhook_attempts_total",
			Help: "Total number of webhook HTTP attempts by result",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Evaluations,
		m.RuleErrors,
		m.AlertsCreated,
		m.AlertsEscalated,
		m.AlertsAcknowledged,
		m.Notifications,
		m.WebhookAttempts,
	)
	return m
}

// Handler exposes registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvaluation counts one session evaluation.
func (m *Metrics) ObserveEvaluation() {
	if m == nil {
		return
	}
	m.Evaluations.Inc()
}

// ObserveRuleError counts one skipped rule.
func (m *Metrics) ObserveRuleError() {
	if m == nil {
		return
	}
	m.RuleErrors.Inc()
}

// ObserveAlertCreated counts one new alert.
func (m *Metrics) ObserveAlertCreated(alertType, priority string) {
	if m == nil {
		return
	}
	m.AlertsCreated.WithLabelValues(alertType, priority).Inc()
}

// ObserveEscalation counts one escalation step.
func (m *Metrics) ObserveEscalation() {
	if m == nil {
		return
	}
	m.AlertsEscalated.Inc()
}

// ObserveAcknowledged counts one acknowledge transition.
func (m *Metrics) ObserveAcknowledged() {
	if m == nil {
		return
	}
	m.AlertsAcknowledged.Inc()
}

// ObserveNotification counts one channel delivery outcome.
func (m *Metrics) ObserveNotification(channel string, err error) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(channel, result(err)).Inc()
}

// ObserveWebhookAttempt counts one webhook HTTP attempt.
func (m *Metrics) ObserveWebhookAttempt(err error) {
	if m == nil {
		return
	}
	m.WebhookAttempts.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
