package domain

import "time"

// Metric names a derived session metric that rules can watch.
// Params: depth/ascent_rate/bottom_time constants.
// Returns: metric key shared by rules, candidates, and alert type.
type Metric string

const (
	// MetricDepth is current depth in metres.
	MetricDepth Metric = "depth"
	// MetricAscentRate is ascent speed in metres per minute, positive when ascending.
	MetricAscentRate Metric = "ascent_rate"
	// MetricBottomTime is elapsed bottom time in minutes.
	MetricBottomTime Metric = "bottom_time"
)

// Valid reports whether metric is supported by the tracker.
// Params: none.
// Returns: true for known metrics.
func (m Metric) Valid() bool {
	switch m {
	case MetricDepth, MetricAscentRate, MetricBottomTime:
		return true
	default:
		return false
	}
}

// Priority is alert severity.
// Params: warning/critical/emergency constants.
// Returns: ordered severity value.
type Priority string

const (
	// PriorityWarning is the lowest severity.
	PriorityWarning Priority = "warning"
	// PriorityCritical requires prompt attention.
	PriorityCritical Priority = "critical"
	// PriorityEmergency is the highest severity.
	PriorityEmergency Priority = "emergency"
)

// Rank orders priorities for comparison.
// Params: none.
// Returns: 0 for unknown, higher value for higher severity.
func (p Priority) Rank() int {
	switch p {
	case PriorityWarning:
		return 1
	case PriorityCritical:
		return 2
	case PriorityEmergency:
		return 3
	default:
		return 0
	}
}

// ThresholdReference selects how a rule threshold is interpreted.
type ThresholdReference string

const (
	// ReferenceAbsolute compares metric against the threshold as-is.
	ReferenceAbsolute ThresholdReference = "absolute"
	// ReferencePlanned multiplies threshold by the session plan value for the metric.
	ReferencePlanned ThresholdReference = "planned"
)

// AlertRule is one administrator-configured threshold.
// Params: name, watched metric, operator, threshold, resulting priority, and threshold reference.
// Returns: read-only evaluator input.
type AlertRule struct {
	Name      string             `json:"name"`
	Metric    Metric             `json:"metric"`
	Operator  string             `json:"op"`
	Threshold float64            `json:"threshold"`
	Priority  Priority           `json:"priority"`
	Reference ThresholdReference `json:"reference,omitempty"`
}

// Candidate is one violation reported by the evaluator.
// Params: session identity, metric, observed and effective threshold values, source rule, and priority.
// Returns: input for lifecycle create-if-absent.
type Candidate struct {
	SessionID   string            `json:"session_id"`
	SessionCode string            `json:"session_code"`
	Metric      Metric            `json:"metric"`
	Observed    float64           `json:"observed_value"`
	Threshold   float64           `json:"threshold"`
	Rule        AlertRule         `json:"rule"`
	Priority    Priority          `json:"priority"`
	Details     map[string]string `json:"details"`
	ObservedAt  time.Time         `json:"observed_at"`
}

// Alert is persisted safety alert.
// Params: identity, dedup pair (session, type), severity, metric snapshot, ack and escalation state.
// Returns: alert row for store, API, and notifications.
type Alert struct {
	ID              string            `json:"id"`
	SessionID       string            `json:"session_id"`
	SessionCode     string            `json:"session_code"`
	Type            Metric            `json:"type"`
	Priority        Priority          `json:"priority"`
	RuleName        string            `json:"rule_name"`
	Details         map[string]string `json:"details"`
	Acknowledged    bool              `json:"acknowledged"`
	AcknowledgedAt  *time.Time        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string            `json:"acknowledged_by,omitempty"`
	EscalationLevel int               `json:"escalation_level"`
	LastEscalatedAt *time.Time        `json:"last_escalated_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Open reports whether alert is still unacknowledged.
// Params: none.
// Returns: true while alert blocks new alerts of the same type.
func (a Alert) Open() bool {
	return !a.Acknowledged
}

// EscalationAnchor returns time the next escalation interval is measured from.
// Params: none.
// Returns: last escalation time or creation time.
func (a Alert) EscalationAnchor() time.Time {
	if a.LastEscalatedAt != nil && !a.LastEscalatedAt.IsZero() {
		return *a.LastEscalatedAt
	}
	return a.CreatedAt
}
