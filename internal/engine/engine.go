package engine

import (
	"log/slog"
	"math"
	"strconv"

	"diveguard/internal/domain"
	"diveguard/internal/metrics"
	"diveguard/internal/tracker"
)

// Evaluator runs threshold rules against live session metrics.
// Params: logger for skipped rules and optional metrics sink.
// Returns: stateless evaluator safe for concurrent use.
type Evaluator struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates evaluator.
// Params: logger and optional metrics (nil disables counters).
// Returns: evaluator instance.
func New(logger *slog.Logger, m *metrics.Metrics) *Evaluator {
	return &Evaluator{logger: logger, metrics: m}
}

// Evaluate checks every rule for one session and returns violations.
// Params: session with plan, derived snapshot, and active rule set.
// Returns: zero or more candidates; nil for sessions not in progress.
func (e *Evaluator) Evaluate(session domain.Session, snapshot tracker.Snapshot, rules []domain.AlertRule) []domain.Candidate {
	if session.State != domain.SessionInProgress {
		return nil
	}
	e.metrics.ObserveEvaluation()

	var candidates []domain.Candidate
	for _, rule := range rules {
		if err := ValidateRule(rule); err != nil {
			e.metrics.ObserveRuleError()
			if e.logger != nil {
				e.logger.Warn("rule skipped", "rule", rule.Name, "session_id", session.ID, "error", err.Error())
			}
			continue
		}
		observed, ok := snapshot.Value(rule.Metric)
		if !ok {
			continue
		}
		threshold, ok := effectiveThreshold(rule, session)
		if !ok {
			continue
		}
		matched, err := Compare(rule.Operator, observed, threshold)
		if err != nil {
			e.metrics.ObserveRuleError()
			if e.logger != nil {
				e.logger.Warn("rule comparison failed", "rule", rule.Name, "session_id", session.ID, "error", err.Error())
			}
			continue
		}
		if !matched {
			continue
		}
		candidates = append(candidates, domain.Candidate{
			SessionID:   session.ID,
			SessionCode: session.Code,
			Metric:      rule.Metric,
			Observed:    observed,
			Threshold:   threshold,
			Rule:        rule,
			Priority:    rule.Priority,
			Details:     BuildDetails(snapshot, rule, observed, threshold),
			ObservedAt:  snapshot.At,
		})
	}
	return candidates
}

// Strongest keeps one candidate per metric, preferring the highest priority.
// Params: candidates from one evaluation pass.
// Returns: reduced list in first-seen metric order.
func Strongest(candidates []domain.Candidate) []domain.Candidate {
	if len(candidates) <= 1 {
		return candidates
	}
	index := make(map[domain.Metric]int, len(candidates))
	out := make([]domain.Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		pos, seen := index[candidate.Metric]
		if !seen {
			index[candidate.Metric] = len(out)
			out = append(out, candidate)
			continue
		}
		if candidate.Priority.Rank() > out[pos].Priority.Rank() {
			out[pos] = candidate
		}
	}
	return out
}

// effectiveThreshold resolves rule threshold against session plan.
// Params: validated rule and session.
// Returns: threshold and false when planned reference has no plan value.
func effectiveThreshold(rule domain.AlertRule, session domain.Session) (float64, bool) {
	if rule.Reference != domain.ReferencePlanned {
		return rule.Threshold, true
	}
	switch rule.Metric {
	case domain.MetricDepth:
		if session.PlannedMaxDepth <= 0 {
			return 0, false
		}
		return rule.Threshold * session.PlannedMaxDepth, true
	case domain.MetricBottomTime:
		if session.PlannedBottomTimeMin <= 0 {
			return 0, false
		}
		return rule.Threshold * session.PlannedBottomTimeMin, true
	default:
		return 0, false
	}
}

// BuildDetails snapshots metrics that triggered a rule.
// Params: snapshot, rule, observed value, and effective threshold.
// Returns: key/value details for alert row.
func BuildDetails(snapshot tracker.Snapshot, rule domain.AlertRule, observed, threshold float64) map[string]string {
	details := map[string]string{
		"rule":            rule.Name,
		"operator":        rule.Operator,
		"observed":        FormatNumber(observed),
		"threshold":       FormatNumber(threshold),
		"bottom_time":     tracker.FormatElapsed(snapshot.Elapsed),
		"bottom_time_min": FormatNumber(snapshot.Elapsed.Minutes()),
	}
	if snapshot.CurrentDepth != nil {
		details["current_depth"] = FormatNumber(*snapshot.CurrentDepth)
	}
	if snapshot.AscentRate != nil {
		details["ascent_rate"] = FormatNumber(*snapshot.AscentRate)
	}
	return details
}

// FormatNumber renders value rounded to two decimals in shortest form.
// Params: numeric value.
// Returns: string such as "40" or "12.5".
func FormatNumber(value float64) string {
	rounded := math.Round(value*100) / 100
	if rounded == 0 {
		// drop negative zero
		rounded = 0
	}
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}
