package engine

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"diveguard/internal/domain"
)

var supportedOperators = map[string]struct{}{
	">":  {},
	">=": {},
	"<":  {},
	"<=": {},
	"==": {},
}

// IsSupportedOperator reports whether comparison operator is known.
// Params: raw operator string.
// Returns: true for >, >=, <, <=, ==.
func IsSupportedOperator(op string) bool {
	_, ok := supportedOperators[strings.TrimSpace(op)]
	return ok
}

// Compare evaluates lhs <op> rhs numerically.
// Params: operator, observed value, and threshold.
// Returns: comparison result or error for unsupported operator / non-finite input.
func Compare(op string, lhs, rhs float64) (bool, error) {
	if math.IsNaN(lhs) || math.IsInf(lhs, 0) || math.IsNaN(rhs) || math.IsInf(rhs, 0) {
		return false, errors.New("non-finite operand")
	}
	switch strings.TrimSpace(op) {
	case ">":
		return lhs > rhs, nil
	case ">=":
		return lhs >= rhs, nil
	case "<":
		return lhs < rhs, nil
	case "<=":
		return lhs <= rhs, nil
	case "==":
		return lhs == rhs, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

// ValidateRule checks one rule before evaluation.
// Params: rule from configured set.
// Returns: error describing first malformed field.
func ValidateRule(rule domain.AlertRule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return errors.New("rule name is required")
	}
	if !rule.Metric.Valid() {
		return fmt.Errorf("unsupported metric %q", rule.Metric)
	}
	if !IsSupportedOperator(rule.Operator) {
		return fmt.Errorf("unsupported operator %q", rule.Operator)
	}
	if math.IsNaN(rule.Threshold) || math.IsInf(rule.Threshold, 0) {
		return errors.New("threshold must be finite")
	}
	if rule.Priority.Rank() == 0 {
		return fmt.Errorf("unsupported priority %q", rule.Priority)
	}
	switch rule.Reference {
	case "", domain.ReferenceAbsolute:
	case domain.ReferencePlanned:
		if rule.Metric == domain.MetricAscentRate {
			return errors.New("reference=planned is not supported for ascent_rate")
		}
		if rule.Threshold <= 0 {
			return errors.New("reference=planned requires threshold >0")
		}
	default:
		return fmt.Errorf("unsupported reference %q", rule.Reference)
	}
	return nil
}
