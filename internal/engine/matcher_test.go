package engine

import (
	"math"
	"testing"

	"diveguard/internal/domain"
)

func TestCompareOperators(t *testing.T) {
	t.Parallel()

	cases := []struct {
		op   string
		lhs  float64
		rhs  float64
		want bool
	}{
		{op: ">", lhs: 35, rhs: 35, want: false},
		{op: ">=", lhs: 35, rhs: 35, want: true},
		{op: "<", lhs: 34.9, rhs: 35, want: true},
		{op: "<=", lhs: 35, rhs: 35, want: true},
		{op: "==", lhs: 35, rhs: 35, want: true},
		{op: "==", lhs: 35.01, rhs: 35, want: false},
		{op: " >= ", lhs: 36, rhs: 35, want: true},
	}
	for _, tc := range cases {
		got, err := Compare(tc.op, tc.lhs, tc.rhs)
		if err != nil {
			t.Fatalf("compare %q: %v", tc.op, err)
		}
		if got != tc.want {
			t.Fatalf("%v %s %v: expected %v, got %v", tc.lhs, tc.op, tc.rhs, tc.want, got)
		}
	}
}

func TestCompareRejectsUnknownOperatorAndNaN(t *testing.T) {
	t.Parallel()

	if _, err := Compare("!=", 1, 2); err == nil {
		t.Fatalf("expected unsupported operator error")
	}
	if _, err := Compare(">", math.NaN(), 2); err == nil {
		t.Fatalf("expected non-finite operand error")
	}
}

func TestValidateRule(t *testing.T) {
	t.Parallel()

	valid := domain.AlertRule{Name: "deep", Metric: domain.MetricDepth, Operator: ">=", Threshold: 35, Priority: domain.PriorityCritical}
	if err := ValidateRule(valid); err != nil {
		t.Fatalf("expected valid rule, got %v", err)
	}

	invalid := []domain.AlertRule{
		{Metric: domain.MetricDepth, Operator: ">=", Priority: domain.PriorityCritical},
		{Name: "x", Metric: "temperature", Operator: ">=", Priority: domain.PriorityCritical},
		{Name: "x", Metric: domain.MetricDepth, Operator: "~", Priority: domain.PriorityCritical},
		{Name: "x", Metric: domain.MetricDepth, Operator: ">=", Threshold: math.Inf(1), Priority: domain.PriorityCritical},
		{Name: "x", Metric: domain.MetricDepth, Operator: ">=", Priority: "info"},
		{Name: "x", Metric: domain.MetricAscentRate, Operator: ">=", Threshold: 1, Priority: domain.PriorityWarning, Reference: domain.ReferencePlanned},
		{Name: "x", Metric: domain.MetricDepth, Operator: ">=", Threshold: 1, Priority: domain.PriorityWarning, Reference: "relative"},
	}
	for i, rule := range invalid {
		if err := ValidateRule(rule); err == nil {
			t.Fatalf("rule[%d]: expected validation error", i)
		}
	}
}
