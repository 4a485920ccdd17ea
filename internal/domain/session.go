package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionState is immersion lifecycle state owned by dive-operations collaborator.
// Params: planned/in_progress/completed/cancelled constants.
// Returns: state used to gate evaluation.
type SessionState string

const (
	// SessionPlanned marks a scheduled immersion that has not started.
	SessionPlanned SessionState = "planned"
	// SessionInProgress marks a live immersion; only these sessions are evaluated.
	SessionInProgress SessionState = "in_progress"
	// SessionCompleted marks a finished immersion.
	SessionCompleted SessionState = "completed"
	// SessionCancelled marks an aborted immersion.
	SessionCancelled SessionState = "cancelled"
)

// Valid reports whether state is one of known session states.
// Params: none.
// Returns: true for supported states.
func (s SessionState) Valid() bool {
	switch s {
	case SessionPlanned, SessionInProgress, SessionCompleted, SessionCancelled:
		return true
	default:
		return false
	}
}

// Session is one tracked immersion with its dive plan.
// Params: identity, lifecycle state, start time, and plan limits.
// Returns: read-only input for tracker and evaluator.
type Session struct {
	ID                   string       `json:"id"`
	Code                 string       `json:"code"`
	State                SessionState `json:"state"`
	StartedAt            time.Time    `json:"started_at"`
	PlannedBottomTimeMin float64      `json:"planned_bottom_time_min,omitempty"`
	PlannedMaxDepth      float64      `json:"planned_max_depth,omitempty"`
}

// PlannedBottomTime returns planned bottom time as duration.
// Params: none.
// Returns: zero when plan is absent.
func (s Session) PlannedBottomTime() time.Duration {
	if s.PlannedBottomTimeMin <= 0 {
		return 0
	}
	return time.Duration(s.PlannedBottomTimeMin * float64(time.Minute))
}

// Validate checks mandatory session fields.
// Params: none.
// Returns: validation error.
func (s Session) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("session.id is required")
	}
	if !s.State.Valid() {
		return fmt.Errorf("session.state has unsupported value %q", s.State)
	}
	if s.State == SessionInProgress && s.StartedAt.IsZero() {
		return errors.New("session.started_at is required for in_progress sessions")
	}
	if s.PlannedBottomTimeMin < 0 || s.PlannedMaxDepth < 0 {
		return errors.New("session plan values must be >=0")
	}
	return nil
}

// DepthSample is one depth reading for a session.
// Params: session reference, reading timestamp, and depth in metres.
// Returns: append-only telemetry point.
type DepthSample struct {
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Depth     float64   `json:"depth"`
}

// Validate checks mandatory sample fields.
// Params: none.
// Returns: validation error.
func (s DepthSample) Validate() error {
	if strings.TrimSpace(s.SessionID) == "" {
		return errors.New("sample.session_id is required")
	}
	if s.At.IsZero() {
		return errors.New("sample.at is required")
	}
	if s.Depth < 0 {
		return errors.New("sample.depth must be >=0")
	}
	return nil
}
