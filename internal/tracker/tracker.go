package tracker

import (
	"fmt"
	"time"

	"diveguard/internal/domain"
)

// Snapshot is derived live metrics of one session at one instant.
// Params: elapsed bottom time and optional depth/ascent readings.
// Returns: evaluator input; nil pointers mark undefined metrics.
type Snapshot struct {
	SessionID    string        `json:"session_id"`
	At           time.Time     `json:"at"`
	Elapsed      time.Duration `json:"elapsed"`
	CurrentDepth *float64      `json:"current_depth,omitempty"`
	AscentRate   *float64      `json:"ascent_rate,omitempty"`
}

// Compute derives live metrics from session start and ordered samples.
// Params: session record, samples ordered by time, and evaluation instant.
// Returns: snapshot without side effects.
func Compute(session domain.Session, samples []domain.DepthSample, now time.Time) Snapshot {
	return Snapshot{
		SessionID:    session.ID,
		At:           now,
		Elapsed:      Elapsed(session.StartedAt, now),
		CurrentDepth: CurrentDepth(samples),
		AscentRate:   AscentRate(samples),
	}
}

// Elapsed returns now-start clamped at zero.
// Params: session start and current instant.
// Returns: non-negative elapsed duration.
func Elapsed(start, now time.Time) time.Duration {
	if start.IsZero() {
		return 0
	}
	elapsed := now.Sub(start)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// FormatElapsed renders duration as H:MM:SS with whole seconds.
// Params: elapsed duration.
// Returns: display string; negative input renders as 0:00:00.
func FormatElapsed(elapsed time.Duration) string {
	if elapsed < 0 {
		elapsed = 0
	}
	total := int64(elapsed / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
}

// CurrentDepth returns depth of the most recent sample.
// Params: ordered samples.
// Returns: nil when there are no samples.
func CurrentDepth(samples []domain.DepthSample) *float64 {
	if len(samples) == 0 {
		return nil
	}
	depth := samples[len(samples)-1].Depth
	return &depth
}

// AscentRate returns metres per minute over the last two samples.
// Params: ordered samples.
// Returns: nil with fewer than two samples or non-increasing timestamps.
func AscentRate(samples []domain.DepthSample) *float64 {
	if len(samples) < 2 {
		return nil
	}
	prev := samples[len(samples)-2]
	last := samples[len(samples)-1]
	delta := last.At.Sub(prev.At)
	if delta <= 0 {
		return nil
	}
	rate := (prev.Depth - last.Depth) / delta.Minutes()
	return &rate
}

// Value returns metric value by name.
// Params: metric name.
// Returns: value and defined flag.
func (s Snapshot) Value(metric domain.Metric) (float64, bool) {
	switch metric {
	case domain.MetricDepth:
		if s.CurrentDepth == nil {
			return 0, false
		}
		return *s.CurrentDepth, true
	case domain.MetricAscentRate:
		if s.AscentRate == nil {
			return 0, false
		}
		return *s.AscentRate, true
	case domain.MetricBottomTime:
		return s.Elapsed.Minutes(), true
	default:
		return 0, false
	}
}
