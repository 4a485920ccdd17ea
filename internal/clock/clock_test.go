package clock

import (
	"testing"
	"time"
)

func TestManualClockMovesOnlyWhenTold(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clk := NewManual(start)
	if !clk.Now().Equal(start) {
		t.Fatalf("expected pinned start, got %s", clk.Now())
	}
	if got := clk.Advance(5 * time.Minute); !got.Equal(start.Add(5 * time.Minute)) {
		t.Fatalf("unexpected advanced time %s", got)
	}
	clk.Set(start)
	if !clk.Now().Equal(start) {
		t.Fatalf("expected reset time, got %s", clk.Now())
	}
}

func TestRealClockIsUTC(t *testing.T) {
	t.Parallel()

	if loc := (RealClock{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got %s", loc)
	}
}
