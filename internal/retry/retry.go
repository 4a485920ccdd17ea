package retry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"diveguard/internal/config"
	"diveguard/internal/permanent"
)

// Do runs op until it succeeds, returns a permanent error, exhausts attempts, or ctx ends.
// Params: context, retry policy, optional logger, log label, and operation receiving 1-based attempt.
// Returns: attempts made and final error.
func Do(ctx context.Context, policy config.NotifyRetry, logger *slog.Logger, label string, op func(ctx context.Context, attempt int) error) (int, error) {
	if !policy.Enabled {
		return 1, op(ctx, 1)
	}

	backoff := time.Duration(policy.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(policy.MaxMS) * time.Millisecond
	if maxBackoff > 0 && backoff > maxBackoff {
		backoff = maxBackoff
	}
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer stopTimer(timer)

	for attempt := 1; ; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			if policy.LogEachAttempt && attempt > 1 && logger != nil {
				logger.Info("send recovered after retries", "target", label, "attempt", attempt)
			}
			return attempt, nil
		}
		if policy.LogEachAttempt && logger != nil {
			logger.Warn("send attempt failed", "target", label, "attempt", attempt, "error", err)
		}
		if permanent.Is(err) {
			return attempt, err
		}
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return attempt, fmt.Errorf("%s failed after %d attempts: %w", label, attempt, err)
		}

		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(policy.Backoff, "exponential") {
			backoff *= 2
			if maxBackoff > 0 && backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
