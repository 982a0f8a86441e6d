package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

// errRetryExhausted is returned when all retry attempts are spent on a
// retryable error.
var errRetryExhausted = fmt.Errorf("embedding: the upstream embedding service is degraded, retries exhausted")

// backoffDelays mirrors the teacher's 500ms/1000ms/2000ms schedule, capped at
// a 4s ceiling, with +/-20% jitter so a burst of concurrent callers doesn't
// retry in lockstep against an already-struggling upstream.
var backoffDelays = []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond, 2000 * time.Millisecond}

const backoffCeiling = 4 * time.Second

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "503")
}

func jitter(d time.Duration) time.Duration {
	if d > backoffCeiling {
		d = backoffCeiling
	}
	delta := time.Duration(float64(d) * 0.2)
	return d - delta + time.Duration(rand.Int63n(int64(2*delta+1)))
}

// withRetry executes fn, retrying on retryable errors per backoffDelays.
func withRetry[T any](ctx context.Context, operation string, fn func() (T, error)) (T, error) {
	result, err := fn()
	if err == nil {
		return result, nil
	}
	if !isRetryableError(err) {
		return result, err
	}

	for i, base := range backoffDelays {
		delay := jitter(base)

		slog.Warn("embedding call rate limited, retrying",
			"operation", operation, "attempt", i+2, "delay_ms", delay.Milliseconds(), "error", err.Error())

		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("embedding: %s: context cancelled during retry: %w", operation, ctx.Err())
		case <-time.After(delay):
		}

		result, err = fn()
		if err == nil {
			return result, nil
		}
		if !isRetryableError(err) {
			return result, err
		}
	}

	slog.Error("embedding retries exhausted", "operation", operation, "attempts", len(backoffDelays)+1)
	var zero T
	return zero, errRetryExhausted
}
