package llmclient

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

var errRetryExhausted = fmt.Errorf("llmclient: the model provider is degraded, retries exhausted")

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
		slog.Warn("llm call rate limited, retrying", "operation", operation, "attempt", i+2, "delay_ms", delay.Milliseconds(), "error", err.Error())

		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("llmclient: %s: context cancelled during retry: %w", operation, ctx.Err())
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

	slog.Error("llm retries exhausted", "operation", operation, "attempts", len(backoffDelays)+1)
	var zero T
	return zero, errRetryExhausted
}
