// Package ratelimit implements C2: per-(identity, endpoint-class) sliding
// window limits with persistent counters and fail-open-on-store-error.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Class is one of the endpoint classes the spec's limit table names.
type Class string

const (
	ClassAuth      Class = "auth"
	ClassUpload    Class = "upload"
	ClassChat      Class = "chat"
	ClassAutoNote  Class = "auto-note"
	ClassAPI       Class = "api"
)

// limit is the (window, cap) pair for one class, per spec §4.2's table.
type limit struct {
	window time.Duration
	cap    int
}

var limits = map[Class]limit{
	ClassAuth:     {15 * time.Minute, 5},
	ClassUpload:   {time.Hour, 10},
	ClassChat:     {time.Hour, 50},
	ClassAutoNote: {time.Hour, 20},
	ClassAPI:      {15 * time.Minute, 100},
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed           bool
	Limit             int
	RetryAfterSeconds int
	Remaining         int
	ResetAt           time.Time
	Degraded          bool // true when the store was unreachable; Allowed then comes from the in-process fallback limiter
}

// DegradedNotifier is invoked whenever the store is unreachable and the
// limiter fails open, so the caller can log a SecurityEvent and bump a
// metric without this package depending on either concern.
type DegradedNotifier func(identityID string, class Class, err error)

// Limiter checks and increments sliding-window counters in Redis. On a
// store error or timeout it fails open and notifies via onDegraded. A local
// token-bucket fallback keeps behavior sane if Redis stays down for an
// extended period, rather than admitting unlimited traffic indefinitely.
type Limiter struct {
	rdb         *redis.Client
	storeTimeout time.Duration
	onDegraded  DegradedNotifier

	fallback *fallbackLimiter
}

// New builds a Limiter against the given Redis client.
func New(rdb *redis.Client, onDegraded DegradedNotifier) *Limiter {
	return &Limiter{
		rdb:          rdb,
		storeTimeout: 100 * time.Millisecond,
		onDegraded:   onDegraded,
		fallback:     newFallbackLimiter(),
	}
}

// Check applies the sliding-window algorithm for (identityID, class) using a
// Redis sorted set keyed by rl:{class}:{identityID}, entries scored by
// request time in nanoseconds so ZREMRANGEBYSCORE can prune the window.
func (l *Limiter) Check(ctx context.Context, identityID string, class Class) Result {
	lim, ok := limits[class]
	if !ok {
		lim = limits[ClassAPI]
	}

	storeCtx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()

	res, err := l.checkRedis(storeCtx, identityID, class, lim)
	if err != nil {
		if l.onDegraded != nil {
			l.onDegraded(identityID, class, err)
		}
		allowed := l.fallback.allow(identityID, class, lim)
		return Result{Allowed: allowed, Limit: lim.cap, Degraded: true, Remaining: 0, ResetAt: time.Now().Add(lim.window)}
	}
	return res
}

func (l *Limiter) checkRedis(ctx context.Context, identityID string, class Class, lim limit) (Result, error) {
	key := fmt.Sprintf("rl:%s:%s", class, identityID)
	now := time.Now()
	cutoff := now.Add(-lim.window)

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis pipeline: %w", err)
	}

	count, err := card.Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: zcard: %w", err)
	}

	if int(count) >= lim.cap {
		retryAfter := 1
		if items, err := oldest.Result(); err == nil && len(items) > 0 {
			oldestAt := time.Unix(0, int64(items[0].Score))
			retryAfter = int(oldestAt.Add(lim.window).Sub(now).Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
		}
		return Result{Allowed: false, Limit: lim.cap, RetryAfterSeconds: retryAfter, Remaining: 0, ResetAt: now.Add(lim.window)}, nil
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), count)
	addPipe := l.rdb.TxPipeline()
	addPipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	addPipe.Expire(ctx, key, lim.window)
	if _, err := addPipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimit: zadd: %w", err)
	}

	return Result{
		Allowed:   true,
		Limit:     lim.cap,
		Remaining: lim.cap - int(count) - 1,
		ResetAt:   now.Add(lim.window),
	}, nil
}

// fallbackLimiter is an in-process token-bucket-per-key limiter used only
// while the Redis store is unreachable, so a sustained outage degrades to
// "generous local limits" instead of "no limits at all".
type fallbackLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newFallbackLimiter() *fallbackLimiter {
	return &fallbackLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (f *fallbackLimiter) allow(identityID string, class Class, lim limit) bool {
	key := string(class) + ":" + identityID

	f.mu.Lock()
	l, ok := f.limiters[key]
	if !ok {
		perSecond := float64(lim.cap) / lim.window.Seconds()
		l = rate.NewLimiter(rate.Limit(perSecond), lim.cap)
		f.limiters[key] = l
	}
	f.mu.Unlock()

	return l.Allow()
}

// LogDegraded is the default DegradedNotifier: structured log only. Callers
// that also want a persisted SecurityEvent wrap this with their own sink.
func LogDegraded(identityID string, class Class, err error) {
	slog.Warn("rate limiter store degraded, failing open",
		"identity_id", identityID, "class", string(class), "error", err)
}
