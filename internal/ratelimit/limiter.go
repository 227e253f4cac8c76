// Package ratelimit meters chat messages per identity in fixed clock windows.
package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "companion:rl"

// Counter increments a window counter and reports its new value. The counter expires with the window.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Config describes a fixed-window limiter.
type Config struct {
	Counter Counter
	// Limit is the number of messages allowed per window; zero or less disables limiting.
	Limit  int
	Window time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

// Limiter allows at most Limit events per identity in each window.
type Limiter struct {
	counter Counter
	limit   int
	window  time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

// New constructs a limiter. A limiter without a counter or a positive limit allows everything.
func New(cfg Config) *Limiter {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{counter: cfg.Counter, limit: cfg.Limit, window: window, clock: clock, logger: logger}
}

// Unlimited returns a limiter that allows every event.
func Unlimited() *Limiter {
	return New(Config{})
}

// Allow counts one event for identity. Counter failures fail open.
func (l *Limiter) Allow(ctx context.Context, identity string) Decision {
	if l == nil || l.counter == nil || l.limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}
	now := l.clock()
	windowSeconds := int64(l.window / time.Second)
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	windowIndex := now.Unix() / windowSeconds
	resetAt := time.Unix((windowIndex+1)*windowSeconds, 0).UTC()
	key := strings.Join([]string{
		keyPrefix,
		strconv.FormatInt(windowSeconds, 10),
		strconv.FormatInt(windowIndex, 10),
		identity,
	}, ":")

	count, err := l.counter.Incr(ctx, key, l.window)
	if err != nil {
		l.logger.Warn("rate limit counter unavailable", zap.String("identity", identity), zap.Error(err))
		return Decision{Allowed: true, Remaining: -1, ResetAt: resetAt}
	}
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: count <= int64(l.limit), Remaining: remaining, ResetAt: resetAt}
}

// RedisCounter implements Counter with INCR and EXPIRE.
type RedisCounter struct {
	client redis.UniversalClient
}

// NewRedisCounter wraps a redis client.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr increments key and sets its expiry on the first hit of the window.
func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	value, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if value == 1 {
		// keys embed the window index, so a failed expire only delays cleanup
		_ = c.client.Expire(ctx, key, ttl).Err()
	}
	return value, nil
}
