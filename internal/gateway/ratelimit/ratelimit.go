// Package ratelimit implements per-account sliding-window admission control
// backed by a shared Redis sorted set.
//
// The purge, count, insert, and expiry steps run as one atomic Lua script so
// no concurrent admission for the same account can observe a partially
// applied window.
package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	redisclient "github.com/llmops/metered-gateway/internal/shared/redis"
)

// slidingWindowScript implements a sliding-window log over a sorted set.
// KEYS[1] = per-account window key
// ARGV[1] = current unix timestamp (seconds)
// ARGV[2] = window size in seconds
// ARGV[3] = limit (max requests per window)
// ARGV[4] = unique member for this admit (timestamp tiebreaker)
// Returns: {allowed, remaining, resetAt}.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])
		local member = ARGV[4]

		-- Drop entries that fell out of the trailing window.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			local reset = now + window
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			if oldest[2] then
				reset = tonumber(oldest[2]) + window
			end
			return {0, 0, reset}
		end

		redis.call('ZADD', key, now, member)
		redis.call('EXPIRE', key, window)
		return {1, limit - count - 1, now + window}
`)

// Result is the outcome of one admission check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter admits requests per account within a trailing window.
type Limiter struct {
	rdb    *redisclient.Client
	window time.Duration
	limit  int
	logger *zap.Logger
}

// New creates a limiter allowing limit requests per window per account.
func New(rdb *redisclient.Client, window time.Duration, limit int, logger *zap.Logger) *Limiter {
	return &Limiter{rdb: rdb, window: window, limit: limit, logger: logger}
}

// Limit returns the configured per-window quota.
func (l *Limiter) Limit() int {
	return l.limit
}

// Admit records an admission attempt for the account and reports whether the
// request may proceed. If the counter store is unreachable the limiter fails
// open: billing correctness matters more than strict rate enforcement during
// an infrastructure outage.
func (l *Limiter) Admit(ctx context.Context, accountID string) Result {
	now := time.Now().Unix()
	windowSecs := int64(l.window / time.Second)
	member := uuid.New().String()

	raw, err := l.rdb.Eval(ctx, slidingWindowScript,
		[]string{"ratelimit:window:" + accountID},
		now, windowSecs, l.limit, member,
	)
	if err != nil {
		l.logger.Warn("rate limiter store unreachable, failing open",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		return Result{Allowed: true, Remaining: 1, ResetAt: time.Unix(now+windowSecs, 0)}
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		l.logger.Warn("rate limiter returned unexpected shape, failing open",
			zap.String("account_id", accountID),
		)
		return Result{Allowed: true, Remaining: 1, ResetAt: time.Unix(now+windowSecs, 0)}
	}

	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	resetAt, _ := vals[2].(int64)

	return Result{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.Unix(resetAt, 0),
	}
}
