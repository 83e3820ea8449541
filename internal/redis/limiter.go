package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims the window, refuses when full and otherwise records
// the event, all in one atomic step.
var slidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// Limiter is a sliding window ratelimit.Limiter shared by every API process
type Limiter struct {
	client *redis.Client
	prefix string
	window time.Duration
	max    int
	now    func() time.Time
}

// NewLimiter creates a limiter admitting max events per window
func NewLimiter(client *redis.Client, prefix string, window time.Duration, max int) *Limiter {
	return &Limiter{
		client: client,
		prefix: prefix,
		window: window,
		max:    max,
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) Allow(ctx context.Context, identity string) (bool, error) {
	now := l.now().UnixMilli()
	allowed, err := slidingWindow.Run(ctx, l.client,
		[]string{l.prefix + "rate:" + identity},
		now-l.window.Milliseconds(),
		now,
		l.max,
		fmt.Sprintf("%d:%s", now, uuid.NewString()),
		l.window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("checking rate limit: %w", err)
	}
	return allowed == 1, nil
}
