// Package ratelimit bounds OTP issuance per user over a rolling window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	id "kyc-gateway/pkg/domain"
)

// Limiter admits or rejects an issuance for a user. Implementations count
// issuances over a rolling window; rejected calls do not consume quota.
type Limiter interface {
	Allow(ctx context.Context, userID id.UserID) (bool, error)
}

// Redis is a sliding-window limiter on a sorted set per user. Used in
// production so the limit holds across gateway replicas.
type Redis struct {
	client *goredis.Client
	limit  int
	window time.Duration
}

func NewRedis(client *goredis.Client, limit int, window time.Duration) *Redis {
	return &Redis{client: client, limit: limit, window: window}
}

// allowScript trims expired entries, counts the survivors and records the
// new issuance only when quota remains, in one atomic step so concurrent
// issuers cannot slip past the limit between check and record.
var allowScript = goredis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

func (r *Redis) Allow(ctx context.Context, userID id.UserID) (bool, error) {
	key := fmt.Sprintf("otp:issue:%s", userID)
	now := time.Now()
	cutoff := now.Add(-r.window)

	// Members must be unique; two issuances in the same nanosecond would
	// otherwise collapse into one entry.
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())
	allowed, err := allowScript.Run(ctx, r.client, []string{key},
		cutoff.UnixNano(), r.limit, now.UnixNano(), member, r.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return allowed == 1, nil
}

// InMemory is a per-process sliding window, for tests and single-instance
// development.
type InMemory struct {
	mu     sync.Mutex
	events map[id.UserID][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewInMemory(limit int, window time.Duration) *InMemory {
	return &InMemory{
		events: make(map[id.UserID][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// SetClock pins the limiter's clock for deterministic tests.
func (l *InMemory) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *InMemory) Allow(_ context.Context, userID id.UserID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.events[userID][:0]
	for _, t := range l.events[userID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.events[userID] = kept
		return false, nil
	}
	l.events[userID] = append(kept, now)
	return true, nil
}
