// Package redislimit provides a fixed-window rate limiter whose counters
// live in Redis, so that several sandbox-server replicas share one budget
// per subject.
package redislimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rhuss/pysandbox/pkg/auth"
)

// KeyPrefix namespaces the counter keys.
const KeyPrefix = "pysandbox:ratelimit:"

const (
	window      = time.Minute
	pingTimeout = 5 * time.Second
)

// Limiter counts requests per subject and minute with INCR and EXPIRE.
// When Redis is unreachable requests are let through and a warning is
// logged.
type Limiter struct {
	client redis.Cmdable
	rpm    int
	now    func() time.Time
	close  func() error
}

var _ auth.RateLimiter = (*Limiter)(nil)

// New connects to the Redis server at url (redis:// or rediss://) and
// returns a limiter allowing rpm requests per minute for each subject.
// The connection is checked once before returning.
func New(url string, rpm int) (*Limiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	l := newLimiter(client, rpm)
	l.close = client.Close
	return l, nil
}

func newLimiter(client redis.Cmdable, rpm int) *Limiter {
	return &Limiter{client: client, rpm: rpm, now: time.Now, close: func() error { return nil }}
}

// Allow returns auth.ErrTooManyRequests once the subject has used up the
// current window.
func (l *Limiter) Allow(ctx context.Context, identity *auth.Identity) error {
	if l.rpm <= 0 || identity == nil {
		return nil
	}

	key := windowKey(identity.Subject, l.now())
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*window)
		return nil
	})
	if err != nil {
		slog.Warn("rate limit check failed, allowing request", "subject", identity.Subject, "error", err)
		return nil
	}

	if incr.Val() > int64(l.rpm) {
		return auth.ErrTooManyRequests
	}
	return nil
}

// Close releases the Redis connection.
func (l *Limiter) Close() error {
	return l.close()
}

// windowKey names the counter for subject in the minute containing t.
func windowKey(subject string, t time.Time) string {
	return KeyPrefix + subject + ":" + strconv.FormatInt(t.Unix()/int64(window.Seconds()), 10)
}
