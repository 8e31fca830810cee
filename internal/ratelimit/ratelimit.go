// Package ratelimit provides a fixed-window request limiter backed by Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts requests per caller in one-minute windows. A Redis outage
// fails open so the API keeps serving.
type Limiter struct {
	client *redis.Client
	limit  int
}

// New connects to Redis at url. Returns an error if the URL cannot be parsed;
// the connection itself is lazy.
func New(url string, perMinute int) (*Limiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Limiter{client: redis.NewClient(opts), limit: perMinute}, nil
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(client *redis.Client, perMinute int) *Limiter {
	return &Limiter{client: client, limit: perMinute}
}

// Allow increments the caller's counter for the current window and reports
// whether the request is within the limit.
func (l *Limiter) Allow(ctx context.Context, callerID string) (bool, error) {
	window := time.Now().UTC().Unix() / 60
	key := fmt.Sprintf("ratelimit:%s:%d", callerID, window)

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("ratelimit incr: %w", err)
	}
	return count.Val() <= int64(l.limit), nil
}

// Close releases the underlying Redis connection.
func (l *Limiter) Close() error {
	return l.client.Close()
}
