// internal/pkg/ratelimit/ratelimit.go
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed window counter per user and endpoint, shared by every
// API replica through Redis.
type Limiter struct {
	client redis.UniversalClient
}

func NewLimiter(client redis.UniversalClient) *Limiter {
	return &Limiter{client: client}
}

func key(userID int64, endpoint string) string {
	return fmt.Sprintf("ratelimit:billing:%d:%s", userID, endpoint)
}

// Allow counts one request and reports whether it fits in the window along
// with the requests left.
func (l *Limiter) Allow(ctx context.Context, userID int64, endpoint string, max int64, window time.Duration) (bool, int64, error) {
	k := key(userID, endpoint)

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	// first hit opens the window
	if count == 1 {
		if err := l.client.Expire(ctx, k, window).Err(); err != nil {
			return false, 0, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}

	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= max, remaining, nil
}

// RetryAfter returns how long until the current window closes.
func (l *Limiter) RetryAfter(ctx context.Context, userID int64, endpoint string) (time.Duration, error) {
	ttl, err := l.client.TTL(ctx, key(userID, endpoint)).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Reset clears the counter.
func (l *Limiter) Reset(ctx context.Context, userID int64, endpoint string) error {
	return l.client.Del(ctx, key(userID, endpoint)).Err()
}
