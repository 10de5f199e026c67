// Package throttle counts failed login attempts per normalized display name.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter keeps a fixed-window failure counter per key in Redis, so
// every API replica sees the same count.
type RedisLimiter struct {
	client      *redis.Client
	prefix      string
	maxAttempts int
	window      time.Duration
}

// NewRedisLimiter connects to redisURL and verifies the connection.
func NewRedisLimiter(redisURL string, maxAttempts int, window time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLimiterWithClient(client, maxAttempts, window), nil
}

// NewRedisLimiterWithClient creates a limiter from an existing Redis client.
func NewRedisLimiterWithClient(client *redis.Client, maxAttempts int, window time.Duration) *RedisLimiter {
	maxAttempts, window = normalize(maxAttempts, window)
	return &RedisLimiter{
		client:      client,
		prefix:      "login-failures:",
		maxAttempts: maxAttempts,
		window:      window,
	}
}

func (l *RedisLimiter) key(subject string) string {
	return l.prefix + subject
}

// Allow reports whether another attempt for subject may proceed.
func (l *RedisLimiter) Allow(ctx context.Context, subject string) (bool, error) {
	raw, err := l.client.Get(ctx, l.key(subject)).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read failure count: %w", err)
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return false, fmt.Errorf("parse failure count: %w", err)
	}
	return count < l.maxAttempts, nil
}

// Fail records a failed attempt. The window starts at the first failure.
func (l *RedisLimiter) Fail(ctx context.Context, subject string) error {
	key := l.key(subject)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("count failure: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("set failure window: %w", err)
		}
	}
	return nil
}

// Reset clears the counter after a successful login.
func (l *RedisLimiter) Reset(ctx context.Context, subject string) error {
	if err := l.client.Del(ctx, l.key(subject)).Err(); err != nil {
		return fmt.Errorf("reset failure count: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// Ping checks if Redis is reachable
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func normalize(maxAttempts int, window time.Duration) (int, time.Duration) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return maxAttempts, window
}
