// Package runlock coordinates the daily advancement trigger across redundant
// schedulers and keeps the last run summary available for observability.
package runlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const summaryTTL = 72 * time.Hour

// RedisLock implements the daily run lock and summary cache on Redis. The
// lock only prevents redundant work when a trigger fires twice: the
// advancement run itself is idempotent with or without it.
type RedisLock struct {
	client *redis.Client
	prefix string
}

// NewRedisLock creates a Redis-backed run lock
func NewRedisLock(redisURL string) (*RedisLock, error) {
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

	return &RedisLock{client: client, prefix: "advance:"}, nil
}

// NewRedisLockWithClient creates a run lock from an existing Redis client
func NewRedisLockWithClient(client *redis.Client) *RedisLock {
	return &RedisLock{client: client, prefix: "advance:"}
}

func (l *RedisLock) runKey(runDate string) string {
	return l.prefix + "run:" + runDate
}

// Acquire claims the run for one calendar date. Returns false when another
// trigger already holds it.
func (l *RedisLock) Acquire(ctx context.Context, runDate string, ttl time.Duration) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.runKey(runDate), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	return acquired, nil
}

// Release drops the lock for a run date, letting a retry re-acquire it after
// a failed run.
func (l *RedisLock) Release(ctx context.Context, runDate string) error {
	if err := l.client.Del(ctx, l.runKey(runDate)).Err(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

// SaveSummary stores the JSON summary of the most recent real run.
func (l *RedisLock) SaveSummary(ctx context.Context, runDate string, payload []byte) error {
	if err := l.client.Set(ctx, l.prefix+"last_run", payload, summaryTTL).Err(); err != nil {
		return fmt.Errorf("save run summary: %w", err)
	}
	if err := l.client.Set(ctx, l.prefix+"last_run_date", runDate, summaryTTL).Err(); err != nil {
		return fmt.Errorf("save run date: %w", err)
	}
	return nil
}

// LastSummary returns the most recent stored summary, or nil when none exists.
func (l *RedisLock) LastSummary(ctx context.Context) ([]byte, error) {
	payload, err := l.client.Get(ctx, l.prefix+"last_run").Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run summary: %w", err)
	}
	return payload, nil
}

// Close closes the Redis connection
func (l *RedisLock) Close() error {
	return l.client.Close()
}

// Ping checks if Redis is reachable
func (l *RedisLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
