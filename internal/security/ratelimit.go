package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited marks a deploy refused because the user spent
// their hourly budget.
var ErrRateLimited = errors.New("deploy rate limit reached")

// DeployLimiter bounds how many deploys a user may start per hour.
// A limit of zero or less disables the check.
type DeployLimiter interface {
	CheckAndIncrement(ctx context.Context, user string) error
	Close() error
}

// RedisLimiter counts deploys in Redis, for installs where several
// control plane replicas share the budget.
type RedisLimiter struct {
	redis *redis.Client
	limit int
}

func NewRedisLimiter(redisURL string, limit int) (*RedisLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLimiter{redis: client, limit: limit}, nil
}

func (rl *RedisLimiter) CheckAndIncrement(ctx context.Context, user string) error {
	if rl.limit <= 0 {
		return nil
	}

	hourlyKey := fmt.Sprintf("deploys:hourly:%s:%s", user, time.Now().Format("2006010215"))
	count, err := rl.redis.Get(ctx, hourlyKey).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to check deploy count: %w", err)
	}

	if count >= rl.limit {
		return fmt.Errorf("%w: %d deploys this hour (limit %d)", ErrRateLimited, count, rl.limit)
	}

	pipe := rl.redis.Pipeline()
	pipe.Incr(ctx, hourlyKey)
	pipe.Expire(ctx, hourlyKey, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment deploy count: %w", err)
	}
	return nil
}

func (rl *RedisLimiter) Close() error {
	return rl.redis.Close()
}

// MemoryLimiter keeps the budget in process memory, for single-node
// installs that run without Redis.
type MemoryLimiter struct {
	limit int

	mu     sync.Mutex
	window map[string][]time.Time

	now func() time.Time
}

func NewMemoryLimiter(limit int) *MemoryLimiter {
	return &MemoryLimiter{
		limit:  limit,
		window: make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (ml *MemoryLimiter) CheckAndIncrement(_ context.Context, user string) error {
	if ml.limit <= 0 {
		return nil
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()

	cutoff := ml.now().Add(-time.Hour)
	kept := ml.window[user][:0]
	for _, at := range ml.window[user] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= ml.limit {
		ml.window[user] = kept
		return fmt.Errorf("%w: %d deploys this hour (limit %d)", ErrRateLimited, len(kept), ml.limit)
	}

	ml.window[user] = append(kept, ml.now())
	return nil
}

func (ml *MemoryLimiter) Close() error {
	return nil
}
