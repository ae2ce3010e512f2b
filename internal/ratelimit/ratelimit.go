package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrTooManyAttempts = errors.New("too many attempts, please try again later")

// Limiter is a fixed window counter. Allow consumes one unit for key and
// reports whether the window still had room.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// RedisLimiter shares its windows across every process using the same Redis.
type RedisLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		redis:  client,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
	}
}

func (r *RedisLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", r.prefix, key)
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := r.key(key)

	count, err := r.redis.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: failed to increment %s: %w", k, err)
	}

	if count == 1 {
		if err := r.redis.Expire(ctx, k, r.window).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: failed to set expiry on %s: %w", k, err)
		}
	}

	return count <= r.limit, nil
}

func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	return r.redis.Del(ctx, r.key(key)).Err()
}

// MemoryLimiter is the single process equivalent of RedisLimiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	count     int
	expiresAt time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*memoryWindow),
	}
}

func (m *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	m.now = now
	return m
}

func (m *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &memoryWindow{expiresAt: now.Add(m.window)}
		m.windows[key] = w
	}
	w.count++

	return w.count <= m.limit, nil
}

func (m *MemoryLimiter) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.windows, key)
	return nil
}

// Unlimited never refuses.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
func (Unlimited) Reset(context.Context, string) error         { return nil }

// Check consumes one unit and converts a refusal into ErrTooManyAttempts.
func Check(ctx context.Context, l Limiter, key string) error {
	ok, err := l.Allow(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTooManyAttempts
	}
	return nil
}

// New returns a Redis backed limiter when client is set and an in-process one otherwise.
// A limit of zero or less disables limiting.
func New(client *redis.Client, prefix string, limit int, window time.Duration) Limiter {
	if limit <= 0 {
		return Unlimited{}
	}
	if client != nil {
		return NewRedisLimiter(client, prefix, limit, window)
	}
	return NewMemoryLimiter(limit, window)
}

// NewRedisClient parses url (redis://...) and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ratelimit: failed to connect to redis: %w", err)
	}
	return client, nil
}
