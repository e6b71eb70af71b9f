// Package infra provides the Redis adapter and its in-memory fallbacks.
// Redis backs webhook event reservations and rate-limit counters when
// REDIS_ADDR is set; without it the service runs single-node on the
// in-memory implementations.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker reserves a key for a bounded time. SetNX returns true when the
// caller won the reservation. Used to stop two workers from processing
// the same billing event concurrently.
type Locker interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Counter is a TTL-scoped increment, used by the rate limiter.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisAdapter wraps go-redis v9 behind Locker and Counter.
type RedisAdapter struct {
	rdb *redis.Client
}

// NewRedisAdapter connects and pings. The caller decides whether a
// connect failure means fallback or fatal.
func NewRedisAdapter(addr, password string, db int) (*RedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &RedisAdapter{rdb: rdb}, nil
}

func (a *RedisAdapter) Close() error { return a.rdb.Close() }

func (a *RedisAdapter) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return a.rdb.SetNX(ctx, key, "1", ttl).Result()
}

func (a *RedisAdapter) Release(ctx context.Context, key string) error {
	return a.rdb.Del(ctx, key).Err()
}

func (a *RedisAdapter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := a.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// MemoryLocker is the single-node fallback for Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time // key -> expiry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]time.Time)}
}

func (m *MemoryLocker) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if expiry, held := m.locks[key]; held && expiry.After(now) {
		return false, nil
	}
	m.locks[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

// MemoryCounter is the single-node fallback for Counter.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]*memoryCount
}

type memoryCount struct {
	n      int64
	expiry time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]*memoryCount)}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	c, ok := m.counts[key]
	if !ok || c.expiry.Before(now) {
		c = &memoryCount{expiry: now.Add(ttl)}
		m.counts[key] = c
	}
	c.n++
	return c.n, nil
}

var (
	_ Locker  = (*RedisAdapter)(nil)
	_ Counter = (*RedisAdapter)(nil)
	_ Locker  = (*MemoryLocker)(nil)
	_ Counter = (*MemoryCounter)(nil)
)
