// Package idempotency remembers accepted job ids for a TTL so a resubmitted
// job is rejected instead of run twice.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/msageha/webrelay/internal/model"
)

// Store records keys once per TTL window.
type Store interface {
	// PutOnce records key and reports true, or reports false when key was
	// already recorded within the TTL.
	PutOnce(ctx context.Context, key string) (bool, error)
	// Forget removes key so a rejected submission can be retried.
	Forget(ctx context.Context, key string) error
	Close() error
}

// New builds the store selected by cfg.
func New(ctx context.Context, cfg model.IdempotencyConfig) (Store, error) {
	switch cfg.Backend {
	case model.IdempotencyOff:
		return Nop{}, nil
	case model.IdempotencyRedis:
		return NewRedisStore(ctx, cfg.Redis, cfg.TTL())
	case model.IdempotencyMemory, "":
		return NewMemStore(cfg.TTL(), cfg.MaxEntries), nil
	}
	return nil, fmt.Errorf("idempotency backend %q not supported", cfg.Backend)
}

// Nop accepts every key.
type Nop struct{}

func (Nop) PutOnce(context.Context, string) (bool, error) { return true, nil }
func (Nop) Forget(context.Context, string) error          { return nil }
func (Nop) Close() error                                  { return nil }

// MemStore is a bounded in-process store. When full, the oldest key is
// evicted.
type MemStore struct {
	ttl time.Duration
	max int
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemStore(ttl time.Duration, maxEntries int) *MemStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	return &MemStore{ttl: ttl, max: maxEntries, now: time.Now, seen: make(map[string]time.Time)}
}

func (s *MemStore) PutOnce(_ context.Context, key string) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ts := range s.seen {
		if now.Sub(ts) > s.ttl {
			delete(s.seen, k)
		}
	}
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	if len(s.seen) >= s.max {
		oldestKey, oldest := "", now
		for k, ts := range s.seen {
			if oldestKey == "" || ts.Before(oldest) {
				oldestKey, oldest = k, ts
			}
		}
		delete(s.seen, oldestKey)
	}
	s.seen[key] = now
	return true, nil
}

func (s *MemStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.seen, key)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Close() error { return nil }

// Len reports the number of remembered keys.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// KeyPrefix namespaces the keys in a shared Redis.
const KeyPrefix = "webrelay:job:"

// RedisStore keeps keys in Redis with SET NX and a TTL, so the window
// survives engine restarts.
type RedisStore struct {
	cli *redis.Client
	ttl time.Duration
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, cfg model.RedisConfig, ttl time.Duration) (*RedisStore, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	cli := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisStore{cli: cli, ttl: ttl}, nil
}

func (s *RedisStore) PutOnce(ctx context.Context, key string) (bool, error) {
	ok, err := s.cli.SetNX(ctx, KeyPrefix+key, time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Forget(ctx context.Context, key string) error {
	return s.cli.Del(ctx, KeyPrefix+key).Err()
}

func (s *RedisStore) Close() error { return s.cli.Close() }
