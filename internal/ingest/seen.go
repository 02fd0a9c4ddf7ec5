package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenSet remembers event identities across polls.
type SeenSet interface {
	// Add records key and reports whether it was new.
	Add(ctx context.Context, key string) (bool, error)
	// Remove forgets key so a failed event can be retried.
	Remove(ctx context.Context, key string) error
}

type seenEntry struct {
	key string
	at  time.Time
}

// MemorySeenSet is a bounded in-process seen-set. Keys expire after ttl or
// when capacity newer keys push them out, whichever comes first.
type MemorySeenSet struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	keys  map[string]time.Time
	order []seenEntry
}

// NewMemorySeenSet creates a seen-set. capacity must cover at least one
// poll window of logs.
func NewMemorySeenSet(capacity int, ttl time.Duration) *MemorySeenSet {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &MemorySeenSet{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		keys:     make(map[string]time.Time, capacity),
	}
}

func (s *MemorySeenSet) Add(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.expire(now)
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = now
	s.order = append(s.order, seenEntry{key: key, at: now})
	for len(s.keys) > s.capacity && len(s.order) > 0 {
		s.evictOldest()
	}
	return true, nil
}

func (s *MemorySeenSet) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

// Len returns the number of remembered keys.
func (s *MemorySeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *MemorySeenSet) expire(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	for len(s.order) > 0 && now.Sub(s.order[0].at) >= s.ttl {
		s.evictOldest()
	}
}

// evictOldest drops the head of order. Entries removed or re-added since
// they were queued are skipped by comparing timestamps.
func (s *MemorySeenSet) evictOldest() {
	e := s.order[0]
	s.order[0] = seenEntry{}
	s.order = s.order[1:]
	if at, ok := s.keys[e.key]; ok && at.Equal(e.at) {
		delete(s.keys, e.key)
	}
}

// RedisSeenSet shares the seen-set between worker replicas with SETNX.
type RedisSeenSet struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisSeenSet creates a Redis-backed seen-set.
func NewRedisSeenSet(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisSeenSet {
	if prefix == "" {
		prefix = "vault:seen:"
	}
	return &RedisSeenSet{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisSeenSet) Add(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.prefix+key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ingest: seen add %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisSeenSet) Remove(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("ingest: seen remove %s: %w", key, err)
	}
	return nil
}
