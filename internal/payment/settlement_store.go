package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iwantamacmini2/macgas/internal/cache"
)

const (
	settlementKeyPrefix  = "macgas:settlement:"
	settlementCacheSlots = 1 << 16
)

// SettlementStore is the fast-path guard against double-crediting a
// settlement reference when clients retry during the confirmation window.
// The durable applied-references table remains the source of truth; this
// store just keeps retries from reaching the database at all.
type SettlementStore interface {
	// MarkSettled reports whether reference was newly marked. Concurrent
	// marks of the same reference must yield true at most once.
	MarkSettled(ctx context.Context, reference string) (bool, error)

	// Unmark releases reference so a retry can reach the durable guard
	// again, used when the credit behind a fresh mark failed to commit.
	Unmark(ctx context.Context, reference string) error
}

// MemorySettlementStore suits single-instance deployments. References past
// the TTL or evicted under memory pressure fall through to the durable
// guard, so a bounded cache is safe here.
type MemorySettlementStore struct {
	seen *cache.LRU[string, struct{}]
}

var _ SettlementStore = (*MemorySettlementStore)(nil)

func NewMemorySettlementStore(ttl time.Duration) *MemorySettlementStore {
	return &MemorySettlementStore{
		seen: cache.NewLRU[string, struct{}](settlementCacheSlots, ttl),
	}
}

func (s *MemorySettlementStore) MarkSettled(_ context.Context, reference string) (bool, error) {
	return s.seen.Add(reference, struct{}{}), nil
}

func (s *MemorySettlementStore) Unmark(_ context.Context, reference string) error {
	s.seen.Remove(reference)
	return nil
}

// RedisSettlementStore shares the guard across instances via SETNX.
type RedisSettlementStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ SettlementStore = (*RedisSettlementStore)(nil)

func NewRedisSettlementStore(client *redis.Client, ttl time.Duration) *RedisSettlementStore {
	return &RedisSettlementStore{client: client, ttl: ttl}
}

func (s *RedisSettlementStore) MarkSettled(ctx context.Context, reference string) (bool, error) {
	ok, err := s.client.SetNX(ctx, settlementKeyPrefix+reference, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark settlement: %w", err)
	}
	return ok, nil
}

func (s *RedisSettlementStore) Unmark(ctx context.Context, reference string) error {
	if err := s.client.Del(ctx, settlementKeyPrefix+reference).Err(); err != nil {
		return fmt.Errorf("unmark settlement: %w", err)
	}
	return nil
}
