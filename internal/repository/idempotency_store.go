package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"companion-engine/internal/domain"
)

var ErrIdempotencyKeyNotFound = errors.New("repository: idempotency key not found")

// IdempotencyStore caches the outcome of a gift send under its idempotency
// key so a retried request with the same key replays the prior result
// instead of re-executing the transaction. Redis-backed for the TTL-expiry
// semantics; a mismatched UserID on a hit is treated as not found.
type IdempotencyStore interface {
	Get(ctx context.Context, key, userID string) (domain.IdempotencyRecord, error)
	Put(ctx context.Context, record domain.IdempotencyRecord) error
}

type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

func NewRedisIdempotencyStore(client *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: "gift:idem:"}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key, userID string) (domain.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.IdempotencyRecord{}, ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	var record domain.IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if record.UserID != userID {
		return domain.IdempotencyRecord{}, ErrIdempotencyKeyNotFound
	}
	return record, nil
}

func (s *RedisIdempotencyStore) Put(ctx context.Context, record domain.IdempotencyRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		ttl = domain.IdempotencyKeyTTL
	}
	return s.client.Set(ctx, s.prefix+record.Key, raw, ttl).Err()
}

// MemoryIdempotencyStore is the no-Redis-configured fallback: process-scoped,
// so a restart loses replay protection but never blocks gift sends outright.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]domain.IdempotencyRecord)}
}

func (s *MemoryIdempotencyStore) Get(ctx context.Context, key, userID string) (domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok || record.UserID != userID || time.Now().After(record.ExpiresAt) {
		return domain.IdempotencyRecord{}, ErrIdempotencyKeyNotFound
	}
	return record, nil
}

func (s *MemoryIdempotencyStore) Put(ctx context.Context, record domain.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = time.Now().Add(domain.IdempotencyKeyTTL)
	}
	s.records[record.Key] = record
	return nil
}
