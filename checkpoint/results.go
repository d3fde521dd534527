package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultResultTTL keeps an idempotent step result replayable for a
// week, matching the longest plausible gap between a crash and a
// resumed retry.
const DefaultResultTTL = 7 * 24 * time.Hour

const resultKeyPrefix = "fleetcore:checkpoint:result:"

// ResultKey hashes the identity of one step execution. A retried step
// with the same loop count resolves to the same key and replays the
// stored result instead of re-executing a side-effecting operation.
func ResultKey(experimentID, stepID string, loopCount int) string {
	h := sha256.New()
	for _, part := range []string{experimentID, stepID, strconv.Itoa(loopCount)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ResultStore caches idempotent step results.
type ResultStore interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Store(ctx context.Context, key string, result any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisResultStore shares results across workers through Redis.
type RedisResultStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisResultStore(client *redis.Client, logger *zap.Logger) *RedisResultStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisResultStore{
		client: client,
		logger: logger.With(zap.String("component", "checkpoint_results")),
	}
}

func (s *RedisResultStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := s.client.Get(ctx, resultKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get idempotent result: %w", err)
	}
	s.logger.Debug("idempotent result hit", zap.String("key", key))
	return data, true, nil
}

func (s *RedisResultStore) Store(ctx context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotent result: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	if err := s.client.Set(ctx, resultKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store idempotent result: %w", err)
	}
	return nil
}

func (s *RedisResultStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, resultKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete idempotent result: %w", err)
	}
	return nil
}

// MemoryResultStore is the in-process store for tests and single-node
// deployments.
type MemoryResultStore struct {
	mu      sync.RWMutex
	entries map[string]memoryResult
	now     func() time.Time
}

type memoryResult struct {
	data      json.RawMessage
	expiresAt time.Time
}

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{
		entries: make(map[string]memoryResult),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (s *MemoryResultStore) SetNowFunc(now func() time.Time) { s.now = now }

func (s *MemoryResultStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.now().After(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.data, true, nil
}

func (s *MemoryResultStore) Store(ctx context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotent result: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	s.mu.Lock()
	s.entries[key] = memoryResult{data: data, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryResultStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}
