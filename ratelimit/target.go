package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTargetCooldown is how long a target stays off-limits after an
// accepted contact.
const DefaultTargetCooldown = 7 * 24 * time.Hour

const targetKeyPrefix = "fleetcore:ratelimit:target:"

// ContactStore records first contact per target with set-if-absent
// semantics, so check-and-record is one atomic step.
type ContactStore interface {
	// TryRecord records the contact unless one already exists inside
	// its ttl. It returns true when this caller recorded it.
	TryRecord(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisContactStore uses SETNX with a TTL equal to the cooldown.
type RedisContactStore struct {
	client *redis.Client
}

func NewRedisContactStore(client *redis.Client) *RedisContactStore {
	return &RedisContactStore{client: client}
}

func (s *RedisContactStore) TryRecord(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, targetKeyPrefix+key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record contact for %s: %w", key, err)
	}
	return ok, nil
}

// MemoryContactStore is the in-process store for tests and single-node
// deployments.
type MemoryContactStore struct {
	mu       sync.Mutex
	contacts map[string]time.Time
	now      func() time.Time
}

func NewMemoryContactStore() *MemoryContactStore {
	return &MemoryContactStore{
		contacts: make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (s *MemoryContactStore) SetNowFunc(now func() time.Time) { s.now = now }

func (s *MemoryContactStore) TryRecord(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiry, ok := s.contacts[key]; ok && s.now().Before(expiry) {
		return false, nil
	}
	s.contacts[key] = s.now().Add(ttl)
	return true, nil
}

// TargetLimiter blocks repeat contact with the same target inside the
// cooldown.
type TargetLimiter struct {
	store    ContactStore
	cooldown time.Duration
	logger   *zap.Logger
	metrics  LimiterMetrics
}

// NewTargetLimiter creates a limiter. A cooldown of zero or less uses
// the week-long default.
func NewTargetLimiter(store ContactStore, cooldown time.Duration, logger *zap.Logger) *TargetLimiter {
	if cooldown <= 0 {
		cooldown = DefaultTargetCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TargetLimiter{
		store:    store,
		cooldown: cooldown,
		logger:   logger.With(zap.String("component", "target_ratelimit")),
	}
}

// Check accepts the first contact with a target and rejects any repeat
// inside the cooldown. Acceptance and recording are one atomic step;
// rejection records nothing.
func (l *TargetLimiter) Check(ctx context.Context, targetKey string) (bool, error) {
	accepted, err := l.store.TryRecord(ctx, targetKey, l.cooldown)
	if err != nil {
		return false, err
	}
	if !accepted {
		l.logger.Debug("target inside cooldown", zap.String("target", targetKey))
		if l.metrics != nil {
			// Target keys are unbounded; the label stays constant.
			l.metrics.RecordLimiterRejection("target", "cooldown")
		}
	}
	return accepted, nil
}

// SetMetrics attaches a rejection counter.
func (l *TargetLimiter) SetMetrics(m LimiterMetrics) { l.metrics = m }
