package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelKeyPrefix = "fleetcore:ratelimit:channel:"

// ChannelPolicy caps attempts for one channel inside a trailing window.
type ChannelPolicy struct {
	Cap    int           `yaml:"cap" json:"cap"`
	Window time.Duration `yaml:"window" json:"window"`
}

// DefaultChannelPolicies reflect typical outbound channel tolerances.
var DefaultChannelPolicies = map[string]ChannelPolicy{
	"email":    {Cap: 100, Window: time.Hour},
	"linkedin": {Cap: 25, Window: 24 * time.Hour},
	"sms":      {Cap: 50, Window: time.Hour},
}

// SlidingStore keeps timestamped attempts per key. Count prunes
// entries older than since as a side effect.
type SlidingStore interface {
	Count(ctx context.Context, key string, since time.Time) (int64, error)
	Record(ctx context.Context, key string, at time.Time, retention time.Duration) error
}

// RedisSlidingStore backs the window with a sorted set scored by unix
// nanoseconds, shared by every worker.
type RedisSlidingStore struct {
	client *redis.Client
}

func NewRedisSlidingStore(client *redis.Client) *RedisSlidingStore {
	return &RedisSlidingStore{client: client}
}

func (s *RedisSlidingStore) Count(ctx context.Context, key string, since time.Time) (int64, error) {
	rkey := channelKeyPrefix + key
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "-inf", fmt.Sprintf("(%d", since.UnixNano()))
	card := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("count window for %s: %w", key, err)
	}
	return card.Val(), nil
}

func (s *RedisSlidingStore) Record(ctx context.Context, key string, at time.Time, retention time.Duration) error {
	rkey := channelKeyPrefix + key
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, rkey, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe.Expire(ctx, rkey, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record attempt for %s: %w", key, err)
	}
	return nil
}

// MemorySlidingStore is the in-process store for tests and single-node
// deployments.
type MemorySlidingStore struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func NewMemorySlidingStore() *MemorySlidingStore {
	return &MemorySlidingStore{entries: make(map[string][]time.Time)}
}

func (s *MemorySlidingStore) Count(ctx context.Context, key string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[key][:0]
	for _, at := range s.entries[key] {
		if !at.Before(since) {
			kept = append(kept, at)
		}
	}
	s.entries[key] = kept
	return int64(len(kept)), nil
}

func (s *MemorySlidingStore) Record(ctx context.Context, key string, at time.Time, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append(s.entries[key], at)
	return nil
}

// LimiterMetrics counts rejected attempts. Optional; the engine wires
// its prometheus collector here.
type LimiterMetrics interface {
	RecordLimiterRejection(limiter, key string)
}

// ChannelLimiter enforces per-channel sliding windows scoped by an
// arbitrary key (a team, an agent, a sending identity).
type ChannelLimiter struct {
	store    SlidingStore
	policies map[string]ChannelPolicy
	now      func() time.Time
	logger   *zap.Logger
	metrics  LimiterMetrics
}

// NewChannelLimiter creates a limiter. Passing nil policies uses the
// defaults; a channel with no policy is unlimited.
func NewChannelLimiter(store SlidingStore, policies map[string]ChannelPolicy, logger *zap.Logger) *ChannelLimiter {
	if policies == nil {
		policies = DefaultChannelPolicies
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelLimiter{
		store:    store,
		policies: policies,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "channel_ratelimit")),
	}
}

// SetNowFunc overrides the clock for tests.
func (l *ChannelLimiter) SetNowFunc(now func() time.Time) { l.now = now }

// SetMetrics attaches a rejection counter.
func (l *ChannelLimiter) SetMetrics(m LimiterMetrics) { l.metrics = m }

// Check accepts or rejects one attempt on the channel for the scope.
// Acceptance records the attempt; rejection records nothing, so a
// retried caller does not push its own window further out.
func (l *ChannelLimiter) Check(ctx context.Context, channel, scopeKey string) (bool, error) {
	policy, ok := l.policies[channel]
	if !ok || policy.Cap <= 0 {
		return true, nil
	}

	now := l.now()
	key := channel + ":" + scopeKey

	count, err := l.store.Count(ctx, key, now.Add(-policy.Window))
	if err != nil {
		return false, err
	}
	if count >= int64(policy.Cap) {
		l.logger.Warn("channel window full",
			zap.String("channel", channel),
			zap.String("scope", scopeKey),
			zap.Int("cap", policy.Cap))
		if l.metrics != nil {
			l.metrics.RecordLimiterRejection("channel", channel)
		}
		return false, nil
	}
	if err := l.store.Record(ctx, key, now, policy.Window); err != nil {
		return false, err
	}
	return true, nil
}
