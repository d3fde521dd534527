package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultRateWindow is the fixed window provider caps apply to.
	DefaultRateWindow = 60 * time.Second

	rateKeyPrefix = "fleetcore:gateway:ratelimit:"
)

// WindowStore counts requests inside a fixed window bucket. Count and
// Incr are separate on purpose: a rejected request must not consume
// window capacity.
type WindowStore interface {
	Count(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string, ttl time.Duration) error
}

// RedisWindowStore keeps window counters in Redis so every worker
// shares the same view of a provider's window.
type RedisWindowStore struct {
	client *redis.Client
}

func NewRedisWindowStore(client *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{client: client}
}

func (s *RedisWindowStore) Count(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read window counter: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse window counter: %w", err)
	}
	return n, nil
}

func (s *RedisWindowStore) Incr(ctx context.Context, key string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment window counter: %w", err)
	}
	_ = incr
	return nil
}

// MemoryWindowStore is the in-process store for tests and single-node
// deployments.
type MemoryWindowStore struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	now     func() time.Time
}

type windowEntry struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (s *MemoryWindowStore) SetNowFunc(now func() time.Time) { s.now = now }

func (s *MemoryWindowStore) Count(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || s.now().After(e.expiresAt) {
		return 0, nil
	}
	return e.count, nil
}

func (s *MemoryWindowStore) Incr(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || s.now().After(e.expiresAt) {
		s.entries[key] = &windowEntry{count: 1, expiresAt: s.now().Add(ttl)}
		return nil
	}
	e.count++
	return nil
}

// LimiterMetrics counts rejected attempts. Optional; the engine wires
// its prometheus collector here.
type LimiterMetrics interface {
	RecordLimiterRejection(limiter, key string)
}

// RateLimiter enforces per-provider fixed-window caps.
type RateLimiter struct {
	store      WindowStore
	window     time.Duration
	caps       map[string]int64
	defaultCap int64
	now        func() time.Time
	logger     *zap.Logger
	metrics    LimiterMetrics
}

// NewRateLimiter creates a limiter. caps maps provider name to its
// per-window request cap; providers not listed use defaultCap. A
// defaultCap of 0 or less means unlimited for unlisted providers.
func NewRateLimiter(store WindowStore, caps map[string]int64, defaultCap int64, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		store:      store,
		window:     DefaultRateWindow,
		caps:       caps,
		defaultCap: defaultCap,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "gateway_ratelimit")),
	}
}

// SetNowFunc overrides the clock for tests.
func (l *RateLimiter) SetNowFunc(now func() time.Time) { l.now = now }

// SetMetrics attaches a rejection counter.
func (l *RateLimiter) SetMetrics(m LimiterMetrics) { l.metrics = m }

func (l *RateLimiter) capFor(provider string) int64 {
	if c, ok := l.caps[provider]; ok {
		return c
	}
	return l.defaultCap
}

func (l *RateLimiter) bucketKey(provider string, now time.Time) string {
	bucket := now.Unix() / int64(l.window.Seconds())
	return rateKeyPrefix + provider + ":" + strconv.FormatInt(bucket, 10)
}

// Allow checks the provider's current window. On acceptance it consumes
// one slot; on rejection it leaves the window untouched and reports how
// long until the window rolls over.
func (l *RateLimiter) Allow(ctx context.Context, provider string) error {
	cap := l.capFor(provider)
	if cap <= 0 {
		return nil
	}

	now := l.now()
	key := l.bucketKey(provider, now)

	count, err := l.store.Count(ctx, key)
	if err != nil {
		return err
	}
	if count >= cap {
		windowSecs := int64(l.window.Seconds())
		retryAfter := time.Duration(windowSecs-now.Unix()%windowSecs) * time.Second
		l.logger.Warn("provider window full",
			zap.String("provider", provider),
			zap.Int64("cap", cap),
			zap.Duration("retry_after", retryAfter))
		if l.metrics != nil {
			l.metrics.RecordLimiterRejection("provider", provider)
		}
		return &RateLimitError{Provider: provider, RetryAfter: retryAfter}
	}
	return l.store.Incr(ctx, key, l.window)
}

// RateLimitMiddleware rejects requests whose provider window is full
// before any downstream stage runs.
func RateLimitMiddleware(limiter *RateLimiter) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if err := limiter.Allow(ctx, req.Provider); err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
}
