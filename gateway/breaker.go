package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// BreakerState is the persisted breaker row, one per agent+provider
// pair so workers share the same view of a failing upstream.
type BreakerState struct {
	ID  uint   `gorm:"primaryKey;autoIncrement"`
	Key string `gorm:"size:160;uniqueIndex;not null"`

	State        string `gorm:"size:16;not null;default:closed"`
	FailureCount int    `gorm:"not null;default:0"`
	OpenedAt     *time.Time

	UpdatedAt time.Time
}

func (BreakerState) TableName() string { return "circuit_breaker_states" }

// BreakerStore loads and saves breaker state by key.
type BreakerStore interface {
	Get(ctx context.Context, key string) (*BreakerState, error)
	Put(ctx context.Context, state *BreakerState) error
}

// GormBreakerStore shares breaker state across workers through the
// relational store.
type GormBreakerStore struct {
	db *gorm.DB
}

func NewGormBreakerStore(db *gorm.DB) *GormBreakerStore {
	return &GormBreakerStore{db: db}
}

func (s *GormBreakerStore) Get(ctx context.Context, key string) (*BreakerState, error) {
	var state BreakerState
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &BreakerState{Key: key, State: BreakerClosed}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load breaker state: %w", err)
	}
	return &state, nil
}

func (s *GormBreakerStore) Put(ctx context.Context, state *BreakerState) error {
	var err error
	if state.ID != 0 {
		err = s.db.WithContext(ctx).Save(state).Error
	} else {
		// Two workers may race to create the row for a key; the upsert
		// makes the loser update instead of fail.
		err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).Create(state).Error
	}
	if err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

// MemoryBreakerStore is the in-process store for tests.
type MemoryBreakerStore struct {
	mu     sync.Mutex
	states map[string]BreakerState
}

func NewMemoryBreakerStore() *MemoryBreakerStore {
	return &MemoryBreakerStore{states: make(map[string]BreakerState)}
}

func (s *MemoryBreakerStore) Get(ctx context.Context, key string) (*BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[key]; ok {
		cp := state
		return &cp, nil
	}
	return &BreakerState{Key: key, State: BreakerClosed}, nil
}

func (s *MemoryBreakerStore) Put(ctx context.Context, state *BreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Key] = *state
	return nil
}

// CircuitBreaker opens after a run of consecutive failures and probes
// recovery after a cooldown. State lives in the store so the decision
// is shared across workers; the in-process mutex only serializes this
// process's read-modify-write.
type CircuitBreaker struct {
	store     BreakerStore
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *zap.Logger
	metrics   BreakerMetrics

	mu sync.Mutex
}

// BreakerMetrics counts breaker state changes. Optional; the engine
// wires its prometheus collector here.
type BreakerMetrics interface {
	RecordBreakerTransition(state string)
}

func NewCircuitBreaker(store BreakerStore, threshold int, cooldown time.Duration, logger *zap.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		store:     store,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "circuit_breaker")),
	}
}

// SetNowFunc overrides the clock for tests.
func (b *CircuitBreaker) SetNowFunc(now func() time.Time) { b.now = now }

// SetMetrics attaches a state-change counter.
func (b *CircuitBreaker) SetMetrics(m BreakerMetrics) { b.metrics = m }

func (b *CircuitBreaker) recordTransition(state string) {
	if b.metrics != nil {
		b.metrics.RecordBreakerTransition(state)
	}
}

// Allow reports whether a call for the key may proceed. An Open breaker
// whose cooldown has elapsed moves to HalfOpen and lets one probe
// through.
func (b *CircuitBreaker) Allow(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.store.Get(ctx, key)
	if err != nil {
		return false, err
	}

	switch state.State {
	case BreakerOpen:
		if state.OpenedAt != nil && b.now().Sub(*state.OpenedAt) >= b.cooldown {
			state.State = BreakerHalfOpen
			if err := b.store.Put(ctx, state); err != nil {
				return false, err
			}
			b.logger.Info("breaker half-open", zap.String("key", key))
			b.recordTransition(BreakerHalfOpen)
			return true, nil
		}
		return false, nil
	default:
		return true, nil
	}
}

// RecordSuccess closes the breaker and clears the failure run.
func (b *CircuitBreaker) RecordSuccess(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if state.State == BreakerClosed && state.FailureCount == 0 {
		return nil
	}
	if state.State != BreakerClosed {
		b.logger.Info("breaker closed", zap.String("key", key))
		b.recordTransition(BreakerClosed)
	}
	state.State = BreakerClosed
	state.FailureCount = 0
	state.OpenedAt = nil
	return b.store.Put(ctx, state)
}

// RecordFailure counts a failure. The breaker opens at the threshold,
// and a HalfOpen probe failure reopens it immediately.
func (b *CircuitBreaker) RecordFailure(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.store.Get(ctx, key)
	if err != nil {
		return err
	}

	state.FailureCount++
	open := state.State == BreakerHalfOpen || state.FailureCount >= b.threshold
	if open && state.State != BreakerOpen {
		now := b.now()
		state.State = BreakerOpen
		state.OpenedAt = &now
		b.logger.Warn("breaker opened",
			zap.String("key", key),
			zap.Int("failure_count", state.FailureCount))
		b.recordTransition(BreakerOpen)
	} else if open {
		now := b.now()
		state.OpenedAt = &now
	}
	return b.store.Put(ctx, state)
}

// State returns the current state string for the key.
func (b *CircuitBreaker) State(ctx context.Context, key string) (string, error) {
	state, err := b.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return state.State, nil
}
