package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestBreaker(t *testing.T, threshold int) (*CircuitBreaker, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	b := NewCircuitBreaker(NewMemoryBreakerStore(), threshold, DefaultCooldown, zaptest.NewLogger(t))
	b.SetNowFunc(func() time.Time { return now })
	return b, &now
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, b.RecordFailure(ctx, "agent:anthropic"))
		allowed, err := b.Allow(ctx, "agent:anthropic")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	require.NoError(t, b.RecordFailure(ctx, "agent:anthropic"))

	state, err := b.State(ctx, "agent:anthropic")
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, state)

	allowed, err := b.Allow(ctx, "agent:anthropic")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	b, _ := newTestBreaker(t, 3)
	ctx := context.Background()

	require.NoError(t, b.RecordFailure(ctx, "k"))
	require.NoError(t, b.RecordFailure(ctx, "k"))
	require.NoError(t, b.RecordSuccess(ctx, "k"))
	require.NoError(t, b.RecordFailure(ctx, "k"))
	require.NoError(t, b.RecordFailure(ctx, "k"))

	// Consecutive count never reached the threshold.
	state, err := b.State(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, state)
}

func TestBreaker_CooldownProbesHalfOpen(t *testing.T) {
	b, now := newTestBreaker(t, 1)
	ctx := context.Background()

	require.NoError(t, b.RecordFailure(ctx, "k"))
	allowed, err := b.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, allowed)

	*now = now.Add(DefaultCooldown + time.Second)

	allowed, err = b.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed)

	state, err := b.State(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, BreakerHalfOpen, state)

	// A probe success closes the breaker.
	require.NoError(t, b.RecordSuccess(ctx, "k"))
	state, err = b.State(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, state)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordFailure(ctx, "k"))
	}
	*now = now.Add(DefaultCooldown + time.Second)

	allowed, err := b.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed)

	// A single failure in HalfOpen reopens regardless of the threshold.
	require.NoError(t, b.RecordFailure(ctx, "k"))
	state, err := b.State(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, state)

	allowed, err = b.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestGormBreakerStore_RoundTrip(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&BreakerState{}))

	store := NewGormBreakerStore(db)
	ctx := context.Background()

	// Unknown key reads as closed.
	state, err := store.Get(ctx, "agent-1:anthropic")
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, state.State)
	assert.Zero(t, state.FailureCount)

	openedAt := time.Now().UTC().Truncate(time.Second)
	state.State = BreakerOpen
	state.FailureCount = 5
	state.OpenedAt = &openedAt
	require.NoError(t, store.Put(ctx, state))

	// Upsert by key, not insert.
	state.FailureCount = 6
	require.NoError(t, store.Put(ctx, state))

	reloaded, err := store.Get(ctx, "agent-1:anthropic")
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, reloaded.State)
	assert.Equal(t, 6, reloaded.FailureCount)
	require.NotNil(t, reloaded.OpenedAt)

	var count int64
	require.NoError(t, db.Model(&BreakerState{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

type recordingBreakerMetrics struct {
	states []string
}

func (m *recordingBreakerMetrics) RecordBreakerTransition(state string) {
	m.states = append(m.states, state)
}

func TestBreaker_RecordsStateTransitions(t *testing.T) {
	b, now := newTestBreaker(t, 2)
	rec := &recordingBreakerMetrics{}
	b.SetMetrics(rec)
	ctx := context.Background()

	require.NoError(t, b.RecordFailure(ctx, "k"))
	require.NoError(t, b.RecordFailure(ctx, "k"))

	*now = now.Add(DefaultCooldown)
	allowed, err := b.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, b.RecordSuccess(ctx, "k"))

	assert.Equal(t, []string{BreakerOpen, BreakerHalfOpen, BreakerClosed}, rec.states)
}
