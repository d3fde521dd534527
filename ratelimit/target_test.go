package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTargetLimiter_CooldownBlocksRepeatContact(t *testing.T) {
	store := NewMemoryContactStore()
	limiter := NewTargetLimiter(store, 0, zaptest.NewLogger(t))
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	store.SetNowFunc(func() time.Time { return now })

	ok, err := limiter.Check(ctx, "lead@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Check(ctx, "lead@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	// A different target is unaffected.
	ok, err = limiter.Check(ctx, "other@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	// Six days in: still cooling down.
	now = now.Add(6 * 24 * time.Hour)
	ok, err = limiter.Check(ctx, "lead@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	// Past the week: contact allowed again and the cooldown rearms.
	now = now.Add(2 * 24 * time.Hour)
	ok, err = limiter.Check(ctx, "lead@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Check(ctx, "lead@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTargetLimiter_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewTargetLimiter(NewRedisContactStore(client), time.Hour, zaptest.NewLogger(t))
	ctx := context.Background()

	ok, err := limiter.Check(ctx, "lead@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Check(ctx, "lead@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Hour)
	ok, err = limiter.Check(ctx, "lead@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTargetLimiter_RecordsRejections(t *testing.T) {
	limiter := NewTargetLimiter(NewMemoryContactStore(), time.Hour, zaptest.NewLogger(t))
	rec := &recordingLimiterMetrics{}
	limiter.SetMetrics(rec)
	ctx := context.Background()

	ok, err := limiter.Check(ctx, "lead-42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, rec.rejections)

	ok, err = limiter.Check(ctx, "lead-42")
	require.NoError(t, err)
	require.False(t, ok)
	assert.Equal(t, [][2]string{{"target", "cooldown"}}, rec.rejections)
}
