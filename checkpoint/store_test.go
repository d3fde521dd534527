package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/agentfleet/fleetcore/experiment"
)

func setupStore(t *testing.T) (*Store, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(Models()...))
	require.NoError(t, db.AutoMigrate(experiment.Models()...))
	return NewStore(db, zaptest.NewLogger(t)), db
}

func TestStore_WriteReadClear(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	_, ok, err := s.Read(ctx, "step-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Write(ctx, "step-1", []byte(`{"progress":1}`), "worker-a"))

	data, ok, err := s.Read(ctx, "step-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"progress":1}`, string(data))

	// Last write wins, no merge.
	require.NoError(t, s.Write(ctx, "step-1", []byte(`{"progress":2}`), "worker-b"))
	data, ok, err = s.Read(ctx, "step-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"progress":2}`, string(data))

	var count int64
	require.NoError(t, s.db.Model(&Checkpoint{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	require.NoError(t, s.Clear(ctx, "step-1"))
	_, ok, err = s.Read(ctx, "step-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Clearing again is a no-op, not an error.
	require.NoError(t, s.Clear(ctx, "step-1"))
}

func TestStore_HeartbeatTouchesOnlyTimestamp(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0).UTC()
	s.SetNowFunc(func() time.Time { return now })

	require.NoError(t, s.Write(ctx, "step-1", []byte(`{"progress":1}`), "worker-a"))

	now = now.Add(30 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, "step-1"))

	var cp Checkpoint
	require.NoError(t, s.db.First(&cp, "step_id = ?", "step-1").Error)
	assert.Equal(t, now.Unix(), cp.LastHeartbeatAt.Unix())
	assert.JSONEq(t, `{"progress":1}`, string(cp.Data))
	assert.Equal(t, "worker-a", cp.WorkerID)
}

func TestStore_HeartbeatWithoutCheckpointCreatesRow(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Heartbeat(ctx, "step-orphan"))

	var cp Checkpoint
	require.NoError(t, s.db.First(&cp, "step_id = ?", "step-orphan").Error)
	assert.Empty(t, cp.Data)
}

func TestStore_IsStale(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0).UTC()
	s.SetNowFunc(func() time.Time { return now })

	// No checkpoint: never stale.
	stale, err := s.IsStale(ctx, "step-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, stale)

	require.NoError(t, s.Write(ctx, "step-1", nil, "worker-a"))

	stale, err = s.IsStale(ctx, "step-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, stale)

	now = now.Add(2 * time.Minute)
	stale, err = s.IsStale(ctx, "step-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, stale)

	// A heartbeat revives the step.
	require.NoError(t, s.Heartbeat(ctx, "step-1"))
	stale, err = s.IsStale(ctx, "step-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestStore_SweepCompleted(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	s.SetNowFunc(func() time.Time { return now })

	oldDone := now.Add(-10 * 24 * time.Hour)
	recentDone := now.Add(-time.Hour)

	steps := []experiment.PlaybookStep{
		{ID: "step-old", ExperimentID: "exp-1", Status: experiment.StageStatusCompleted, CompletedAt: &oldDone},
		{ID: "step-recent", ExperimentID: "exp-1", Status: experiment.StageStatusCompleted, CompletedAt: &recentDone},
		{ID: "step-running", ExperimentID: "exp-1", Status: experiment.StageStatusRunning},
	}
	for i := range steps {
		require.NoError(t, db.Create(&steps[i]).Error)
	}
	for _, id := range []string{"step-old", "step-recent", "step-running"} {
		require.NoError(t, s.Write(ctx, id, []byte(`{}`), "w"))
	}

	removed, err := s.SweepCompleted(ctx, DefaultSweepRetention)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, ok, err := s.Read(ctx, "step-old")
	require.NoError(t, err)
	assert.False(t, ok)
	for _, id := range []string{"step-recent", "step-running"} {
		_, ok, err := s.Read(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
}
