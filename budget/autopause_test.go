package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/agentfleet/fleetcore/experiment"
)

func newTestExperiment(t *testing.T, db *gorm.DB, status experiment.Status, cap, spent int64) *experiment.Experiment {
	exp := &experiment.Experiment{
		TeamID:             "team-1",
		Name:               "autopause test",
		Status:             status,
		BudgetCapCredits:   cap,
		BudgetSpentCredits: spent,
		MaxIterations:      experiment.DefaultMaxIterations,
	}
	require.NoError(t, db.Create(exp).Error)
	return exp
}

func TestCheck(t *testing.T) {
	db := setupTestDB(t)
	l := NewLedger(db, zaptest.NewLogger(t))
	ctx := context.Background()
	fundTeam(t, l, "team-1", 1000)

	t.Run("under threshold", func(t *testing.T) {
		exp := newTestExperiment(t, db, experiment.StatusExecuting, 100, 50)
		res, err := l.Check(ctx, exp)
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Empty(t, res.Reason)
	})

	t.Run("warns at 80 percent", func(t *testing.T) {
		exp := newTestExperiment(t, db, experiment.StatusExecuting, 100, 80)
		res, err := l.Check(ctx, exp)
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Contains(t, res.Reason, "budget warning")
		assert.InDelta(t, 80.0, res.PctUsed, 0.01)
	})

	t.Run("cap reached", func(t *testing.T) {
		exp := newTestExperiment(t, db, experiment.StatusExecuting, 100, 100)
		res, err := l.Check(ctx, exp)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, "experiment budget cap reached", res.Reason)
	})

	t.Run("team balance empty", func(t *testing.T) {
		exp := newTestExperiment(t, db, experiment.StatusExecuting, 0, 0)
		exp.TeamID = "team-broke"
		res, err := l.Check(ctx, exp)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, "team has no remaining credits", res.Reason)
	})
}

func TestAutoPause_PausesExhaustedExperiment(t *testing.T) {
	db := setupTestDB(t)
	logger := zaptest.NewLogger(t)
	l := NewLedger(db, logger)
	machine := experiment.NewStateMachine(db, experiment.NewBus(logger), logger)
	ap := NewAutoPause(l, machine, logger)
	ctx := context.Background()

	fundTeam(t, l, "team-1", 1000)
	exp := newTestExperiment(t, db, experiment.StatusExecuting, 100, 100)

	require.NoError(t, ap.HandleTransition(ctx, experiment.Transitioned{
		Experiment: exp,
		FromState:  experiment.StatusBuilding,
		ToState:    experiment.StatusExecuting,
		At:         time.Now(),
	}))

	var reloaded experiment.Experiment
	require.NoError(t, db.First(&reloaded, "id = ?", exp.ID).Error)
	assert.Equal(t, experiment.StatusPaused, reloaded.Status)
	require.NotNil(t, reloaded.PausedFromStatus)
	assert.Equal(t, experiment.StatusExecuting, *reloaded.PausedFromStatus)

	var tr experiment.StateTransition
	require.NoError(t, db.Where("experiment_id = ?", exp.ID).Order("id DESC").First(&tr).Error)
	assert.Contains(t, tr.Reason, "auto-paused")
}

func TestAutoPause_LeavesHealthyExperimentAlone(t *testing.T) {
	db := setupTestDB(t)
	logger := zaptest.NewLogger(t)
	l := NewLedger(db, logger)
	machine := experiment.NewStateMachine(db, experiment.NewBus(logger), logger)
	ap := NewAutoPause(l, machine, logger)
	ctx := context.Background()

	fundTeam(t, l, "team-1", 1000)
	exp := newTestExperiment(t, db, experiment.StatusExecuting, 100, 10)

	require.NoError(t, ap.HandleTransition(ctx, experiment.Transitioned{
		Experiment: exp,
		FromState:  experiment.StatusBuilding,
		ToState:    experiment.StatusExecuting,
		At:         time.Now(),
	}))

	var reloaded experiment.Experiment
	require.NoError(t, db.First(&reloaded, "id = ?", exp.ID).Error)
	assert.Equal(t, experiment.StatusExecuting, reloaded.Status)
}

func TestAutoPause_SkipsInactiveStates(t *testing.T) {
	db := setupTestDB(t)
	logger := zaptest.NewLogger(t)
	l := NewLedger(db, logger)
	machine := experiment.NewStateMachine(db, experiment.NewBus(logger), logger)
	ap := NewAutoPause(l, machine, logger)

	// Cap reached but the experiment already finished: nothing to pause.
	exp := newTestExperiment(t, db, experiment.StatusCompleted, 100, 100)

	require.NoError(t, ap.HandleTransition(context.Background(), experiment.Transitioned{
		Experiment: exp,
		FromState:  experiment.StatusEvaluating,
		ToState:    experiment.StatusCompleted,
		At:         time.Now(),
	}))

	var reloaded experiment.Experiment
	require.NoError(t, db.First(&reloaded, "id = ?", exp.ID).Error)
	assert.Equal(t, experiment.StatusCompleted, reloaded.Status)
}
