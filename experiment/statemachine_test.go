package experiment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

func createExperiment(t *testing.T, db *gorm.DB, mutate func(*Experiment)) *Experiment {
	exp := &Experiment{
		TeamID:      "team-1",
		Name:        "launch-probe",
		Status:      StatusDraft,
		Constraints: Constraints{},
	}
	if mutate != nil {
		mutate(exp)
	}
	require.NoError(t, db.Create(exp).Error)
	return exp
}

func TestValidateAndApply_HappyPath(t *testing.T) {
	db := setupTestDB(t)
	bus := NewBus(zaptest.NewLogger(t))
	sm := NewStateMachine(db, bus, zaptest.NewLogger(t))
	ctx := context.Background()

	exp := createExperiment(t, db, nil)

	tr, err := sm.ValidateAndApply(ctx, exp.ID, StatusScoring, "signal scored above threshold", "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, tr.FromState)
	assert.Equal(t, StatusScoring, tr.ToState)

	var reloaded Experiment
	require.NoError(t, db.First(&reloaded, "id = ?", exp.ID).Error)
	assert.Equal(t, StatusScoring, reloaded.Status)
	assert.NotNil(t, reloaded.StartedAt, "draft -> scoring sets started_at")

	var count int64
	require.NoError(t, db.Model(&StateTransition{}).Where("experiment_id = ?", exp.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestValidateAndApply_IllegalEdge(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, nil, zaptest.NewLogger(t))

	exp := createExperiment(t, db, nil)

	_, err := sm.ValidateAndApply(context.Background(), exp.ID, StatusBuilding, "", "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Nothing persisted on rejection.
	var count int64
	require.NoError(t, db.Model(&StateTransition{}).Count(&count).Error)
	assert.Zero(t, count)

	var reloaded Experiment
	require.NoError(t, db.First(&reloaded, "id = ?", exp.ID).Error)
	assert.Equal(t, StatusDraft, reloaded.Status)
}

func TestValidateAndApply_RetryCeiling(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusScoringFailed
	})

	// Two prior retries: still under the default ceiling of 3.
	require.NoError(t, db.Create(&StageAttempt{
		ExperimentID: exp.ID, Stage: StatusScoring, Iteration: 0,
		Status: StageStatusFailed, RetryCount: 2,
	}).Error)

	_, err := sm.ValidateAndApply(ctx, exp.ID, StatusScoring, "retrying", "")
	require.NoError(t, err)

	// At the ceiling: rejected.
	exp2 := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusScoringFailed
	})
	require.NoError(t, db.Create(&StageAttempt{
		ExperimentID: exp2.ID, Stage: StatusScoring, Iteration: 0,
		Status: StageStatusFailed, RetryCount: 3,
	}).Error)

	_, err = sm.ValidateAndApply(ctx, exp2.ID, StatusScoring, "retrying", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "max retries")
}

func TestValidateAndApply_RetryCeilingHonorsConstraintOverride(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, nil, zaptest.NewLogger(t))

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusExecutionFailed
		e.Constraints = Constraints{"max_retries_per_stage": 1}
	})
	require.NoError(t, db.Create(&StageAttempt{
		ExperimentID: exp.ID, Stage: StatusExecuting, Iteration: 0,
		Status: StageStatusFailed, RetryCount: 1,
	}).Error)

	_, err := sm.ValidateAndApply(context.Background(), exp.ID, StatusExecuting, "retrying", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestValidateAndApply_IterationCeiling(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, nil, zaptest.NewLogger(t))

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusEvaluating
		e.MaxIterations = 3
		e.CurrentIteration = 3
	})

	_, err := sm.ValidateAndApply(context.Background(), exp.ID, StatusIterating, "", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "max iterations")
}

func TestValidateAndApply_IteratingIncrementsCounter(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, nil, zaptest.NewLogger(t))

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusEvaluating
		e.MaxIterations = 3
		e.CurrentIteration = 1
	})

	_, err := sm.ValidateAndApply(context.Background(), exp.ID, StatusIterating, "", "")
	require.NoError(t, err)

	var reloaded Experiment
	require.NoError(t, db.First(&reloaded, "id = ?", exp.ID).Error)
	assert.Equal(t, 2, reloaded.CurrentIteration)
}

func TestValidateAndApply_RejectionCycleCeiling(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, nil, zaptest.NewLogger(t))

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusRejected
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&StateTransition{
			ExperimentID: exp.ID, TeamID: exp.TeamID,
			FromState: StatusAwaitingApproval, ToState: StatusRejected,
		}).Error)
	}

	_, err := sm.ValidateAndApply(context.Background(), exp.ID, StatusPlanning, "revise plan", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "max rejection cycles")
}

func TestValidateAndApply_BuildingPrerequisite(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusPlanning
	})

	// No completed planning stage yet.
	_, err := sm.ValidateAndApply(ctx, exp.ID, StatusBuilding, "", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "no completed plan")

	require.NoError(t, db.Create(&StageAttempt{
		ExperimentID: exp.ID, Stage: StatusPlanning, Iteration: 0,
		Status: StageStatusCompleted, OutputSnapshot: []byte(`{"plan":"ship it"}`),
	}).Error)

	_, err = sm.ValidateAndApply(ctx, exp.ID, StatusBuilding, "", "")
	require.NoError(t, err)
}

func TestValidateAndApply_ExecutingPrerequisiteForWorkflow(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusDraft
		e.Constraints = Constraints{"workflow_graph": map[string]any{"nodes": []any{"a"}}}
	})

	_, err := sm.ValidateAndApply(ctx, exp.ID, StatusExecuting, "", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "no playbook steps")

	require.NoError(t, db.Create(&PlaybookStep{ExperimentID: exp.ID, Name: "step-1"}).Error)

	_, err = sm.ValidateAndApply(ctx, exp.ID, StatusExecuting, "", "")
	require.NoError(t, err)
}

func TestValidateAndApply_CollectingMetricsPrerequisite(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusExecuting
	})
	require.NoError(t, db.Create(&PlaybookStep{ExperimentID: exp.ID, Name: "step-1", Status: StageStatusRunning}).Error)

	_, err := sm.ValidateAndApply(ctx, exp.ID, StatusCollectingMetrics, "", "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, db.Model(&PlaybookStep{}).
		Where("experiment_id = ?", exp.ID).
		Update("status", StageStatusCompleted).Error)

	_, err = sm.ValidateAndApply(ctx, exp.ID, StatusCollectingMetrics, "", "")
	require.NoError(t, err)
}

func TestValidateAndApply_PauseAndResume(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusExecuting
	})

	_, err := sm.ValidateAndApply(ctx, exp.ID, StatusPaused, "operator pause", "user-2")
	require.NoError(t, err)

	var paused Experiment
	require.NoError(t, db.First(&paused, "id = ?", exp.ID).Error)
	require.NotNil(t, paused.PausedFromStatus)
	assert.Equal(t, StatusExecuting, *paused.PausedFromStatus)

	_, err = sm.ValidateAndApply(ctx, exp.ID, StatusExecuting, "resuming", "user-2")
	require.NoError(t, err)

	var resumed Experiment
	require.NoError(t, db.First(&resumed, "id = ?", exp.ID).Error)
	assert.Nil(t, resumed.PausedFromStatus)
	assert.Equal(t, StatusExecuting, resumed.Status)
}

func TestValidateAndApply_KillSetsTimestamp(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, nil, zaptest.NewLogger(t))

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusScoring
	})

	_, err := sm.ValidateAndApply(context.Background(), exp.ID, StatusKilled, "dead signal", "user-1")
	require.NoError(t, err)

	var reloaded Experiment
	require.NoError(t, db.First(&reloaded, "id = ?", exp.ID).Error)
	assert.NotNil(t, reloaded.KilledAt)

	// Terminal: nothing moves out of killed.
	_, err = sm.ValidateAndApply(context.Background(), exp.ID, StatusScoring, "", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestValidateAndApply_PublishesEvent(t *testing.T) {
	db := setupTestDB(t)
	bus := NewBus(zaptest.NewLogger(t))
	sm := NewStateMachine(db, bus, zaptest.NewLogger(t))

	var got []Transitioned
	bus.Subscribe(func(ctx context.Context, ev Transitioned) error {
		got = append(got, ev)
		return nil
	})

	exp := createExperiment(t, db, nil)
	_, err := sm.ValidateAndApply(context.Background(), exp.ID, StatusScoring, "go", "user-1")
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, StatusDraft, got[0].FromState)
	assert.Equal(t, StatusScoring, got[0].ToState)
	assert.Equal(t, "go", got[0].Reason)
	assert.Equal(t, StatusScoring, got[0].Experiment.Status)
}

type recordingTransitionMetrics struct {
	rejected []string
}

func (m *recordingTransitionMetrics) RecordTransitionRejected(toState string) {
	m.rejected = append(m.rejected, toState)
}

func TestValidateAndApply_CountsRejections(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, NewBus(zaptest.NewLogger(t)), zaptest.NewLogger(t))
	rec := &recordingTransitionMetrics{}
	sm.SetMetrics(rec)
	ctx := context.Background()

	exp := createExperiment(t, db, nil)

	_, err := sm.ValidateAndApply(ctx, exp.ID, StatusCompleted, "skip ahead", "user-1")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, []string{"completed"}, rec.rejected)

	// Applied transitions leave the rejection count alone.
	_, err = sm.ValidateAndApply(ctx, exp.ID, StatusScoring, "signal scored", "user-1")
	require.NoError(t, err)
	assert.Len(t, rec.rejected, 1)
}
