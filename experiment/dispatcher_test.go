package experiment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStageDispatcher_EnqueuesStageWork(t *testing.T) {
	db := setupTestDB(t)
	queue := NewMemoryQueue()
	sm := NewStateMachine(db, nil, zaptest.NewLogger(t))
	d := NewStageDispatcher(db, queue, sm, zaptest.NewLogger(t))
	ctx := context.Background()

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusScoring
		e.CurrentIteration = 1
	})

	err := d.HandleTransition(ctx, Transitioned{
		Experiment: exp, FromState: StatusDraft, ToState: StatusScoring,
	})
	require.NoError(t, err)

	items := queue.Items(QueueStages)
	require.Len(t, items, 1)
	assert.Equal(t, KindRunScoring, items[0].Kind)
	assert.Equal(t, exp.ID, items[0].ExperimentID)
	assert.Equal(t, 1, items[0].Iteration)
}

func TestStageDispatcher_WorkflowExecutingRunsSteps(t *testing.T) {
	db := setupTestDB(t)
	queue := NewMemoryQueue()
	d := NewStageDispatcher(db, queue, NewStateMachine(db, nil, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusExecuting
		e.Constraints = Constraints{"workflow_graph": map[string]any{"nodes": []any{"a"}}}
	})

	err := d.HandleTransition(context.Background(), Transitioned{
		Experiment: exp, FromState: StatusApproved, ToState: StatusExecuting,
	})
	require.NoError(t, err)

	items := queue.Items(QueueStages)
	require.Len(t, items, 1)
	assert.Equal(t, KindExecuteSteps, items[0].Kind)
}

func TestStageDispatcher_DropsTerminal(t *testing.T) {
	db := setupTestDB(t)
	queue := NewMemoryQueue()
	d := NewStageDispatcher(db, queue, NewStateMachine(db, nil, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	exp := createExperiment(t, db, func(e *Experiment) { e.Status = StatusKilled })

	err := d.HandleTransition(context.Background(), Transitioned{
		Experiment: exp, FromState: StatusExecuting, ToState: StatusKilled,
	})
	require.NoError(t, err)
	assert.Empty(t, queue.Items(QueueStages))
	assert.Empty(t, queue.Items(QueueDeferred))
}

func TestStageDispatcher_DefersPaused(t *testing.T) {
	db := setupTestDB(t)
	queue := NewMemoryQueue()
	d := NewStageDispatcher(db, queue, NewStateMachine(db, nil, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	ctx := context.Background()

	exp := createExperiment(t, db, func(e *Experiment) { e.Status = StatusPaused })

	ev := Transitioned{Experiment: exp, FromState: StatusExecuting, ToState: StatusPaused}
	require.NoError(t, d.HandleTransition(ctx, ev))
	require.NoError(t, d.HandleTransition(ctx, ev))

	items := queue.Items(QueueDeferred)
	require.Len(t, items, 2)
	assert.Equal(t, "resume_check", items[0].Kind)
	assert.False(t, items[0].NotBefore.IsZero())
	// Consecutive deferrals back off further.
	assert.True(t, items[1].NotBefore.After(items[0].NotBefore))
}

func TestStageDispatcher_IteratingReplans(t *testing.T) {
	db := setupTestDB(t)
	queue := NewMemoryQueue()
	bus := NewBus(zaptest.NewLogger(t))
	sm := NewStateMachine(db, bus, zaptest.NewLogger(t))
	d := NewStageDispatcher(db, queue, sm, zaptest.NewLogger(t))
	bus.Subscribe(d.HandleTransition)

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusIterating
		e.CurrentIteration = 2
	})

	err := d.HandleTransition(context.Background(), Transitioned{
		Experiment: exp, FromState: StatusEvaluating, ToState: StatusIterating,
	})
	require.NoError(t, err)

	var reloaded Experiment
	require.NoError(t, db.First(&reloaded, "id = ?", exp.ID).Error)
	assert.Equal(t, StatusPlanning, reloaded.Status)

	// The Iterating -> Planning transition itself dispatched planning work.
	items := queue.Items(QueueStages)
	require.Len(t, items, 1)
	assert.Equal(t, KindRunPlanning, items[0].Kind)
}

func TestStageDispatcher_IteratingWorkflowReexecutes(t *testing.T) {
	db := setupTestDB(t)
	queue := NewMemoryQueue()
	sm := NewStateMachine(db, nil, zaptest.NewLogger(t))
	d := NewStageDispatcher(db, queue, sm, zaptest.NewLogger(t))

	exp := createExperiment(t, db, func(e *Experiment) {
		e.Status = StatusIterating
		e.Constraints = Constraints{"workflow_graph": map[string]any{"nodes": []any{"a"}}}
	})
	require.NoError(t, db.Create(&PlaybookStep{
		ExperimentID: exp.ID, Name: "step-1", Status: StageStatusCompleted,
		Output: []byte(`{"ok":true}`), CostCredits: 12,
	}).Error)

	err := d.HandleTransition(context.Background(), Transitioned{
		Experiment: exp, FromState: StatusEvaluating, ToState: StatusIterating,
	})
	require.NoError(t, err)

	var reloaded Experiment
	require.NoError(t, db.First(&reloaded, "id = ?", exp.ID).Error)
	assert.Equal(t, StatusExecuting, reloaded.Status)

	var step PlaybookStep
	require.NoError(t, db.First(&step, "experiment_id = ?", exp.ID).Error)
	assert.Equal(t, StageStatusPending, step.Status)
	assert.Empty(t, step.Output)
	assert.Zero(t, step.CostCredits)
}

func TestStageDispatcher_NoWorkForHumanGates(t *testing.T) {
	db := setupTestDB(t)
	queue := NewMemoryQueue()
	d := NewStageDispatcher(db, queue, NewStateMachine(db, nil, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	exp := createExperiment(t, db, func(e *Experiment) { e.Status = StatusApproved })

	err := d.HandleTransition(context.Background(), Transitioned{
		Experiment: exp, FromState: StatusAwaitingApproval, ToState: StatusApproved,
	})
	require.NoError(t, err)
	assert.Empty(t, queue.Items(QueueStages))
}
