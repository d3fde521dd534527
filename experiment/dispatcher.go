package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// WorkItem is one unit of stage work handed to the worker fleet. The
// engine only enqueues; scheduling and execution belong to the workers.
type WorkItem struct {
	Queue        string    `json:"queue"`
	Kind         string    `json:"kind"`
	ExperimentID string    `json:"experiment_id"`
	Iteration    int       `json:"iteration"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	// NotBefore defers execution; workers skip items until it passes.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// Enqueuer pushes work items onto named queues.
type Enqueuer interface {
	Enqueue(ctx context.Context, item WorkItem) error
}

// MemoryQueue is an in-process Enqueuer for tests and embedded use.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string][]WorkItem
}

// NewMemoryQueue creates an empty in-memory queue set.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string][]WorkItem)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[item.Queue] = append(q.items[item.Queue], item)
	return nil
}

// Items returns a copy of the named queue's contents.
func (q *MemoryQueue) Items(queue string) []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]WorkItem, len(q.items[queue]))
	copy(out, q.items[queue])
	return out
}

// RedisQueue pushes JSON-encoded work items onto Redis lists, one list
// per named queue. Workers BRPOP from the lists they serve.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue creates a Redis-backed Enqueuer.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "fleetcore:queue:"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) Enqueue(ctx context.Context, item WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if err := q.client.LPush(ctx, q.prefix+item.Queue, data).Err(); err != nil {
		return fmt.Errorf("enqueue to %s: %w", item.Queue, err)
	}
	return nil
}

// Stage work kinds, one per dispatchable state. AwaitingApproval is a
// human gate: the only machine work it triggers is proposal creation.
const (
	KindRunScoring              = "run_scoring"
	KindRunPlanning             = "run_planning"
	KindRunBuilding             = "run_building"
	KindCreateOutboundProposals = "create_outbound_proposals"
	KindExecuteOutbound         = "execute_outbound"
	KindExecuteSteps            = "execute_playbook_steps"
	KindCollectMetrics          = "collect_metrics"
	KindRunEvaluation           = "run_evaluation"
)

// QueueStages is the default queue name stage work lands on; the
// deferred queue holds work postponed while an experiment was paused.
const (
	QueueStages   = "stages"
	QueueDeferred = "deferred"
)

var stateWork = map[Status]string{
	StatusScoring:           KindRunScoring,
	StatusPlanning:          KindRunPlanning,
	StatusBuilding:          KindRunBuilding,
	StatusAwaitingApproval:  KindCreateOutboundProposals,
	StatusExecuting:         KindExecuteOutbound,
	StatusCollectingMetrics: KindCollectMetrics,
	StatusEvaluating:        KindRunEvaluation,
}

// StageDispatcher reacts to Transitioned events and enqueues the next
// unit of work. Dispatch attempted while Paused is deferred with
// exponential backoff; dispatch attempted while Killed (or any terminal
// state) is dropped.
type StageDispatcher struct {
	db       *gorm.DB
	queue    Enqueuer
	machine  *StateMachine
	logger   *zap.Logger
	mu       sync.Mutex
	deferral map[string]*backoff.ExponentialBackOff
}

// NewStageDispatcher creates a dispatcher. Subscribe its HandleTransition
// to the transition bus.
func NewStageDispatcher(db *gorm.DB, queue Enqueuer, machine *StateMachine, logger *zap.Logger) *StageDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StageDispatcher{
		db:       db,
		queue:    queue,
		machine:  machine,
		logger:   logger.With(zap.String("component", "stage_dispatcher")),
		deferral: make(map[string]*backoff.ExponentialBackOff),
	}
}

// HandleTransition is the bus listener.
func (d *StageDispatcher) HandleTransition(ctx context.Context, ev Transitioned) error {
	exp := ev.Experiment

	switch {
	case ev.ToState == StatusKilled || ev.ToState.IsTerminal():
		d.forgetDeferral(exp.ID)
		d.logger.Debug("dropping dispatch for terminal experiment",
			zap.String("experiment_id", exp.ID),
			zap.String("to", ev.ToState.String()))
		return nil

	case ev.ToState == StatusPaused:
		return d.deferResume(ctx, exp)

	case ev.ToState == StatusIterating:
		return d.handleIterating(ctx, exp)
	}

	d.forgetDeferral(exp.ID)

	kind, ok := stateWork[ev.ToState]
	if !ok {
		d.logger.Debug("no work mapped for state",
			zap.String("experiment_id", exp.ID),
			zap.String("to", ev.ToState.String()))
		return nil
	}

	// Workflow experiments entering Executing run their materialized
	// steps instead of the flat outbound pipeline.
	if ev.ToState == StatusExecuting && exp.Constraints.HasWorkflow() {
		kind = KindExecuteSteps
	}

	item := WorkItem{
		Queue:        QueueStages,
		Kind:         kind,
		ExperimentID: exp.ID,
		Iteration:    exp.CurrentIteration,
		EnqueuedAt:   time.Now(),
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}

	d.logger.Info("stage work enqueued",
		zap.String("experiment_id", exp.ID),
		zap.String("kind", kind),
		zap.Int("iteration", exp.CurrentIteration))
	return nil
}

// handleIterating turns an Iterating experiment back into a runnable
// one: workflow experiments re-execute their steps from scratch,
// everything else re-enters planning.
func (d *StageDispatcher) handleIterating(ctx context.Context, exp *Experiment) error {
	if exp.Constraints.HasWorkflow() {
		err := d.db.WithContext(ctx).Model(&PlaybookStep{}).
			Where("experiment_id = ?", exp.ID).
			Updates(map[string]any{
				"status":        StageStatusPending,
				"output":        nil,
				"error_message": "",
				"duration_ms":   0,
				"cost_credits":  0,
				"started_at":    nil,
				"completed_at":  nil,
			}).Error
		if err != nil {
			return fmt.Errorf("reset playbook steps: %w", err)
		}

		_, err = d.machine.ValidateAndApply(ctx, exp.ID, StatusExecuting,
			fmt.Sprintf("iteration %d: re-executing workflow", exp.CurrentIteration), "")
		return err
	}

	_, err := d.machine.ValidateAndApply(ctx, exp.ID, StatusPlanning,
		fmt.Sprintf("iteration %d: re-entering planning", exp.CurrentIteration), "")
	return err
}

// deferResume parks a resume probe on the deferred queue. Each
// consecutive deferral for the same experiment backs off further.
func (d *StageDispatcher) deferResume(ctx context.Context, exp *Experiment) error {
	d.mu.Lock()
	bo, ok := d.deferral[exp.ID]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = 30 * time.Second
		bo.MaxInterval = 15 * time.Minute
		bo.MaxElapsedTime = 0
		bo.RandomizationFactor = 0
		d.deferral[exp.ID] = bo
	}
	delay := bo.NextBackOff()
	d.mu.Unlock()

	item := WorkItem{
		Queue:        QueueDeferred,
		Kind:         "resume_check",
		ExperimentID: exp.ID,
		Iteration:    exp.CurrentIteration,
		EnqueuedAt:   time.Now(),
		NotBefore:    time.Now().Add(delay),
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("defer paused experiment: %w", err)
	}

	d.logger.Info("dispatch deferred for paused experiment",
		zap.String("experiment_id", exp.ID),
		zap.Duration("delay", delay))
	return nil
}

func (d *StageDispatcher) forgetDeferral(experimentID string) {
	d.mu.Lock()
	delete(d.deferral, experimentID)
	d.mu.Unlock()
}
