package experiment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StateMachine validates and applies experiment transitions.
//
// ValidateAndApply is atomic against the rows it reads, but two
// concurrent calls for the same experiment are not serialized here;
// callers must serialize per experiment (single-writer queue key or an
// outer row lock).
type StateMachine struct {
	db        *gorm.DB
	validator *PrerequisiteValidator
	bus       *Bus
	logger    *zap.Logger
	metrics   TransitionMetrics
}

// TransitionMetrics counts refused transitions. Optional; the engine
// wires its prometheus collector here.
type TransitionMetrics interface {
	RecordTransitionRejected(toState string)
}

// NewStateMachine creates a state machine bound to a database and bus.
func NewStateMachine(db *gorm.DB, bus *Bus, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{
		db:        db,
		validator: NewPrerequisiteValidator(),
		bus:       bus,
		logger:    logger.With(zap.String("component", "state_machine")),
	}
}

// SetMetrics attaches a rejection counter.
func (m *StateMachine) SetMetrics(tm TransitionMetrics) { m.metrics = tm }

// ValidateAndApply checks the requested transition against the
// transition map, the retry / iteration / rejection ceilings and the
// prerequisite validator, then persists the new status and the
// append-only transition row in one transaction. The Transitioned event
// is published after commit.
//
// Every violation surfaces as an error matching ErrInvalidTransition;
// nothing is retried automatically.
func (m *StateMachine) ValidateAndApply(ctx context.Context, experimentID string, toState Status, reason, actorID string) (*StateTransition, error) {
	var (
		transition StateTransition
		updated    Experiment
		fromState  Status
	)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exp Experiment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&exp, "id = ?", experimentID).Error; err != nil {
			return fmt.Errorf("load experiment %s: %w", experimentID, err)
		}

		fromState = exp.Status

		if !CanTransition(fromState, toState) {
			return &InvalidTransitionError{ExperimentID: exp.ID, From: fromState, To: toState}
		}

		if err := m.enforceCeilings(tx, &exp, fromState, toState); err != nil {
			return err
		}

		if msg, err := m.validator.Validate(tx, &exp, toState); err != nil {
			return fmt.Errorf("prerequisite check: %w", err)
		} else if msg != "" {
			return &InvalidTransitionError{ExperimentID: exp.ID, From: fromState, To: toState, Reason: msg}
		}

		now := time.Now()
		updates := map[string]any{"status": toState}

		switch {
		case toState == StatusScoring && (fromState == StatusDraft || fromState == StatusSignalDetected):
			if exp.StartedAt == nil {
				updates["started_at"] = now
			}
		case toState == StatusCompleted:
			updates["completed_at"] = now
		case toState == StatusKilled:
			updates["killed_at"] = now
		}

		if toState == StatusPaused {
			updates["paused_from_status"] = fromState
		} else if fromState == StatusPaused {
			updates["paused_from_status"] = nil
		}

		// The iteration counter advances as part of the Iterating
		// transition itself; the ceiling above was checked against the
		// pre-increment value.
		if toState == StatusIterating {
			updates["current_iteration"] = gorm.Expr("current_iteration + 1")
		}

		if err := tx.Model(&exp).Updates(updates).Error; err != nil {
			return fmt.Errorf("update experiment status: %w", err)
		}

		transition = StateTransition{
			ExperimentID: exp.ID,
			TeamID:       exp.TeamID,
			FromState:    fromState,
			ToState:      toState,
			Reason:       reason,
			ActorID:      actorID,
			CreatedAt:    now,
		}
		if err := tx.Create(&transition).Error; err != nil {
			return fmt.Errorf("record state transition: %w", err)
		}

		return tx.First(&updated, "id = ?", exp.ID).Error
	})
	if err != nil {
		if m.metrics != nil && errors.Is(err, ErrInvalidTransition) {
			m.metrics.RecordTransitionRejected(toState.String())
		}
		return nil, err
	}

	m.logger.Info("experiment transitioned",
		zap.String("experiment_id", experimentID),
		zap.String("from", fromState.String()),
		zap.String("to", toState.String()),
		zap.String("reason", reason),
	)

	if m.bus != nil {
		m.bus.Publish(ctx, Transitioned{
			Experiment: &updated,
			FromState:  fromState,
			ToState:    toState,
			Reason:     reason,
			ActorID:    actorID,
			At:         transition.CreatedAt,
		})
	}

	return &transition, nil
}

// enforceCeilings applies the retry, iteration and rejection-cycle limits.
func (m *StateMachine) enforceCeilings(tx *gorm.DB, exp *Experiment, fromState, toState Status) error {
	if stage, ok := fromState.FailedStage(); ok && stage == toState {
		maxRetries := exp.Constraints.MaxRetriesPerStage()

		var current sql.NullInt64
		err := tx.Model(&StageAttempt{}).
			Where("experiment_id = ? AND stage = ? AND iteration = ?", exp.ID, stage, exp.CurrentIteration).
			Select("MAX(retry_count)").
			Scan(&current).Error
		if err != nil {
			return fmt.Errorf("count stage retries: %w", err)
		}
		if current.Valid && int(current.Int64) >= maxRetries {
			return &InvalidTransitionError{
				ExperimentID: exp.ID, From: fromState, To: toState,
				Reason: fmt.Sprintf("max retries (%d) exceeded for stage [%s]", maxRetries, stage),
			}
		}
	}

	if toState == StatusIterating {
		maxIterations := exp.MaxIterations
		if maxIterations <= 0 {
			maxIterations = DefaultMaxIterations
		}
		if exp.CurrentIteration >= maxIterations {
			return &InvalidTransitionError{
				ExperimentID: exp.ID, From: fromState, To: toState,
				Reason: fmt.Sprintf("max iterations (%d) exceeded", maxIterations),
			}
		}
	}

	if fromState == StatusRejected && toState == StatusPlanning {
		maxCycles := exp.Constraints.MaxRejectionCycles()

		var rejections int64
		err := tx.Model(&StateTransition{}).
			Where("experiment_id = ? AND from_state = ? AND to_state = ?",
				exp.ID, StatusAwaitingApproval, StatusRejected).
			Count(&rejections).Error
		if err != nil {
			return fmt.Errorf("count rejection cycles: %w", err)
		}
		if rejections >= int64(maxCycles) {
			return &InvalidTransitionError{
				ExperimentID: exp.ID, From: fromState, To: toState,
				Reason: fmt.Sprintf("max rejection cycles (%d) exceeded", maxCycles),
			}
		}
	}

	return nil
}
