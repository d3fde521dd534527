package experiment

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Constraints is the free-form constraint bag attached to an experiment.
// Well-known keys get typed accessors; everything else rides along.
type Constraints map[string]any

const (
	constraintMaxRetriesPerStage = "max_retries_per_stage"
	constraintMaxRejectionCycles = "max_rejection_cycles"
	constraintWorkflowGraph      = "workflow_graph"

	// DefaultMaxRetriesPerStage bounds failed -> retry cycles per (stage, iteration).
	DefaultMaxRetriesPerStage = 3
	// DefaultMaxRejectionCycles bounds AwaitingApproval -> Rejected -> Planning loops.
	DefaultMaxRejectionCycles = 3
	// DefaultMaxIterations bounds Evaluating -> Iterating loops.
	DefaultMaxIterations = 10
)

// MaxRetriesPerStage returns the retry ceiling, defaulting to 3.
func (c Constraints) MaxRetriesPerStage() int {
	return c.intValue(constraintMaxRetriesPerStage, DefaultMaxRetriesPerStage)
}

// MaxRejectionCycles returns the rejection-cycle ceiling, defaulting to 3.
func (c Constraints) MaxRejectionCycles() int {
	return c.intValue(constraintMaxRejectionCycles, DefaultMaxRejectionCycles)
}

// HasWorkflow reports whether the experiment is workflow-driven.
func (c Constraints) HasWorkflow() bool {
	v, ok := c[constraintWorkflowGraph]
	if !ok || v == nil {
		return false
	}
	if m, ok := v.(map[string]any); ok {
		return len(m) > 0
	}
	return true
}

func (c Constraints) intValue(key string, def int) int {
	v, ok := c[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// Value implements driver.Valuer so gorm stores the bag as JSON.
func (c Constraints) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal constraints: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (c *Constraints) Scan(value any) error {
	if value == nil {
		*c = Constraints{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported constraints column type %T", value)
	}
	if len(data) == 0 {
		*c = Constraints{}
		return nil
	}
	return json.Unmarshal(data, c)
}

// Experiment is the governed entity. Status is mutated only through
// StateMachine.ValidateAndApply; BudgetSpentCredits only through ledger
// settlement.
type Experiment struct {
	ID     string `gorm:"primaryKey;size:36"`
	TeamID string `gorm:"size:36;index;not null"`
	Name   string `gorm:"size:255"`
	Status Status `gorm:"size:32;index;not null;default:draft"`

	// BudgetCapCredits of 0 means unlimited.
	BudgetCapCredits   int64 `gorm:"not null;default:0"`
	BudgetSpentCredits int64 `gorm:"not null;default:0"`

	MaxIterations    int `gorm:"not null;default:10"`
	CurrentIteration int `gorm:"not null;default:0"`

	Constraints Constraints `gorm:"type:json"`

	// PausedFromStatus remembers where a paused experiment was, so the
	// dispatcher can resume it into the right stage.
	PausedFromStatus *Status `gorm:"size:32"`

	StartedAt   *time.Time
	CompletedAt *time.Time
	KilledAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Experiment) TableName() string { return "experiments" }

// BeforeCreate assigns a UUID when the caller did not.
func (e *Experiment) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Constraints == nil {
		e.Constraints = Constraints{}
	}
	if e.Status == "" {
		e.Status = StatusDraft
	}
	if e.MaxIterations <= 0 {
		e.MaxIterations = DefaultMaxIterations
	}
	return nil
}

// BudgetRemaining returns cap - spent, or -1 when the cap is unlimited.
func (e *Experiment) BudgetRemaining() int64 {
	if e.BudgetCapCredits <= 0 {
		return -1
	}
	return e.BudgetCapCredits - e.BudgetSpentCredits
}

// Stage attempt status values.
const (
	StageStatusPending   = "pending"
	StageStatusRunning   = "running"
	StageStatusCompleted = "completed"
	StageStatusFailed    = "failed"
)

// StageAttempt records one attempt of one stage within one iteration.
// RetryCount increments on each failed -> retry transition for the
// (stage, iteration) pair.
type StageAttempt struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ExperimentID   string `gorm:"size:36;index:idx_stage_attempts_exp_stage_iter;not null"`
	Stage          Status `gorm:"size:32;index:idx_stage_attempts_exp_stage_iter;not null"`
	Iteration      int    `gorm:"index:idx_stage_attempts_exp_stage_iter;not null;default:0"`
	Status         string `gorm:"size:16;not null;default:pending"`
	RetryCount     int    `gorm:"not null;default:0"`
	OutputSnapshot []byte `gorm:"type:json"`
	ErrorMessage   string `gorm:"size:2048"`

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (StageAttempt) TableName() string { return "stage_attempts" }

// StateTransition is the append-only audit record of one applied
// transition. Rows are never updated or deleted.
type StateTransition struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	ExperimentID string `gorm:"size:36;index;not null"`
	TeamID       string `gorm:"size:36;index;not null"`
	FromState    Status `gorm:"size:32;not null"`
	ToState      Status `gorm:"size:32;index;not null"`
	Reason       string `gorm:"size:1024"`
	ActorID      string `gorm:"size:36"`
	CreatedAt    time.Time
}

func (StateTransition) TableName() string { return "state_transitions" }

// PlaybookStep is a materialized unit of executable work for a
// workflow-driven experiment. Checkpoint state lives in the checkpoint
// package, keyed by step ID.
type PlaybookStep struct {
	ID           string `gorm:"primaryKey;size:36"`
	ExperimentID string `gorm:"size:36;index;not null"`
	Name         string `gorm:"size:255"`
	Position     int    `gorm:"not null;default:0"`
	Status       string `gorm:"size:16;index;not null;default:pending"`
	LoopCount    int    `gorm:"not null;default:0"`

	Output       []byte `gorm:"type:json"`
	ErrorMessage string `gorm:"size:2048"`
	DurationMs   int64
	CostCredits  int64

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (PlaybookStep) TableName() string { return "playbook_steps" }

func (s *PlaybookStep) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Models lists every gorm model this package owns, for migration.
func Models() []any {
	return []any{&Experiment{}, &StageAttempt{}, &StateTransition{}, &PlaybookStep{}}
}
