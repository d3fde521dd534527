package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agentfleet/fleetcore/experiment"
)

// DefaultSweepRetention is how long completed steps keep their
// checkpoint rows before the periodic sweep removes them.
const DefaultSweepRetention = 7 * 24 * time.Hour

// Checkpoint is the persisted progress snapshot for one step. Data is
// opaque to the store; the executing step decides what resuming needs.
type Checkpoint struct {
	StepID   string `gorm:"primaryKey;size:36"`
	Data     []byte `gorm:"type:json"`
	WorkerID string `gorm:"size:64"`

	LastHeartbeatAt time.Time `gorm:"index;not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Checkpoint) TableName() string { return "checkpoints" }

// Store reads and writes checkpoints in the relational store.
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		now:    time.Now,
		logger: logger.With(zap.String("component", "checkpoint_store")),
	}
}

// SetNowFunc overrides the clock for tests.
func (s *Store) SetNowFunc(now func() time.Time) { s.now = now }

// Write overwrites the step's snapshot and touches the heartbeat.
// Last write wins; there is no merge.
func (s *Store) Write(ctx context.Context, stepID string, data []byte, workerID string) error {
	cp := Checkpoint{
		StepID:          stepID,
		Data:            data,
		WorkerID:        workerID,
		LastHeartbeatAt: s.now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "step_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "worker_id", "last_heartbeat_at", "updated_at"}),
	}).Create(&cp).Error
	if err != nil {
		return fmt.Errorf("write checkpoint for step %s: %w", stepID, err)
	}
	return nil
}

// Read returns the last written snapshot, or ok=false when the step has
// none.
func (s *Store) Read(ctx context.Context, stepID string) ([]byte, bool, error) {
	var cp Checkpoint
	err := s.db.WithContext(ctx).First(&cp, "step_id = ?", stepID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read checkpoint for step %s: %w", stepID, err)
	}
	return cp.Data, true, nil
}

// Heartbeat touches only the timestamp. It stays a single cheap UPDATE
// because the ticker calls it frequently while a step runs; a heartbeat
// for a step without a checkpoint row creates one with empty data.
func (s *Store) Heartbeat(ctx context.Context, stepID string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&Checkpoint{}).
		Where("step_id = ?", stepID).
		UpdateColumn("last_heartbeat_at", now)
	if res.Error != nil {
		return fmt.Errorf("heartbeat for step %s: %w", stepID, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.Write(ctx, stepID, nil, "")
	}
	return nil
}

// Clear removes the step's checkpoint after successful completion.
// Clearing a step without one is not an error.
func (s *Store) Clear(ctx context.Context, stepID string) error {
	err := s.db.WithContext(ctx).Delete(&Checkpoint{}, "step_id = ?", stepID).Error
	if err != nil {
		return fmt.Errorf("clear checkpoint for step %s: %w", stepID, err)
	}
	return nil
}

// IsStale reports whether the step's last heartbeat is older than
// timeout. Advisory only: the caller decides what to do with a stalled
// worker. A step without a checkpoint is not stale.
func (s *Store) IsStale(ctx context.Context, stepID string, timeout time.Duration) (bool, error) {
	var cp Checkpoint
	err := s.db.WithContext(ctx).First(&cp, "step_id = ?", stepID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.now().Sub(cp.LastHeartbeatAt) > timeout, nil
}

// SweepCompleted deletes checkpoints of steps that completed more than
// retention ago. Retention hygiene, not correctness: a missed sweep
// costs storage, never behavior.
func (s *Store) SweepCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultSweepRetention
	}
	cutoff := s.now().Add(-retention)

	res := s.db.WithContext(ctx).
		Where("step_id IN (?)", s.db.Model(&experiment.PlaybookStep{}).
			Select("id").
			Where("status = ? AND completed_at IS NOT NULL AND completed_at < ?",
				experiment.StageStatusCompleted, cutoff)).
		Delete(&Checkpoint{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep completed checkpoints: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("swept completed checkpoints", zap.Int64("removed", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// Models lists the gorm models this package owns, for migration.
func Models() []any {
	return []any{&Checkpoint{}}
}
