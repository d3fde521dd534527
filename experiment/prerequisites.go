package experiment

import (
	"gorm.io/gorm"
)

// PrerequisiteValidator checks that upstream data a target state depends
// on actually exists before the transition is allowed.
type PrerequisiteValidator struct{}

// NewPrerequisiteValidator creates a validator.
func NewPrerequisiteValidator() *PrerequisiteValidator {
	return &PrerequisiteValidator{}
}

// Validate returns an empty string when prerequisites hold, otherwise a
// human-readable message describing what is missing. It runs inside the
// caller's transaction so it sees a consistent snapshot.
func (v *PrerequisiteValidator) Validate(tx *gorm.DB, exp *Experiment, toState Status) (string, error) {
	switch toState {
	case StatusBuilding:
		return v.validateBuilding(tx, exp)
	case StatusExecuting:
		return v.validateExecuting(tx, exp)
	case StatusCollectingMetrics:
		return v.validateCollectingMetrics(tx, exp)
	}
	return "", nil
}

// Building requires a completed planning stage with non-empty output.
func (v *PrerequisiteValidator) validateBuilding(tx *gorm.DB, exp *Experiment) (string, error) {
	var count int64
	err := tx.Model(&StageAttempt{}).
		Where("experiment_id = ? AND stage = ? AND status = ?", exp.ID, StatusPlanning, StageStatusCompleted).
		Where("output_snapshot IS NOT NULL AND output_snapshot != ''").
		Count(&count).Error
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "cannot transition to building: no completed plan exists", nil
	}
	return "", nil
}

// Executing requires materialized playbook steps when the experiment is
// workflow-driven. Non-workflow experiments (outbound pipelines) skip this.
func (v *PrerequisiteValidator) validateExecuting(tx *gorm.DB, exp *Experiment) (string, error) {
	if !exp.Constraints.HasWorkflow() {
		return "", nil
	}
	var count int64
	if err := tx.Model(&PlaybookStep{}).Where("experiment_id = ?", exp.ID).Count(&count).Error; err != nil {
		return "", err
	}
	if count == 0 {
		return "cannot transition to executing: no playbook steps materialized from workflow", nil
	}
	return "", nil
}

// CollectingMetrics requires at least one completed step, when the
// experiment has steps at all.
func (v *PrerequisiteValidator) validateCollectingMetrics(tx *gorm.DB, exp *Experiment) (string, error) {
	var total int64
	if err := tx.Model(&PlaybookStep{}).Where("experiment_id = ?", exp.ID).Count(&total).Error; err != nil {
		return "", err
	}
	if total == 0 {
		return "", nil
	}
	var completed int64
	err := tx.Model(&PlaybookStep{}).
		Where("experiment_id = ? AND status = ?", exp.ID, StageStatusCompleted).
		Count(&completed).Error
	if err != nil {
		return "", err
	}
	if completed == 0 {
		return "cannot transition to collecting_metrics: no playbook steps completed", nil
	}
	return "", nil
}
