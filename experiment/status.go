package experiment

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusSignalDetected    Status = "signal_detected"
	StatusScoring           Status = "scoring"
	StatusScoringFailed     Status = "scoring_failed"
	StatusPlanning          Status = "planning"
	StatusPlanningFailed    Status = "planning_failed"
	StatusBuilding          Status = "building"
	StatusBuildingFailed    Status = "building_failed"
	StatusAwaitingApproval  Status = "awaiting_approval"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
	StatusExecuting         Status = "executing"
	StatusExecutionFailed   Status = "execution_failed"
	StatusCollectingMetrics Status = "collecting_metrics"
	StatusEvaluating        Status = "evaluating"
	StatusIterating         Status = "iterating"
	StatusPaused            Status = "paused"
	StatusCompleted         Status = "completed"
	StatusKilled            Status = "killed"
	StatusDiscarded         Status = "discarded"
	StatusExpired           Status = "expired"
)

// TerminalStatuses are final: no transition out of them is legal.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusKilled, StatusDiscarded, StatusExpired}
}

func (s Status) String() string { return string(s) }

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusKilled, StatusDiscarded, StatusExpired:
		return true
	}
	return false
}

// IsPausable reports whether an experiment in this status may be paused.
func (s Status) IsPausable() bool {
	return !s.IsTerminal() && s != StatusPaused
}

// IsActive reports whether the experiment is neither terminal nor paused.
func (s Status) IsActive() bool {
	return !s.IsTerminal() && s != StatusPaused
}

// IsFailed reports whether the status is one of the per-stage failure states.
func (s Status) IsFailed() bool {
	switch s {
	case StatusScoringFailed, StatusPlanningFailed, StatusBuildingFailed, StatusExecutionFailed:
		return true
	}
	return false
}

// FailedStage returns the stage a failure status retries into, if any.
// ScoringFailed retries into Scoring, ExecutionFailed into Executing, etc.
func (s Status) FailedStage() (Status, bool) {
	switch s {
	case StatusScoringFailed:
		return StatusScoring, true
	case StatusPlanningFailed:
		return StatusPlanning, true
	case StatusBuildingFailed:
		return StatusBuilding, true
	case StatusExecutionFailed:
		return StatusExecuting, true
	}
	return "", false
}
