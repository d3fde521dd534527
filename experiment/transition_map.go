package experiment

// forwardTransitions is the explicit legality table for normal progress.
// Pause, kill and resume are orthogonal rules handled in CanTransition.
var forwardTransitions = map[Status][]Status{
	StatusDraft:             {StatusScoring, StatusPlanning, StatusExecuting},
	StatusSignalDetected:    {StatusScoring},
	StatusScoring:           {StatusPlanning, StatusScoringFailed, StatusDiscarded},
	StatusScoringFailed:     {StatusScoring, StatusKilled},
	StatusPlanning:          {StatusBuilding, StatusPlanningFailed},
	StatusPlanningFailed:    {StatusPlanning, StatusKilled},
	StatusBuilding:          {StatusAwaitingApproval, StatusBuildingFailed},
	StatusBuildingFailed:    {StatusBuilding, StatusKilled},
	StatusAwaitingApproval:  {StatusApproved, StatusRejected, StatusExpired},
	StatusRejected:          {StatusPlanning, StatusKilled},
	StatusApproved:          {StatusExecuting},
	StatusExecuting:         {StatusCollectingMetrics, StatusCompleted, StatusExecutionFailed},
	StatusExecutionFailed:   {StatusExecuting, StatusKilled},
	StatusCollectingMetrics: {StatusEvaluating},
	StatusEvaluating:        {StatusIterating, StatusCompleted, StatusKilled},
	StatusIterating:         {StatusPlanning, StatusExecuting},
}

// CanTransition reports whether the edge from -> to is legal.
//
// Rules, in order:
//   - any non-terminal, non-paused state may transition to Paused
//   - any non-terminal state may transition to Killed
//   - Paused may resume into any state that is itself pausable
//   - otherwise the explicit forward table decides
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}

	if to == StatusPaused {
		return from.IsPausable()
	}

	if to == StatusKilled {
		return true
	}

	if from == StatusPaused {
		return to.IsPausable()
	}

	for _, allowed := range forwardTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns every status reachable from the given one.
func AllowedTransitions(from Status) []Status {
	if from.IsTerminal() {
		return nil
	}

	seen := make(map[Status]bool)
	var out []Status
	add := func(s Status) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	if from == StatusPaused {
		for s := range forwardTransitions {
			if s.IsPausable() {
				add(s)
			}
		}
		add(StatusKilled)
		return out
	}

	for _, s := range forwardTransitions[from] {
		add(s)
	}
	if from.IsPausable() {
		add(StatusPaused)
	}
	add(StatusKilled)
	return out
}
