package experiment

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is the sentinel for every rejected transition:
// illegal edges, ceiling violations and failed prerequisites all match
// it via errors.Is.
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError carries the rejected edge and the reason.
type InvalidTransitionError struct {
	ExperimentID string
	From         Status
	To           Status
	Reason       string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition from [%s] to [%s] for experiment [%s]: %s",
			e.From, e.To, e.ExperimentID, e.Reason)
	}
	return fmt.Sprintf("invalid transition from [%s] to [%s] for experiment [%s]",
		e.From, e.To, e.ExperimentID)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
