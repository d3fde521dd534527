package budget

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentfleet/fleetcore/experiment"
)

// AutoPause pauses experiments whose budget is exhausted. It reacts to
// every Transitioned event; wiring it to the bus makes budget
// enforcement follow the experiment wherever it goes without the state
// machine knowing about credits.
type AutoPause struct {
	ledger  *Ledger
	machine *experiment.StateMachine
	logger  *zap.Logger
}

// NewAutoPause creates the listener.
func NewAutoPause(ledger *Ledger, machine *experiment.StateMachine, logger *zap.Logger) *AutoPause {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoPause{
		ledger:  ledger,
		machine: machine,
		logger:  logger.With(zap.String("component", "budget_autopause")),
	}
}

// HandleTransition is the bus listener. Failures to pause are logged,
// never propagated: budget enforcement of the next reservation is the
// hard backstop.
func (a *AutoPause) HandleTransition(ctx context.Context, ev experiment.Transitioned) error {
	exp := ev.Experiment

	if !exp.Status.IsActive() {
		return nil
	}

	result, err := a.ledger.Check(ctx, exp)
	if err != nil {
		a.logger.Error("budget check failed",
			zap.String("experiment_id", exp.ID), zap.Error(err))
		return nil
	}
	if result.OK {
		if result.Reason != "" {
			a.logger.Warn("budget warning",
				zap.String("experiment_id", exp.ID),
				zap.String("reason", result.Reason),
				zap.Float64("pct_used", result.PctUsed))
		}
		return nil
	}

	a.logger.Warn("auto-pausing experiment",
		zap.String("experiment_id", exp.ID),
		zap.String("reason", result.Reason),
		zap.Float64("pct_used", result.PctUsed))

	if _, err := a.machine.ValidateAndApply(ctx, exp.ID, experiment.StatusPaused,
		"auto-paused: "+result.Reason, ""); err != nil {
		a.logger.Error("auto-pause failed",
			zap.String("experiment_id", exp.ID), zap.Error(err))
	}
	return nil
}
