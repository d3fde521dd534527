package budget

import (
	"context"
	"fmt"

	"github.com/agentfleet/fleetcore/experiment"
)

// warnThresholdPct is the utilization above which Check reports a
// warning while still allowing the experiment to continue.
const warnThresholdPct = 80.0

// CheckResult reports whether an experiment may keep spending.
type CheckResult struct {
	OK      bool
	Reason  string
	PctUsed float64
}

// Check evaluates the experiment cap and the owning team's balance.
// A reached cap or an empty team balance stops the experiment; high
// utilization only warns.
func (l *Ledger) Check(ctx context.Context, exp *experiment.Experiment) (CheckResult, error) {
	if exp.BudgetCapCredits > 0 {
		pctUsed := float64(exp.BudgetSpentCredits) / float64(exp.BudgetCapCredits) * 100

		if exp.BudgetSpentCredits >= exp.BudgetCapCredits {
			if pctUsed > 100 {
				pctUsed = 100
			}
			return CheckResult{OK: false, Reason: "experiment budget cap reached", PctUsed: pctUsed}, nil
		}
		if pctUsed >= warnThresholdPct {
			return CheckResult{
				OK:      true,
				Reason:  fmt.Sprintf("budget warning: %.1f%% used", pctUsed),
				PctUsed: pctUsed,
			}, nil
		}
	}

	balance, err := l.Balance(ctx, exp.TeamID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("check team balance: %w", err)
	}
	if balance <= 0 {
		return CheckResult{OK: false, Reason: "team has no remaining credits", PctUsed: 100}, nil
	}

	pct := 0.0
	if exp.BudgetCapCredits > 0 {
		pct = float64(exp.BudgetSpentCredits) / float64(exp.BudgetCapCredits) * 100
	}
	return CheckResult{OK: true, PctUsed: pct}, nil
}
