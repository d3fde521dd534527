package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentfleet/fleetcore/budget"
)

// CompletedChecker tells budget enforcement whether the key will replay
// from cache, in which case no reservation is made.
type CompletedChecker interface {
	HasCompleted(ctx context.Context, key string) (bool, error)
}

// BudgetMiddleware reserves the estimated cost before the call and
// settles the actual cost after. Every error thrown past the
// reservation settles it at zero before re-raising; a reservation must
// never leak.
func BudgetMiddleware(ledger *budget.Ledger, calc *budget.CostCalculator, replay CompletedChecker, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "gateway_budget"))

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			// Calls without a team are unmetered (internal tooling).
			if req.TeamID == "" {
				return next(ctx, req)
			}

			if replay != nil {
				done, err := replay.HasCompleted(ctx, req.IdempotencyKey())
				if err != nil {
					return nil, err
				}
				if done {
					return next(ctx, req)
				}
			}

			estimate := calc.EstimateCostForPrompt(req.Provider, req.Model,
				req.SystemPrompt, req.UserPrompt, req.MaxTokens)
			if estimate <= 0 {
				return next(ctx, req)
			}

			var experimentID *string
			if req.ExperimentID != "" {
				experimentID = &req.ExperimentID
			}
			reservation, err := ledger.Reserve(ctx, req.TeamID, estimate, experimentID)
			if err != nil {
				return nil, err
			}

			resp, err := next(ctx, req)
			if err != nil {
				if settleErr := ledger.Settle(ctx, reservation, 0); settleErr != nil {
					logger.Error("release reservation after failure",
						zap.String("team_id", req.TeamID), zap.Error(settleErr))
				}
				return nil, err
			}

			actual := int64(0)
			if !resp.Cached {
				// Usage tracking has already priced the call; fall back
				// to pricing here when the pipeline runs without it.
				actual = resp.CostCredits
				if actual == 0 && resp.Usage.Total() > 0 {
					actual = calc.ActualCost(resp.Provider, resp.Model,
						resp.Usage.InputTokens, resp.Usage.OutputTokens)
					resp.CostCredits = actual
				}
			}
			// Settle retries transient failures when the ledger runs on a
			// retrying transaction runner; a persistent failure leaves the
			// reservation held, so log enough to reconcile it by hand.
			if err := ledger.Settle(ctx, reservation, actual); err != nil {
				logger.Error("settle reservation",
					zap.String("team_id", req.TeamID),
					zap.Uint("reservation_id", reservation.ID),
					zap.Int64("actual", actual), zap.Error(err))
			}
			return resp, nil
		}
	}
}
