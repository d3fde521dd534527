package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentfleet/fleetcore/budget"
)

// Pipeline stage names, outermost first. Exposed so the wiring can be
// asserted; reordering these is a behavior change, not a refactor.
var PipelineOrder = []string{
	StageRateLimit,
	StageBudget,
	StageIdempotency,
	StageSchema,
	StageUsage,
}

const (
	StageRateLimit   = "rate_limit"
	StageBudget      = "budget"
	StageIdempotency = "idempotency"
	StageSchema      = "schema"
	StageUsage       = "usage"
)

// FallbackTarget names a provider/model pair tried when the primary's
// breaker is open or its call fails.
type FallbackTarget struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

// Gateway is the complete call path: the middleware pipeline around
// provider dispatch, wrapped by a per-agent circuit breaker with
// fallback substitution.
type Gateway struct {
	providers map[string]Provider
	handler   Handler
	breaker   *CircuitBreaker
	fallbacks []FallbackTarget
	records   *RecordStore
	logger    *zap.Logger

	stages []string
}

// Options carries the gateway's collaborators. Records and Limiter are
// required; Metrics may be nil.
type Options struct {
	DB        *gorm.DB
	Ledger    *budget.Ledger
	Cost      *budget.CostCalculator
	Records   *RecordStore
	Limiter   *RateLimiter
	Breaker   *CircuitBreaker
	Fallbacks []FallbackTarget
	Metrics   UsageMetrics
	Logger    *zap.Logger
}

// New assembles the pipeline in its fixed order and registers the
// providers calls may dispatch to.
func New(providers []Provider, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "gateway"))

	registry := make(map[string]Provider, len(providers))
	for _, p := range providers {
		registry[p.Name()] = p
	}

	g := &Gateway{
		providers: registry,
		breaker:   opts.Breaker,
		fallbacks: opts.Fallbacks,
		records:   opts.Records,
		logger:    logger,
		stages:    PipelineOrder,
	}

	chain := NewChain(
		RateLimitMiddleware(opts.Limiter),
		BudgetMiddleware(opts.Ledger, opts.Cost, opts.Records, opts.Logger),
		IdempotencyMiddleware(opts.Records),
		SchemaMiddleware(opts.Logger),
		UsageMiddleware(opts.DB, opts.Cost, opts.Metrics, opts.Logger),
	)
	g.handler = chain.Then(g.dispatch)
	return g
}

// Stages returns the pipeline stage names in wiring order.
func (g *Gateway) Stages() []string { return g.stages }

func (g *Gateway) dispatch(ctx context.Context, req *Request) (*Response, error) {
	provider, ok := g.providers[req.Provider]
	if !ok {
		return nil, &ProviderError{
			Provider: req.Provider,
			Model:    req.Model,
			Err:      fmt.Errorf("provider not registered"),
		}
	}

	resp, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, &ProviderError{Provider: req.Provider, Model: req.Model, Err: err}
	}
	resp.Provider = req.Provider
	resp.Model = req.Model
	return resp, nil
}

func (g *Gateway) breakerKey(req *Request, provider string) string {
	return req.AgentID + ":" + provider
}

// Complete runs the request through the pipeline, trying the primary
// provider first and each fallback in order when the primary's breaker
// is open or its call fails. Budget and rate-limit rejections stop the
// chain immediately and never count as breaker failures.
func (g *Gateway) Complete(ctx context.Context, req *Request) (*Response, error) {
	targets := make([]FallbackTarget, 0, len(g.fallbacks)+1)
	targets = append(targets, FallbackTarget{Provider: req.Provider, Model: req.Model})
	targets = append(targets, g.fallbacks...)

	var lastErr error
	for i, target := range targets {
		key := g.breakerKey(req, target.Provider)

		allowed, err := g.breaker.Allow(ctx, key)
		if err != nil {
			return nil, err
		}
		if !allowed {
			g.logger.Warn("breaker open, skipping provider",
				zap.String("agent_id", req.AgentID),
				zap.String("provider", target.Provider))
			if lastErr == nil {
				lastErr = ErrCircuitOpen
			}
			continue
		}

		attempt := req.Clone()
		attempt.Provider = target.Provider
		attempt.Model = target.Model

		resp, err := g.handler(ctx, attempt)
		if err == nil {
			if recordErr := g.breaker.RecordSuccess(ctx, key); recordErr != nil {
				g.logger.Error("record breaker success", zap.Error(recordErr))
			}
			if i > 0 {
				resp.Fallback = true
				g.logger.Info("fallback substitution",
					zap.String("experiment_id", req.ExperimentID),
					zap.String("primary", req.Provider+"/"+req.Model),
					zap.String("served_by", target.Provider+"/"+target.Model))
			}
			return resp, nil
		}

		// Only upstream failures feed the breaker and justify a
		// fallback. Budget exhaustion is a hard stop, a full rate
		// window resolves only with time, and pipeline storage errors
		// say nothing about provider health.
		var provErr *ProviderError
		if !errors.As(err, &provErr) {
			return nil, err
		}

		lastErr = err
		if recordErr := g.breaker.RecordFailure(ctx, key); recordErr != nil {
			g.logger.Error("record breaker failure", zap.Error(recordErr))
		}
	}
	return nil, lastErr
}

// Models lists the gorm models the gateway persists, for AutoMigrate.
func Models() []any {
	return []any{&RequestRecord{}, &RunRecord{}, &BreakerState{}}
}
