package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentfleet/fleetcore/budget"
)

// RunRecord is the immutable audit row written for every fresh
// provider call. Cached replays write nothing.
type RunRecord struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	ExperimentID string `gorm:"size:36;index"`
	AgentID      string `gorm:"size:64"`
	Stage        string `gorm:"size:32;index"`
	Provider     string `gorm:"size:64"`
	Model        string `gorm:"size:128"`

	SystemPrompt string `gorm:"type:text"`
	UserPrompt   string `gorm:"type:text"`
	Output       string `gorm:"type:text"`
	Parsed       []byte `gorm:"type:json"`
	SchemaValid  bool   `gorm:"not null;default:true"`

	InputTokens  int   `gorm:"not null;default:0"`
	OutputTokens int   `gorm:"not null;default:0"`
	CostCredits  int64 `gorm:"not null;default:0"`
	LatencyMs    int64 `gorm:"not null;default:0"`
	Fallback     bool  `gorm:"not null;default:false"`

	CreatedAt time.Time
}

func (RunRecord) TableName() string { return "run_records" }

// UsageMetrics receives per-call observations. Implemented by the
// metrics collector; nil disables it.
type UsageMetrics interface {
	ObserveGatewayRequest(provider, model string, cached bool, latency time.Duration)
	AddGatewayTokens(provider, model string, input, output int)
}

// UsageMiddleware times the provider call, prices its token usage and
// persists the run record. It sits innermost so cached replays never
// reach it; a persistence failure is logged, the response still
// returns.
func UsageMiddleware(db *gorm.DB, calc *budget.CostCalculator, metrics UsageMetrics, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "gateway_usage"))

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			latency := time.Since(start)
			if err != nil {
				return nil, err
			}

			resp.LatencyMs = latency.Milliseconds()
			if !resp.Cached {
				resp.CostCredits = calc.ActualCost(resp.Provider, resp.Model,
					resp.Usage.InputTokens, resp.Usage.OutputTokens)
			}
			if metrics != nil {
				metrics.ObserveGatewayRequest(resp.Provider, resp.Model, resp.Cached, latency)
				metrics.AddGatewayTokens(resp.Provider, resp.Model,
					resp.Usage.InputTokens, resp.Usage.OutputTokens)
			}
			if resp.Cached {
				return resp, nil
			}

			rec := RunRecord{
				ExperimentID: req.ExperimentID,
				AgentID:      req.AgentID,
				Stage:        req.Stage,
				Provider:     resp.Provider,
				Model:        resp.Model,
				SystemPrompt: req.SystemPrompt,
				UserPrompt:   req.UserPrompt,
				Output:       resp.Content,
				Parsed:       resp.Parsed,
				SchemaValid:  resp.SchemaValid,
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
				CostCredits:  resp.CostCredits,
				LatencyMs:    resp.LatencyMs,
				Fallback:     resp.Fallback,
			}
			if err := db.WithContext(ctx).Create(&rec).Error; err != nil {
				logger.Error("persist run record",
					zap.String("experiment_id", req.ExperimentID), zap.Error(err))
			}
			return resp, nil
		}
	}
}
