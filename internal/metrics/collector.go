package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentfleet/fleetcore/experiment"
)

// Collector holds every metric the engine exports.
type Collector struct {
	transitionsTotal *prometheus.CounterVec
	transitionsFail  *prometheus.CounterVec

	ledgerEntriesTotal *prometheus.CounterVec
	ledgerCreditsSpent *prometheus.CounterVec

	gatewayRequestsTotal  *prometheus.CounterVec
	gatewayRequestSeconds *prometheus.HistogramVec
	gatewayTokensTotal    *prometheus.CounterVec

	breakerTransitions *prometheus.CounterVec
	limiterRejections  *prometheus.CounterVec
}

// NewCollector registers the engine's metrics on reg. Passing
// prometheus.DefaultRegisterer gives the usual process-global registry.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Applied experiment state transitions",
		}, []string{"from_state", "to_state"}),

		transitionsFail: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_rejected_total",
			Help:      "Transitions rejected as illegal or over a ceiling",
		}, []string{"to_state"}),

		ledgerEntriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Ledger entries appended, by type",
		}, []string{"type"}),

		ledgerCreditsSpent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_spent_total",
			Help:      "Credits actually spent, by team",
		}, []string{"team_id"}),

		gatewayRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Gateway completions, by provider and cache state",
		}, []string{"provider", "model", "cached"}),

		gatewayRequestSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Provider call latency",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		gatewayTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_tokens_total",
			Help:      "Tokens consumed, by direction",
		}, []string{"provider", "model", "direction"}),

		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Breaker state changes",
		}, []string{"state"}),

		limiterRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Rejected rate-limited attempts, by limiter",
		}, []string{"limiter", "key"}),
	}
}

// HandleTransition is a bus listener counting applied transitions.
func (c *Collector) HandleTransition(ctx context.Context, ev experiment.Transitioned) error {
	c.transitionsTotal.WithLabelValues(string(ev.FromState), string(ev.ToState)).Inc()
	return nil
}

// RecordTransitionRejected counts a transition the state machine refused.
func (c *Collector) RecordTransitionRejected(toState string) {
	c.transitionsFail.WithLabelValues(toState).Inc()
}

// RecordLedgerEntry counts one appended ledger entry.
func (c *Collector) RecordLedgerEntry(entryType string) {
	c.ledgerEntriesTotal.WithLabelValues(entryType).Inc()
}

// RecordCreditsSpent accumulates settled spend per team.
func (c *Collector) RecordCreditsSpent(teamID string, credits int64) {
	if credits > 0 {
		c.ledgerCreditsSpent.WithLabelValues(teamID).Add(float64(credits))
	}
}

// ObserveGatewayRequest implements gateway.UsageMetrics.
func (c *Collector) ObserveGatewayRequest(provider, model string, cached bool, latency time.Duration) {
	cachedLabel := "false"
	if cached {
		cachedLabel = "true"
	}
	c.gatewayRequestsTotal.WithLabelValues(provider, model, cachedLabel).Inc()
	if !cached {
		c.gatewayRequestSeconds.WithLabelValues(provider, model).Observe(latency.Seconds())
	}
}

// AddGatewayTokens implements gateway.UsageMetrics.
func (c *Collector) AddGatewayTokens(provider, model string, input, output int) {
	c.gatewayTokensTotal.WithLabelValues(provider, model, "input").Add(float64(input))
	c.gatewayTokensTotal.WithLabelValues(provider, model, "output").Add(float64(output))
}

// RecordBreakerTransition counts a breaker entering a state.
func (c *Collector) RecordBreakerTransition(state string) {
	c.breakerTransitions.WithLabelValues(state).Inc()
}

// RecordLimiterRejection counts a rejected attempt on a limiter.
func (c *Collector) RecordLimiterRejection(limiter, key string) {
	c.limiterRejections.WithLabelValues(limiter, key).Inc()
}
