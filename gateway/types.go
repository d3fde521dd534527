package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// Request describes one completion call on behalf of an experiment
// stage. Provider and Model may be rewritten by fallback substitution
// before the pipeline runs.
type Request struct {
	TeamID       string `json:"team_id"`
	AgentID      string `json:"agent_id"`
	ExperimentID string `json:"experiment_id"`
	Stage        string `json:"stage"`

	Provider string `json:"provider"`
	Model    string `json:"model"`

	SystemPrompt string  `json:"system_prompt"`
	UserPrompt   string  `json:"user_prompt"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`

	// OutputSchema, when set, declares that the caller expects parsed
	// structured output conforming to this JSON schema.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// IdempotencyKey hashes the identity-relevant fields of the request.
// Two requests with the same key are the same logical call and the
// second one replays the first one's response.
func (r *Request) IdempotencyKey() string {
	h := sha256.New()
	for _, part := range []string{
		r.TeamID, r.AgentID, r.ExperimentID, r.Stage,
		r.Provider, r.Model,
		r.SystemPrompt, r.UserPrompt,
		strconv.Itoa(r.MaxTokens),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns a shallow copy safe to mutate for fallback substitution.
func (r *Request) Clone() *Request {
	cp := *r
	return &cp
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Response is the pipeline's result. Provider and Model name what
// actually served the call, which differs from the request after a
// fallback substitution.
type Response struct {
	Content string          `json:"content"`
	Parsed  json.RawMessage `json:"parsed,omitempty"`

	Usage       Usage `json:"usage"`
	CostCredits int64 `json:"cost_credits"`
	LatencyMs   int64 `json:"latency_ms"`

	Provider string `json:"provider"`
	Model    string `json:"model"`

	Cached      bool `json:"cached"`
	SchemaValid bool `json:"schema_valid"`
	Fallback    bool `json:"fallback"`
}

// Provider is the boundary to an upstream model API.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}
