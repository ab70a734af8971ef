// Package llms defines the provider abstraction the engine multiplies
// over: chat generation with native tool calling, usage accounting and
// delayed cost reconciliation.
package llms

import "context"

// Message is one chat message in provider-neutral form.
type Message struct {
	Role       string     `json:"role"` // system | user | assistant | tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition is the schema advertised to the model for one tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is the token accounting attached to a response. The counts here
// are the provider's immediate (possibly provisional) numbers; the cost
// tracker reconciles authoritative ones later.
type Usage struct {
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// Response is a completed generation.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Usage      Usage      `json:"usage"`
	Model      string     `json:"model"`
	StopReason string     `json:"stop_reason,omitempty"`

	// RequestID correlates the call with the provider's cost records.
	RequestID string `json:"request_id,omitempty"`
}

// Provider is one configured model entry.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error)

	// Prices returns (input, output) prices per million tokens; zero
	// means free or unknown.
	Prices() (float64, float64)
}

// CostData is the provider's authoritative accounting for one request.
type CostData struct {
	Cost      float64 `json:"cost"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	Available bool    `json:"available"`
}

// CostFetcher is implemented by providers whose authoritative cost
// arrives after the response (generation-stats endpoints).
type CostFetcher interface {
	FetchCost(ctx context.Context, requestID string) (*CostData, error)
}

// PriceCost computes cost in dollars from token counts and per-mtok prices.
func PriceCost(usage Usage, inPerMTok, outPerMTok float64) float64 {
	return float64(usage.TokensIn)*inPerMTok/1e6 + float64(usage.TokensOut)*outPerMTok/1e6
}
