package config

import "fmt"

// ContextConfig controls which prior messages a cell sees (§inter-cell)
// and how the turn loop compresses its own history (§intra-cell).
type ContextConfig struct {
	// Explicit mode: From lists source cells, either names or structured
	// specs. Keywords "all", "first" and "previous" expand to sets of
	// prior cells.
	From []any `yaml:"from,omitempty"`

	// IncludeInput gates whether the cascade's original input is
	// prepended. Defaults to true in explicit mode.
	IncludeInput *bool `yaml:"include_input,omitempty"`

	// Auto mode: anchors are always included; beyond them, Selection
	// scores candidate prior messages.
	Anchors   []AnchorConfig   `yaml:"anchors,omitempty"`
	Selection *SelectionConfig `yaml:"selection,omitempty"`

	IntraContext *IntraContextConfig `yaml:"intra_context,omitempty"`
}

// ContextSource is the structured form of a From entry.
type ContextSource struct {
	Cell           string   `yaml:"cell"`
	Include        []string `yaml:"include,omitempty"` // images | output | messages | state
	ImagesFilter   string   `yaml:"images_filter,omitempty"`
	MessagesFilter string   `yaml:"messages_filter,omitempty"`
	AsRole         string   `yaml:"as_role,omitempty"`
	Condition      string   `yaml:"condition,omitempty"` // template; skip source when false
}

// AnchorConfig pins a slice of history into context regardless of scoring.
type AnchorConfig struct {
	Cell      string `yaml:"cell,omitempty"`
	LastTurns int    `yaml:"last_turns,omitempty"`
	Type      string `yaml:"type,omitempty"` // output | callouts | input | errors
}

// SelectionConfig scores non-anchor candidates for inclusion.
type SelectionConfig struct {
	Strategy    string  `yaml:"strategy,omitempty"` // heuristic | semantic | llm | hybrid
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	MaxMessages int     `yaml:"max_messages,omitempty"`
	Threshold   float64 `yaml:"threshold,omitempty"` // semantic similarity floor
	Model       string  `yaml:"model,omitempty"`     // llm/hybrid selector model
}

// IntraContextConfig compresses tool results between turns.
type IntraContextConfig struct {
	Window           int `yaml:"window,omitempty"` // keep tool results from the last N turns
	LoopHistoryLimit int `yaml:"loop_history_limit,omitempty"`
}

// TokenBudgetConfig bounds the assembled context before each LLM call.
type TokenBudgetConfig struct {
	MaxTotal         int    `yaml:"max_total"`
	Strategy         string `yaml:"strategy,omitempty"` // sliding_window | prune_oldest | summarize | fail
	ReserveForOutput int    `yaml:"reserve_for_output,omitempty"`
	SummarizerModel  string `yaml:"summarizer_model,omitempty"`
}

func (c *ContextConfig) SetDefaults() {
	if c.Selection != nil {
		if c.Selection.Strategy == "" {
			c.Selection.Strategy = "heuristic"
		}
		if c.Selection.MaxMessages == 0 {
			c.Selection.MaxMessages = 20
		}
		if c.Selection.Threshold == 0 {
			c.Selection.Threshold = 0.35
		}
	}
	if c.IntraContext != nil {
		if c.IntraContext.Window == 0 {
			c.IntraContext.Window = 3
		}
		if c.IntraContext.LoopHistoryLimit == 0 {
			c.IntraContext.LoopHistoryLimit = 2
		}
	}
}

func (t *TokenBudgetConfig) SetDefaults() {
	if t.Strategy == "" {
		t.Strategy = "sliding_window"
	}
	if t.ReserveForOutput == 0 {
		t.ReserveForOutput = 1024
	}
}

func (t *TokenBudgetConfig) Validate() error {
	if t.MaxTotal <= 0 {
		return fmt.Errorf("token_budget max_total must be positive")
	}
	switch t.Strategy {
	case "", "sliding_window", "prune_oldest", "summarize", "fail":
	default:
		return fmt.Errorf("token_budget strategy must be sliding_window, prune_oldest, summarize or fail (got '%s')",
			t.Strategy)
	}
	return nil
}
