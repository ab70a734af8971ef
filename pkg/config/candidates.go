package config

import "fmt"

// CandidatesConfig turns an LLM cell into a multi-sample fan-out: N variant
// attempts of the same cell, optionally prefiltered, then either one winner
// is picked or all outputs are aggregated.
type CandidatesConfig struct {
	// Factor is the number of variants: an integer, or a template string
	// that renders to one.
	Factor      any  `yaml:"factor"`
	MaxParallel int  `yaml:"max_parallel,omitempty"`
	Mutate      bool `yaml:"mutate,omitempty"`

	// MutationMode: rewrite | augment | approach.
	MutationMode string   `yaml:"mutation_mode,omitempty"`
	Mutations    []string `yaml:"mutations,omitempty"`
	MutatorModel string   `yaml:"mutator_model,omitempty"`

	// Mode: evaluate (pick one winner) or aggregate (combine all).
	Mode string `yaml:"mode,omitempty"`

	// Validator prefilters attempts before the evaluator sees them.
	Validator any `yaml:"validator,omitempty"`

	// Models distributes the factor across model IDs: a list, or a
	// name->weight map used with model_strategy weighted.
	Models        any    `yaml:"models,omitempty"`
	ModelStrategy string `yaml:"model_strategy,omitempty"` // round_robin | random | weighted

	// Evaluator: "human", "hybrid", or an LLM spec (model name or
	// {model, instructions} map).
	Evaluator             any    `yaml:"evaluator,omitempty"`
	EvaluatorInstructions string `yaml:"evaluator_instructions,omitempty"`
	EvaluatorModel        string `yaml:"evaluator_model,omitempty"`
	LLMPrefilter          int    `yaml:"llm_prefilter,omitempty"` // hybrid: top-N for the human

	CostAware *CostAwareConfig `yaml:"cost_aware_evaluation,omitempty"`
	Pareto    *ParetoConfig    `yaml:"pareto,omitempty"`

	// Aggregate mode.
	AggregatorInstructions string `yaml:"aggregator_instructions,omitempty"`
	AggregatorModel        string `yaml:"aggregator_model,omitempty"`

	Reforge *ReforgeConfig `yaml:"reforge,omitempty"`
}

// CostAwareConfig normalizes per-candidate cost into the evaluator prompt.
type CostAwareConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Normalization string  `yaml:"normalization,omitempty"` // min_max | z_score | log_scale
	QualityWeight float64 `yaml:"quality_weight,omitempty"`
	CostWeight    float64 `yaml:"cost_weight,omitempty"`
}

// ParetoConfig selects the winner from the (cost, quality) frontier.
type ParetoConfig struct {
	Enabled bool   `yaml:"enabled"`
	Policy  string `yaml:"policy,omitempty"` // prefer_cheap | prefer_quality | balanced | interactive
}

// ReforgeConfig iterates refinement rounds seeded by the previous winner.
type ReforgeConfig struct {
	Steps         int    `yaml:"steps"`
	FactorPerStep int    `yaml:"factor_per_step,omitempty"`
	HoningPrompt  string `yaml:"honing_prompt,omitempty"`
	Threshold     any    `yaml:"threshold,omitempty"` // validator spec for early stop
}

func (c *CandidatesConfig) SetDefaults() {
	if c.Factor == nil {
		c.Factor = 1
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = 3
	}
	if c.Mode == "" {
		c.Mode = "evaluate"
	}
	if c.MutationMode == "" {
		c.MutationMode = "augment"
	}
	if c.ModelStrategy == "" {
		c.ModelStrategy = "round_robin"
	}
	if c.LLMPrefilter == 0 {
		c.LLMPrefilter = 3
	}
	if c.CostAware != nil {
		if c.CostAware.Normalization == "" {
			c.CostAware.Normalization = "min_max"
		}
		if c.CostAware.QualityWeight == 0 {
			c.CostAware.QualityWeight = 0.7
		}
		if c.CostAware.CostWeight == 0 {
			c.CostAware.CostWeight = 0.3
		}
	}
	if c.Reforge != nil && c.Reforge.FactorPerStep == 0 {
		c.Reforge.FactorPerStep = 2
	}
	if c.Pareto != nil && c.Pareto.Policy == "" {
		c.Pareto.Policy = "balanced"
	}
}

func (c *CandidatesConfig) Validate() error {
	switch c.Mode {
	case "", "evaluate", "aggregate":
	default:
		return fmt.Errorf("candidates mode must be evaluate or aggregate (got '%s')", c.Mode)
	}
	switch c.MutationMode {
	case "", "rewrite", "augment", "approach":
	default:
		return fmt.Errorf("mutation_mode must be rewrite, augment or approach (got '%s')", c.MutationMode)
	}
	switch c.ModelStrategy {
	case "", "round_robin", "random", "weighted":
	default:
		return fmt.Errorf("model_strategy must be round_robin, random or weighted (got '%s')", c.ModelStrategy)
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("max_parallel cannot be negative")
	}
	if c.Pareto != nil && c.Pareto.Enabled {
		switch c.Pareto.Policy {
		case "", "prefer_cheap", "prefer_quality", "balanced", "interactive":
		default:
			return fmt.Errorf("pareto policy must be prefer_cheap, prefer_quality, balanced or interactive (got '%s')",
				c.Pareto.Policy)
		}
	}
	if c.Reforge != nil && c.Reforge.Steps <= 0 {
		return fmt.Errorf("reforge steps must be positive")
	}
	return nil
}
