package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cascade is one workflow template: a named graph of cells.
type Cascade struct {
	CascadeID    string            `yaml:"cascade_id"`
	Description  string            `yaml:"description,omitempty"`
	Cells        []*Cell           `yaml:"cells"`
	InputsSchema map[string]string `yaml:"inputs_schema,omitempty"`

	// Cascade-wide defaults, overridable per cell.
	Candidates  *CandidatesConfig  `yaml:"candidates,omitempty"`
	TokenBudget *TokenBudgetConfig `yaml:"token_budget,omitempty"`
	ToolCaching *ToolCachingConfig `yaml:"tool_caching,omitempty"`
	ResearchDB  string             `yaml:"research_db,omitempty"`
	Validators  map[string]any     `yaml:"validators,omitempty"`
	Triggers    []TriggerConfig    `yaml:"triggers,omitempty"`
	Narrator    *NarratorConfig    `yaml:"narrator,omitempty"`
	AutoContext *ContextConfig     `yaml:"auto_context,omitempty"`

	// Dir the document was loaded from; sql: tool paths resolve against it.
	BaseDir string `yaml:"-"`
}

// CellKind discriminates the four cell variants.
type CellKind string

const (
	CellKindLLM           CellKind = "llm"
	CellKindDeterministic CellKind = "deterministic"
	CellKindSQLMapping    CellKind = "sql_mapping"
	CellKindScreen        CellKind = "screen"
)

// Cell is one node of a cascade. Exactly one of Instructions, Tool,
// ForEachRow or HTMX must be set.
type Cell struct {
	Name string `yaml:"name"`

	// Variant discriminators.
	Instructions string            `yaml:"instructions,omitempty"`
	Tool         string            `yaml:"tool,omitempty"`
	ForEachRow   *ForEachRowConfig `yaml:"for_each_row,omitempty"`
	HTMX         string            `yaml:"htmx,omitempty"`

	// Shared fields.
	Handoffs       []string              `yaml:"handoffs,omitempty"`
	Routing        map[string]string     `yaml:"routing,omitempty"`
	Context        *ContextConfig        `yaml:"context,omitempty"`
	Wards          *WardsConfig          `yaml:"wards,omitempty"`
	Audibles       []AudibleConfig       `yaml:"audibles,omitempty"`
	DecisionPoints *DecisionPointsConfig `yaml:"decision_points,omitempty"`
	Callouts       *CalloutsConfig       `yaml:"callouts,omitempty"`

	// LLM cell fields.
	Model        string            `yaml:"model,omitempty"`
	Traits       []string          `yaml:"traits,omitempty"`
	Rules        *RulesConfig      `yaml:"rules,omitempty"`
	MaxTurns     int               `yaml:"max_turns,omitempty"`
	Candidates   *CandidatesConfig `yaml:"candidates,omitempty"`
	OutputSchema map[string]any    `yaml:"output_schema,omitempty"`
	Checkpoint   *CheckpointConfig `yaml:"checkpoint,omitempty"`

	// Deterministic cell fields.
	ToolInputs map[string]any `yaml:"tool_inputs,omitempty"`
	Retry      *RetryConfig   `yaml:"retry,omitempty"`
	Timeout    string         `yaml:"timeout,omitempty"`
	OnError    any            `yaml:"on_error,omitempty"`

	// Sub-cascade spawning.
	SubCascades   []SubCascadeConfig   `yaml:"sub_cascades,omitempty"`
	AsyncCascades []AsyncCascadeConfig `yaml:"async_cascades,omitempty"`
}

// Kind reports which variant the cell is. Validate guarantees exactly one.
func (c *Cell) Kind() CellKind {
	switch {
	case c.Instructions != "":
		return CellKindLLM
	case c.Tool != "":
		return CellKindDeterministic
	case c.ForEachRow != nil:
		return CellKindSQLMapping
	default:
		return CellKindScreen
	}
}

// ForEachRowConfig drives a SQL-mapping cell: run Query, then execute the
// row template once per result row.
type ForEachRowConfig struct {
	Query      string         `yaml:"query"`
	RowCell    *Cell          `yaml:"cell"`
	MaxRows    int            `yaml:"max_rows,omitempty"`
	RowInputs  map[string]any `yaml:"row_inputs,omitempty"`
	Connection string         `yaml:"connection,omitempty"`
}

// RulesConfig holds LLM-cell loop controls.
type RulesConfig struct {
	LoopUntil        any  `yaml:"loop_until,omitempty"` // validator spec
	LoopUntilSilent  bool `yaml:"loop_until_silent,omitempty"`
	LoopHistoryLimit int  `yaml:"loop_history_limit,omitempty"`
}

// RetryConfig wraps deterministic tool execution.
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts,omitempty"`
	Backoff     string  `yaml:"backoff,omitempty"` // none | linear | exponential
	BaseDelay   string  `yaml:"base_delay,omitempty"`
	Multiplier  float64 `yaml:"multiplier,omitempty"`
}

// AudibleConfig is evaluated after a cell's main work, before routing.
type AudibleConfig struct {
	When   string `yaml:"when"`   // template condition
	Action string `yaml:"action"` // pause | reroute | abort
	Target string `yaml:"target,omitempty"`
	Reason string `yaml:"reason,omitempty"`
}

// DecisionPointsConfig enables <decision> block scanning of LLM output.
type DecisionPointsConfig struct {
	Enabled bool              `yaml:"enabled"`
	Routing map[string]string `yaml:"routing,omitempty"` // option id -> continue|retry|cell name|fail
}

// CalloutsConfig tags outputs for context selection and UI surfacing.
type CalloutsConfig struct {
	Label    string `yaml:"label"` // template
	EachTurn bool   `yaml:"each_turn,omitempty"`
}

// CheckpointConfig marks a human-in-the-loop gate on an LLM cell.
type CheckpointConfig struct {
	Prompt        string `yaml:"prompt,omitempty"`
	InjectionMode string `yaml:"injection_mode,omitempty"` // append | replace | input
}

// SubCascadeConfig invokes another cascade synchronously from a cell.
type SubCascadeConfig struct {
	Ref       string            `yaml:"ref"`
	InputMap  map[string]string `yaml:"input_map,omitempty"`
	ContextIn bool              `yaml:"context_in,omitempty"`
	OutputKey string            `yaml:"output_key,omitempty"`
}

// AsyncCascadeConfig spawns an independent session with parent linkage.
type AsyncCascadeConfig struct {
	Ref      string            `yaml:"ref"`
	InputMap map[string]string `yaml:"input_map,omitempty"`
	Trigger  string            `yaml:"trigger,omitempty"` // on_start | on_end
}

// ToolCachingConfig caches deterministic tool results by input hash.
type ToolCachingConfig struct {
	Enabled bool   `yaml:"enabled"`
	TTL     string `yaml:"ttl,omitempty"`
}

// TriggerConfig is carried through for external dispatchers; the engine
// only validates shape.
type TriggerConfig struct {
	Type     string         `yaml:"type"` // cron | webhook
	Schedule string         `yaml:"schedule,omitempty"`
	Path     string         `yaml:"path,omitempty"`
	Inputs   map[string]any `yaml:"inputs,omitempty"`
}

// NarratorConfig turns lifecycle events into human-readable log lines.
type NarratorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level,omitempty"`
}

// SetDefaults fills zero values on the cascade and its cells.
func (c *Cascade) SetDefaults() {
	for _, cell := range c.Cells {
		cell.SetDefaults()
	}
	if c.TokenBudget != nil {
		c.TokenBudget.SetDefaults()
	}
	if c.Candidates != nil {
		c.Candidates.SetDefaults()
	}
}

func (c *Cell) SetDefaults() {
	if c.Kind() == CellKindLLM && c.MaxTurns == 0 {
		c.MaxTurns = 10
	}
	if c.Retry != nil {
		if c.Retry.MaxAttempts == 0 {
			c.Retry.MaxAttempts = 3
		}
		if c.Retry.Backoff == "" {
			c.Retry.Backoff = "exponential"
		}
	}
	if c.Candidates != nil {
		c.Candidates.SetDefaults()
	}
	if c.Wards != nil {
		c.Wards.SetDefaults()
	}
	if c.Context != nil {
		c.Context.SetDefaults()
	}
}

// Validate checks structural invariants of the document before any cell
// runs. All violations are configuration errors.
func (c *Cascade) Validate() error {
	if c.CascadeID == "" {
		return fmt.Errorf("cascade_id is required")
	}
	if len(c.Cells) == 0 {
		return fmt.Errorf("cascade '%s' has no cells", c.CascadeID)
	}

	names := make(map[string]bool, len(c.Cells))
	for _, cell := range c.Cells {
		if cell.Name == "" {
			return fmt.Errorf("cascade '%s' has a cell without a name", c.CascadeID)
		}
		if names[cell.Name] {
			return fmt.Errorf("cascade '%s' has duplicate cell name '%s'", c.CascadeID, cell.Name)
		}
		names[cell.Name] = true

		if err := cell.Validate(); err != nil {
			return fmt.Errorf("cascade '%s': %w", c.CascadeID, err)
		}
	}

	// Handoff and routing targets must reference known cells.
	for _, cell := range c.Cells {
		for _, target := range cell.Handoffs {
			if !names[target] {
				return fmt.Errorf("cascade '%s': cell '%s' hands off to unknown cell '%s'",
					c.CascadeID, cell.Name, target)
			}
		}
		for route, target := range cell.Routing {
			if target == "" {
				continue // empty target terminates the cascade
			}
			if !names[target] {
				return fmt.Errorf("cascade '%s': cell '%s' routes '%s' to unknown cell '%s'",
					c.CascadeID, cell.Name, route, target)
			}
		}
	}

	return nil
}

func (c *Cell) Validate() error {
	variants := 0
	if c.Instructions != "" {
		variants++
	}
	if c.Tool != "" {
		variants++
	}
	if c.ForEachRow != nil {
		variants++
	}
	if c.HTMX != "" {
		variants++
	}
	if variants != 1 {
		return fmt.Errorf("cell '%s' must set exactly one of instructions, tool, for_each_row, htmx (got %d)",
			c.Name, variants)
	}

	if c.Timeout != "" {
		if _, err := ParseTimeout(c.Timeout); err != nil {
			return fmt.Errorf("cell '%s': %w", c.Name, err)
		}
	}
	if c.DecisionPoints != nil && c.DecisionPoints.Enabled && c.Kind() != CellKindLLM {
		return fmt.Errorf("cell '%s': decision_points require an LLM cell", c.Name)
	}
	if c.Candidates != nil {
		if err := c.Candidates.Validate(); err != nil {
			return fmt.Errorf("cell '%s': %w", c.Name, err)
		}
	}
	if c.Wards != nil {
		if err := c.Wards.Validate(); err != nil {
			return fmt.Errorf("cell '%s': %w", c.Name, err)
		}
	}
	for _, a := range c.Audibles {
		switch a.Action {
		case "pause", "reroute", "abort":
		default:
			return fmt.Errorf("cell '%s': audible action must be pause, reroute or abort (got '%s')",
				c.Name, a.Action)
		}
		if a.Action == "reroute" && a.Target == "" {
			return fmt.Errorf("cell '%s': reroute audible requires a target", c.Name)
		}
	}

	return nil
}

// Cell returns the named cell, or nil.
func (c *Cascade) Cell(name string) *Cell {
	for _, cell := range c.Cells {
		if cell.Name == name {
			return cell
		}
	}
	return nil
}

// ParseTimeout parses the cascade timeout shorthand: Ns, Nm or Nh.
func ParseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid timeout '%s' (expected Ns, Nm or Nh)", s)
	}

	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid timeout '%s' (expected Ns, Nm or Nh)", s)
	}

	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid timeout unit '%c' (expected s, m or h)", unit)
	}
}
