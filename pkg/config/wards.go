package config

import "fmt"

// WardMode controls what a failed ward does to the cell.
type WardMode string

const (
	WardModeBlocking WardMode = "blocking"
	WardModeAdvisory WardMode = "advisory"
	WardModeRetry    WardMode = "retry"
)

// WardsConfig groups validators by position around a cell's main work.
type WardsConfig struct {
	Pre  []WardConfig `yaml:"pre,omitempty"`
	Post []WardConfig `yaml:"post,omitempty"`
	Turn []WardConfig `yaml:"turn,omitempty"`
}

// WardConfig is one validator plus its failure semantics.
type WardConfig struct {
	Validator         any      `yaml:"validator"`
	Mode              WardMode `yaml:"mode,omitempty"`
	MaxAttempts       int      `yaml:"max_attempts,omitempty"`
	RetryInstructions string   `yaml:"retry_instructions,omitempty"`
}

func (w *WardsConfig) SetDefaults() {
	for i := range w.Pre {
		w.Pre[i].SetDefaults()
	}
	for i := range w.Post {
		w.Post[i].SetDefaults()
	}
	for i := range w.Turn {
		w.Turn[i].SetDefaults()
	}
}

func (w *WardConfig) SetDefaults() {
	if w.Mode == "" {
		w.Mode = WardModeBlocking
	}
	if w.Mode == WardModeRetry && w.MaxAttempts == 0 {
		w.MaxAttempts = 3
	}
}

func (w *WardsConfig) Validate() error {
	for _, group := range [][]WardConfig{w.Pre, w.Post, w.Turn} {
		for _, ward := range group {
			if err := ward.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *WardConfig) Validate() error {
	if w.Validator == nil {
		return fmt.Errorf("ward requires a validator")
	}
	switch w.Mode {
	case "", WardModeBlocking, WardModeAdvisory, WardModeRetry:
	default:
		return fmt.Errorf("ward mode must be blocking, advisory or retry (got '%s')", w.Mode)
	}
	if _, err := ParseValidatorSpec(w.Validator); err != nil {
		return err
	}
	return nil
}

// ValidatorSpec is the resolved form of the polyglot validator sum type:
// a named validator, an inline code block tagged by language, or an
// explicit tool invocation.
type ValidatorSpec struct {
	// Name refers to a registered validator tool or a validator cascade.
	Name string

	// Language + Code for inline polyglot blocks.
	Language string
	Code     string

	// Tool + Inputs for explicit invocations.
	Tool   string
	Inputs map[string]any
}

// IsInline reports whether the spec is an inline polyglot block.
func (v *ValidatorSpec) IsInline() bool {
	return v.Language != ""
}

// ValidatorLanguages are the accepted inline language keys.
var ValidatorLanguages = map[string]bool{
	"python":     true,
	"javascript": true,
	"sql":        true,
	"clojure":    true,
	"bash":       true,
}

// ParseValidatorSpec normalizes the three accepted YAML shapes:
//
//	validator: my_checker                 # named
//	validator: {python: "..."}            # inline, one language key
//	validator: {tool: x, inputs: {...}}   # explicit
func ParseValidatorSpec(raw any) (*ValidatorSpec, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil, fmt.Errorf("validator name cannot be empty")
		}
		return &ValidatorSpec{Name: v}, nil

	case map[string]any:
		if tool, ok := v["tool"].(string); ok {
			inputs, _ := v["inputs"].(map[string]any)
			return &ValidatorSpec{Tool: tool, Inputs: inputs}, nil
		}

		var spec *ValidatorSpec
		for key, val := range v {
			if !ValidatorLanguages[key] {
				return nil, fmt.Errorf("unknown validator language '%s'", key)
			}
			if spec != nil {
				return nil, fmt.Errorf("inline validator must have exactly one language key")
			}
			code, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("validator %s code must be a string", key)
			}
			spec = &ValidatorSpec{Language: key, Code: code}
		}
		if spec == nil {
			return nil, fmt.Errorf("inline validator must have exactly one language key")
		}
		return spec, nil

	default:
		return nil, fmt.Errorf("validator spec must be a string or map (got %T)", raw)
	}
}
