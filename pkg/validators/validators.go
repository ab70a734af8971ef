// Package validators resolves and runs validator specs: named validator
// tools or cascades, inline polyglot code blocks, and explicit tool
// invocations. Every execution path normalizes to the same verdict
// shape.
package validators

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/tools"
)

// ErrValidatorInvalid marks a validator that ran but produced something
// other than the {valid, reason} contract.
var ErrValidatorInvalid = errors.New("validator produced an invalid verdict shape")

// Verdict is the normalized validator outcome.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// CascadeFunc runs a validator cascade against content. The runner
// registers one per validator cascade so the dispatcher stays decoupled
// from cascade execution.
type CascadeFunc func(ctx context.Context, content any, originalInput map[string]any) (*Verdict, error)

// Dispatcher resolves validator specs against the tool registry, the
// research database (sql validators), and registered validator cascades.
type Dispatcher struct {
	tools    *tools.Registry
	db       *sql.DB
	cascades map[string]CascadeFunc
	timeout  time.Duration
}

func NewDispatcher(toolRegistry *tools.Registry, db *sql.DB) *Dispatcher {
	return &Dispatcher{
		tools:    toolRegistry,
		db:       db,
		cascades: make(map[string]CascadeFunc),
		timeout:  tools.DefaultCodeTimeout,
	}
}

// RegisterCascade exposes a validator cascade under a name.
func (d *Dispatcher) RegisterCascade(name string, fn CascadeFunc) {
	d.cascades[name] = fn
}

// Dispatch resolves the spec and validates content against it. The
// original cell input rides along so validators can compare output to
// request.
func (d *Dispatcher) Dispatch(ctx context.Context, raw any, content any, bindings *tools.Bindings) (*Verdict, error) {
	spec, err := config.ParseValidatorSpec(raw)
	if err != nil {
		return nil, err
	}
	return d.DispatchSpec(ctx, spec, content, bindings)
}

func (d *Dispatcher) DispatchSpec(ctx context.Context, spec *config.ValidatorSpec, content any, bindings *tools.Bindings) (*Verdict, error) {
	switch {
	case spec.Name != "":
		return d.dispatchNamed(ctx, spec.Name, content, bindings)
	case spec.IsInline():
		return d.dispatchInline(ctx, spec, content, bindings)
	case spec.Tool != "":
		return d.dispatchTool(ctx, spec.Tool, spec.Inputs, content, bindings)
	default:
		return nil, fmt.Errorf("empty validator spec")
	}
}

func (d *Dispatcher) dispatchNamed(ctx context.Context, name string, content any, bindings *tools.Bindings) (*Verdict, error) {
	if fn, ok := d.cascades[name]; ok {
		var originalInput map[string]any
		if bindings != nil {
			originalInput = bindings.Input
		}
		verdict, err := fn(ctx, content, originalInput)
		if err != nil {
			return nil, fmt.Errorf("validator cascade '%s': %w", name, err)
		}
		return verdict, nil
	}
	if d.tools != nil {
		if _, ok := d.tools.Get(name); ok {
			return d.dispatchTool(ctx, name, nil, content, bindings)
		}
	}
	return nil, fmt.Errorf("unknown validator '%s'", name)
}

func (d *Dispatcher) dispatchInline(ctx context.Context, spec *config.ValidatorSpec, content any, bindings *tools.Bindings) (*Verdict, error) {
	if spec.Language == "sql" {
		return d.dispatchSQL(ctx, spec.Code, content)
	}

	interp, err := tools.NewInterpreter(spec.Language, d.timeout)
	if err != nil {
		return nil, err
	}

	vars := bindings.Map(map[string]any{"content": content})
	if b := bindings; b != nil {
		vars["original_input"] = b.Input
	}

	output, err := interp.Run(ctx, spec.Code, vars)
	if err != nil {
		return nil, fmt.Errorf("%s validator: %w", spec.Language, err)
	}
	return Normalize(output)
}

// dispatchSQL runs the query against the research database. content is
// bound as the first parameter when the query has a placeholder. A query
// is valid when its first row/first column is truthy.
func (d *Dispatcher) dispatchSQL(ctx context.Context, query string, content any) (*Verdict, error) {
	if d.db == nil {
		return nil, fmt.Errorf("sql validator requires a research database")
	}

	var args []any
	if strings.Contains(query, "?") {
		args = append(args, tools.Stringify(content))
	}

	records, err := tools.QueryRows(ctx, d.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sql validator: %w", err)
	}
	if len(records) == 0 {
		return &Verdict{Valid: false, Reason: "query returned no rows"}, nil
	}

	// A row shaped like the verdict contract is taken verbatim.
	if _, ok := records[0]["valid"]; ok {
		return Normalize(records[0])
	}
	for _, v := range records[0] {
		return &Verdict{Valid: truthy(v)}, nil
	}
	return &Verdict{Valid: false, Reason: "query returned an empty row"}, nil
}

func (d *Dispatcher) dispatchTool(ctx context.Context, name string, inputs map[string]any, content any, bindings *tools.Bindings) (*Verdict, error) {
	if d.tools == nil {
		return nil, fmt.Errorf("unknown validator tool '%s'", name)
	}
	tool, ok := d.tools.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown validator tool '%s'", name)
	}

	args := make(map[string]any, len(inputs)+2)
	for k, v := range inputs {
		args[k] = v
	}
	if _, set := args["content"]; !set {
		args["content"] = content
	}
	if bindings != nil {
		if _, set := args["original_input"]; !set {
			args["original_input"] = bindings.Input
		}
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("validator tool '%s': %w", name, err)
	}
	return Normalize(result.Output)
}

// Normalize coerces a validator's raw output into a Verdict. Accepted
// shapes: a bool, or a map carrying "valid" (bool) and optionally
// "reason" (string). Anything else is ErrValidatorInvalid.
func Normalize(output any) (*Verdict, error) {
	switch v := output.(type) {
	case bool:
		return &Verdict{Valid: v}, nil
	case *Verdict:
		return v, nil
	case map[string]any:
		rawValid, ok := v["valid"]
		if !ok {
			return nil, fmt.Errorf("%w: missing 'valid' key", ErrValidatorInvalid)
		}
		valid, ok := asBool(rawValid)
		if !ok {
			return nil, fmt.Errorf("%w: 'valid' must be a boolean (got %T)", ErrValidatorInvalid, rawValid)
		}
		reason, _ := v["reason"].(string)
		return &Verdict{Valid: valid, Reason: reason}, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrValidatorInvalid, output)
	}
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	// SQLite surfaces booleans as integers.
	case int64:
		return t != 0, true
	case float64:
		return t != 0, true
	default:
		return false, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != "" && t != "0" && strings.ToLower(t) != "false"
	default:
		return true
	}
}
