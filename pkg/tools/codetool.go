package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/rvbbit/lars/pkg/llms"
)

// CodeTool wraps an inline code block as a Tool. Deterministic cells and
// inline validators run through it; the language decides the
// interpreter.
type CodeTool struct {
	name        string
	description string
	language    string
	code        string
	timeout     time.Duration
	bindings    *Bindings
	parameters  map[string]any
}

func NewCodeTool(name, description, language, code string, timeout time.Duration, bindings *Bindings, parameters map[string]any) (*CodeTool, error) {
	if code == "" {
		return nil, fmt.Errorf("code tool '%s' requires code", name)
	}
	if _, err := NewInterpreter(language, timeout); err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = DefaultCodeTimeout
	}
	return &CodeTool{
		name:        name,
		description: description,
		language:    language,
		code:        code,
		timeout:     timeout,
		bindings:    bindings,
		parameters:  parameters,
	}, nil
}

func (t *CodeTool) Name() string        { return t.name }
func (t *CodeTool) Description() string { return t.description }

func (t *CodeTool) Definition() llms.ToolDefinition {
	params := t.parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return llms.ToolDefinition{Name: t.name, Description: t.description, Parameters: params}
}

func (t *CodeTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	interp, err := NewInterpreter(t.language, t.timeout)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	output, err := interp.Run(ctx, t.code, t.bindings.Map(args))
	if err != nil {
		return nil, err
	}
	return &Result{
		Output:   output,
		Content:  Stringify(output),
		Duration: time.Since(start),
		Metadata: map[string]any{"language": t.language},
	}, nil
}

var _ Tool = (*CodeTool)(nil)
