package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rvbbit/lars/pkg/llms"
)

// PythonFunctionTool dispatches to a function in an importable Python
// module, addressed as "python:package.module.func". Inputs become
// keyword arguments; the return value is the tool output.
type PythonFunctionTool struct {
	name        string
	description string
	module      string
	function    string
	timeout     time.Duration
	parameters  map[string]any
}

// ParsePythonRef splits a "python:pkg.mod.func" reference into module
// path and function name.
func ParsePythonRef(ref string) (module, function string, err error) {
	path := strings.TrimPrefix(ref, "python:")
	if path == ref || path == "" {
		return "", "", fmt.Errorf("not a python tool reference: '%s'", ref)
	}
	idx := strings.LastIndex(path, ".")
	if idx <= 0 || idx == len(path)-1 {
		return "", "", fmt.Errorf("python reference '%s' must be module.function", ref)
	}
	return path[:idx], path[idx+1:], nil
}

func NewPythonFunctionTool(name, description, ref string, timeout time.Duration, parameters map[string]any) (*PythonFunctionTool, error) {
	module, function, err := ParsePythonRef(ref)
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = DefaultCodeTimeout
	}
	return &PythonFunctionTool{
		name:        name,
		description: description,
		module:      module,
		function:    function,
		timeout:     timeout,
		parameters:  parameters,
	}, nil
}

func (t *PythonFunctionTool) Name() string        { return t.name }
func (t *PythonFunctionTool) Description() string { return t.description }

func (t *PythonFunctionTool) Definition() llms.ToolDefinition {
	params := t.parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return llms.ToolDefinition{Name: t.name, Description: t.description, Parameters: params}
}

func (t *PythonFunctionTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	interp, err := NewInterpreter("python", t.timeout)
	if err != nil {
		return nil, err
	}

	// Injected bindings stay out of the kwargs; the function only sees
	// declared inputs.
	code := fmt.Sprintf(`import importlib
_mod = importlib.import_module(%q)
_fn = getattr(_mod, %q)
_kwargs = {k: v for k, v in globals().items()
           if not k.startswith("_") and k not in ("result", "json", "sys", "traceback")
           and not callable(v) and not isinstance(v, type(importlib))}
result = _fn(**_kwargs)`, t.module, t.function)

	start := time.Now()
	output, err := interp.Run(ctx, code, args)
	if err != nil {
		return nil, fmt.Errorf("python tool '%s' failed: %w", t.name, err)
	}
	return &Result{
		Output:   output,
		Content:  Stringify(output),
		Duration: time.Since(start),
		Metadata: map[string]any{"module": t.module, "function": t.function},
	}, nil
}

var _ Tool = (*PythonFunctionTool)(nil)
