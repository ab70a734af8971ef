// Package tools hosts the deterministic tool layer: built-in tools,
// polyglot code execution, and the registry the LLM executor draws tool
// definitions from.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/registry"
)

// Tool is one callable unit, whether built in, cascade-defined, or
// generated (RAG search tools).
type Tool interface {
	Name() string
	Description() string
	Definition() llms.ToolDefinition
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Result is a tool invocation outcome. Output is the structured value
// handed to templates and state; Content is its string form for LLM
// consumption.
type Result struct {
	Output   any            `json:"output,omitempty"`
	Content  string         `json:"content,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Stringify renders an output value for an LLM tool-result message.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// Registry holds the available tools.
type Registry struct {
	*registry.BaseRegistry[Tool]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Tool]()}
}

// Register adds a tool under its own name.
func (r *Registry) Register(t Tool) error {
	return r.BaseRegistry.Register(t.Name(), t)
}

// Definitions returns the LLM tool definitions of the named tools, in
// the given order. Unknown names fail loudly rather than silently
// shrinking the toolset.
func (r *Registry) Definitions(names []string) ([]llms.ToolDefinition, error) {
	defs := make([]llms.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown tool '%s'", name)
		}
		defs = append(defs, tool.Definition())
	}
	return defs, nil
}

// SchemaFor derives a JSON-schema parameter map from a Go struct's json
// and jsonschema tags.
func SchemaFor[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// FuncTool adapts a plain function into a Tool. Generated tools (RAG
// search, sub-cascade calls) use it rather than defining new types.
type FuncTool struct {
	ToolName    string
	Desc        string
	Parameters  map[string]any
	Fn          func(ctx context.Context, args map[string]any) (*Result, error)
}

func (f *FuncTool) Name() string        { return f.ToolName }
func (f *FuncTool) Description() string { return f.Desc }

func (f *FuncTool) Definition() llms.ToolDefinition {
	params := f.Parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return llms.ToolDefinition{
		Name:        f.ToolName,
		Description: f.Desc,
		Parameters:  params,
	}
}

func (f *FuncTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	start := time.Now()
	res, err := f.Fn(ctx, args)
	if err != nil {
		return nil, err
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	if res.Content == "" {
		res.Content = Stringify(res.Output)
	}
	return res, nil
}

var _ Tool = (*FuncTool)(nil)
