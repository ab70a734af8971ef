package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rvbbit/lars/pkg/llms"
)

// ShellTool runs a fixed shell command with tool inputs exported as
// RVBBIT_<NAME> environment variables. Cascade-defined, never free-form:
// the command comes from the cascade file, not the model.
type ShellTool struct {
	name        string
	description string
	command     string
	workDir     string
	timeout     time.Duration
	parameters  map[string]any
}

func NewShellTool(name, description, command, workDir string, timeout time.Duration, parameters map[string]any) (*ShellTool, error) {
	if command == "" {
		return nil, fmt.Errorf("shell tool '%s' requires a command", name)
	}
	if timeout == 0 {
		timeout = DefaultCodeTimeout
	}
	return &ShellTool{
		name:        name,
		description: description,
		command:     command,
		workDir:     workDir,
		timeout:     timeout,
		parameters:  parameters,
	}, nil
}

func (t *ShellTool) Name() string        { return t.name }
func (t *ShellTool) Description() string { return t.description }

func (t *ShellTool) Definition() llms.ToolDefinition {
	params := t.parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return llms.ToolDefinition{Name: t.name, Description: t.description, Parameters: params}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", t.command)
	cmd.Dir = t.workDir
	cmd.Env = append(os.Environ(), inputEnv(args)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("shell tool '%s' timed out after %s", t.name, t.timeout)
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return nil, fmt.Errorf("shell tool '%s' failed: %w: %s", t.name, err, detail)
	}

	output := strings.TrimRight(stdout.String(), "\n")
	return &Result{
		Output:   output,
		Content:  output,
		Duration: elapsed,
		Metadata: map[string]any{"command": t.command},
	}, nil
}

// inputEnv maps tool inputs to RVBBIT_<UPPER_NAME> environment
// variables.
func inputEnv(args map[string]any) []string {
	env := make([]string, 0, len(args))
	for k, v := range args {
		name := "RVBBIT_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		env = append(env, name+"="+Stringify(v))
	}
	return env
}

var _ Tool = (*ShellTool)(nil)
