package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/echo"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/logstore"
	"github.com/rvbbit/lars/pkg/template"
	"github.com/rvbbit/lars/pkg/tools"
)

// executeDeterministic resolves and runs a tool cell: rendered inputs,
// retry × timeout, on_error auto-fix, ephemeral interception of large
// results.
func (c *cellRun) executeDeterministic(ctx context.Context) (map[string]any, string, error) {
	inputs, err := template.New(c.echo.Scope()).RenderMap(c.cell.ToolInputs)
	if err != nil {
		return nil, "", fmt.Errorf("tool_inputs: %w", err)
	}

	tool, err := c.resolveTool(c.cell.Tool)
	if err != nil {
		return nil, "", err
	}
	if c.r.opts.ToolCache != nil && c.cascade.ToolCaching != nil && c.cascade.ToolCaching.Enabled {
		tool = tools.WithCache(tool, c.r.opts.ToolCache)
	}

	species := config.SpeciesHash(c.cell, inputs)

	// Oversized rendered inputs get indexed and replaced with searchable
	// placeholders before they reach the tool or the log.
	if c.ephemeral != nil {
		for key, value := range inputs {
			processed, err := c.ephemeral.ProcessTemplateData(ctx, key, value)
			if err != nil {
				return nil, "", err
			}
			inputs[key] = processed
		}
	}

	args := c.bindings.Map(inputs)

	callRow := logstore.NewRow(c.echo.SessionID, logstore.NodeToolCall)
	callRow.Role = "assistant"
	callRow.SpeciesHash = species
	callRow.ContentJSON = mustJSON(map[string]any{"tool": c.cell.Tool, "inputs": inputs})
	callRow.ContentHash = config.ContentHash(callRow.ContentJSON)
	c.logRow(ctx, callRow)

	result, execErr := c.executeWithRetry(ctx, tool, args)
	if execErr != nil {
		result, execErr = c.tryAutoFix(ctx, tool, args, inputs, execErr)
	}
	if execErr != nil {
		errRow := logstore.NewRow(c.echo.SessionID, logstore.NodeError)
		errRow.ParentTraceID = callRow.TraceID
		errRow.SpeciesHash = species
		errRow.ContentJSON = mustJSON(map[string]any{"error": execErr.Error()})
		c.logRow(ctx, errRow)
		return nil, "", execErr
	}

	processed := result.Output
	if c.ephemeral != nil {
		processed, err = c.ephemeral.ProcessToolResult(ctx, c.cell.Tool, result.Output)
		if err != nil {
			return nil, "", err
		}
	}

	resultRow := logstore.NewRow(c.echo.SessionID, logstore.NodeToolResult)
	resultRow.Role = "tool"
	resultRow.ParentTraceID = callRow.TraceID
	resultRow.SpeciesHash = species
	resultRow.DurationMS = logstore.Int64(result.Duration.Milliseconds())
	// Stored in the same form the history message carries, so a later
	// cell's context hashes resolve back to this row.
	resultRow.ContentJSON = tools.Stringify(processed)
	resultRow.ContentHash = config.ContentHash(resultRow.ContentJSON)
	c.logRow(ctx, resultRow)

	output := asOutputMap(processed)
	c.echo.AppendHistory(echo.Message{
		Role:    "tool",
		Content: tools.Stringify(processed),
		Metadata: map[string]any{
			"cell": c.cell.Name,
			"kind": "tool_result",
		},
	})
	return output, tools.Stringify(processed), nil
}

// resolveTool maps the tool spec to an executable: python:module.func,
// sql:path, shell:path, or a registered tool name.
func (c *cellRun) resolveTool(spec string) (tools.Tool, error) {
	timeout := durationOr(c.cell.Timeout, tools.DefaultCodeTimeout)

	switch {
	case strings.HasPrefix(spec, "python:"):
		return tools.NewPythonFunctionTool(c.cell.Name, "", strings.TrimPrefix(spec, "python:"), timeout, nil)

	case strings.HasPrefix(spec, "sql:"):
		if c.r.opts.ResearchDB == nil {
			return nil, fmt.Errorf("tool '%s' requires a research database", spec)
		}
		path := strings.TrimPrefix(spec, "sql:")
		if !filepath.IsAbs(path) && c.cascade.BaseDir != "" {
			path = filepath.Join(c.cascade.BaseDir, path)
		}
		return tools.NewSQLTool(c.cell.Name, "", c.r.opts.ResearchDB, "", path, timeout)

	case strings.HasPrefix(spec, "shell:"):
		path := strings.TrimPrefix(spec, "shell:")
		if !filepath.IsAbs(path) && c.cascade.BaseDir != "" {
			path = filepath.Join(c.cascade.BaseDir, path)
		}
		return tools.NewShellTool(c.cell.Name, "", path, c.cascade.BaseDir, timeout, nil)

	default:
		if c.r.opts.Tools == nil {
			return nil, fmt.Errorf("unknown tool '%s' (no tool registry)", spec)
		}
		tool, ok := c.r.opts.Tools.Get(spec)
		if !ok {
			return nil, fmt.Errorf("unknown tool '%s'", spec)
		}
		return tool, nil
	}
}

// executeWithRetry wraps one tool execution in the cell's retry policy.
// The timeout applies per attempt.
func (c *cellRun) executeWithRetry(ctx context.Context, tool tools.Tool, args map[string]any) (*tools.Result, error) {
	retry := c.cell.Retry
	attempts := 1
	if retry != nil {
		attempts = retry.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if d := durationOr(c.cell.Timeout, 0); d > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d)
		}
		result, err := tool.Execute(attemptCtx, args)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt < attempts {
			delay := backoffDelay(retry, attempt)
			slog.Warn("tool attempt failed, retrying",
				"cell", c.cell.Name, "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func backoffDelay(retry *config.RetryConfig, attempt int) time.Duration {
	if retry == nil {
		return 0
	}
	base := time.Second
	if retry.BaseDelay != "" {
		if d, err := time.ParseDuration(retry.BaseDelay); err == nil {
			base = d
		}
	}
	switch retry.Backoff {
	case "none":
		return 0
	case "linear":
		return base * time.Duration(attempt)
	default: // exponential
		mult := retry.Multiplier
		if mult <= 1 {
			mult = 2
		}
		d := base
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * mult)
		}
		return d
	}
}

// autoFixSettings normalizes the on_error shapes that enable LLM repair.
type autoFixSettings struct {
	enabled      bool
	model        string
	maxAttempts  int
	instructions string
}

func (c *cellRun) autoFix() autoFixSettings {
	switch v := c.cell.OnError.(type) {
	case string:
		if v == "auto_fix" {
			return autoFixSettings{enabled: true, maxAttempts: 2}
		}
	case map[string]any:
		s := autoFixSettings{maxAttempts: 2}
		if enabled, ok := v["auto_fix"].(bool); ok {
			s.enabled = enabled
		}
		if model, ok := v["model"].(string); ok {
			s.model = model
		}
		if n, ok := asInt(v["max_attempts"]); ok && n > 0 {
			s.maxAttempts = n
		}
		if ins, ok := v["instructions"].(string); ok {
			s.instructions = ins
			s.enabled = true
		}
		return s
	}
	return autoFixSettings{}
}

// tryAutoFix asks a model to repair a failed tool invocation. The model
// sees {tool_type, error, original_code, inputs} and answers with
// corrected inputs (or corrected code for sql tools).
func (c *cellRun) tryAutoFix(ctx context.Context, tool tools.Tool, args, inputs map[string]any, execErr error) (*tools.Result, error) {
	fix := c.autoFix()
	if !fix.enabled || c.r.opts.Models == nil {
		return nil, execErr
	}
	provider, err := c.r.opts.Models.Resolve(fix.model)
	if err != nil {
		return nil, execErr
	}

	system := fix.instructions
	if system == "" {
		system = "A tool invocation failed. Propose a fix. Respond with JSON only: " +
			`{"inputs": {...}} with corrected inputs, or {"code": "..."} with a corrected query for sql tools.`
	}

	lastErr := execErr
	for attempt := 1; attempt <= fix.maxAttempts; attempt++ {
		prompt := mustJSON(map[string]any{
			"tool_type":     c.cell.Tool,
			"error":         lastErr.Error(),
			"original_code": c.cell.Tool,
			"inputs":        inputs,
		})
		resp, err := provider.Generate(ctx, []llms.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("%w (auto-fix failed: %v)", lastErr, err)
		}

		var fixed struct {
			Inputs map[string]any `json:"inputs"`
			Code   string         `json:"code"`
		}
		if err := json.Unmarshal([]byte(extractJSONObject(resp.Content)), &fixed); err != nil {
			lastErr = fmt.Errorf("%w (auto-fix produced unparseable repair)", lastErr)
			continue
		}

		retryArgs := args
		if fixed.Inputs != nil {
			retryArgs = c.bindings.Map(fixed.Inputs)
		}
		var retryTool tools.Tool = tool
		if fixed.Code != "" && strings.HasPrefix(c.cell.Tool, "sql:") && c.r.opts.ResearchDB != nil {
			repaired, err := tools.NewSQLTool(c.cell.Name, "", c.r.opts.ResearchDB, fixed.Code, "", 0)
			if err == nil {
				retryTool = repaired
			}
		}

		result, err := retryTool.Execute(ctx, retryArgs)
		if err == nil {
			slog.Info("auto-fix repaired tool invocation", "cell", c.cell.Name, "attempt", attempt)
			return result, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// executeForEachRow runs the mapping query, then the row cell once per
// result row with the row bound into scope as state._row.
func (c *cellRun) executeForEachRow(ctx context.Context) (map[string]any, string, error) {
	fer := c.cell.ForEachRow
	if c.r.opts.ResearchDB == nil {
		return nil, "", fmt.Errorf("for_each_row requires a research database")
	}

	rendered, err := template.New(c.echo.Scope()).RenderString(fer.Query)
	if err != nil {
		return nil, "", fmt.Errorf("for_each_row query: %w", err)
	}
	query, ok := rendered.(string)
	if !ok {
		return nil, "", fmt.Errorf("for_each_row query must render to a string")
	}

	records, err := tools.QueryRows(ctx, c.r.opts.ResearchDB, query)
	if err != nil {
		return nil, "", err
	}
	if fer.MaxRows > 0 && len(records) > fer.MaxRows {
		records = records[:fer.MaxRows]
	}

	if fer.RowCell == nil {
		return nil, "", fmt.Errorf("for_each_row requires a row cell")
	}

	var rowOutputs []any
	for i, record := range records {
		c.echo.SetState("_row", record)
		c.echo.SetState("_row_index", i)

		if len(fer.RowInputs) > 0 {
			bound, err := template.New(c.echo.Scope()).RenderMap(fer.RowInputs)
			if err != nil {
				return nil, "", fmt.Errorf("row %d inputs: %w", i, err)
			}
			for k, v := range bound {
				c.echo.SetState(k, v)
			}
		}

		rowCell := fer.RowCell
		rowRun := c.r.newCellRun(c.cascade, c.echo, rowCell, c.genus)
		out, err := rowRun.execute(ctx, attemptState{})
		rowRun.close(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("row %d: %w", i, err)
		}
		rowOutputs = append(rowOutputs, out)
	}

	output := map[string]any{"rows": rowOutputs, "count": len(rowOutputs)}
	return output, tools.Stringify(output), nil
}

// executeScreen renders the htmx template and suspends until the human
// submits; the checkpoint response becomes the cell output.
func (c *cellRun) executeScreen(ctx context.Context, _ attemptState) (map[string]any, string, error) {
	stateKey := c.cell.Name + "_screen_checkpoint"

	// Re-entry after resume: the recorded checkpoint carries the response.
	if v, ok := c.echo.State(stateKey); ok {
		id, _ := v.(string)
		if cp, found := c.echo.Checkpoint(id); found && cp.Resolved {
			c.echo.SetState(stateKey, "")
			output := cp.Response
			if output == nil {
				output = map[string]any{}
			}
			return output, tools.Stringify(output), nil
		}
	}

	rendered, err := template.New(c.echo.Scope()).RenderString(c.cell.HTMX)
	if err != nil {
		return nil, "", fmt.Errorf("htmx template: %w", err)
	}
	html := template.Stringify(rendered)

	if c.r.HumanInput != nil {
		cp := &echo.Checkpoint{Cell: c.cell.Name, Kind: echo.CheckpointScreen,
			Payload: map[string]any{"html": html}}
		response, err := c.r.HumanInput(ctx, cp)
		if err != nil {
			return nil, "", err
		}
		if response == nil {
			response = map[string]any{}
		}
		return response, tools.Stringify(response), nil
	}

	cp := c.echo.AddCheckpoint(c.cell.Name, echo.CheckpointScreen, "", map[string]any{"html": html}, "")
	c.echo.SetState(stateKey, cp.ID)
	return nil, "", &suspendSignal{checkpoint: cp}
}

// asOutputMap normalizes a tool result into the dict shape routing and
// templates expect.
func asOutputMap(v any) map[string]any {
	switch out := v.(type) {
	case map[string]any:
		return out
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"result": out}
	}
}

// extractJSONObject pulls the outermost JSON object from a chatty reply.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
