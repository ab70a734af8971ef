package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rvbbit/lars/pkg/candidates"
	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/contexts"
	"github.com/rvbbit/lars/pkg/costs"
	"github.com/rvbbit/lars/pkg/echo"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/logstore"
	"github.com/rvbbit/lars/pkg/template"
	"github.com/rvbbit/lars/pkg/tools"
)

// turnResult carries the turn loop's final state so the caller can
// suspend with enough to re-enter mid-loop.
type turnResult struct {
	content  string
	output   map[string]any
	cost     float64
	messages []llms.Message
	turns    []int
	turn     int

	// decision is set when the model emitted a <decision> block and the
	// cell has decision points enabled.
	decision map[string]any
}

// executeLLM runs an LLM cell: candidate fan-out when configured, else a
// single turn loop, then HITL checkpoint handling.
func (c *cellRun) executeLLM(ctx context.Context, resume attemptState) (map[string]any, string, error) {
	rendered, err := template.New(c.echo.Scope()).RenderString(c.cell.Instructions)
	if err != nil {
		return nil, "", fmt.Errorf("instructions: %w", err)
	}
	instructions := template.Stringify(rendered)
	c.species = config.SpeciesHash(c.cell, map[string]any{"instructions": instructions})

	// Resuming past a resolved decision point: route on the choice
	// instead of re-entering the loop.
	if c.cell.DecisionPoints != nil && c.cell.DecisionPoints.Enabled && resume.messages != nil {
		if v, ok := c.echo.State(c.cell.Name + "_decision_checkpoint"); ok {
			if id, _ := v.(string); id != "" {
				if cp, found := c.echo.Checkpoint(id); found && cp.Resolved {
					return c.handleDecision(ctx, &turnResult{
						content:  lastAssistantContent(resume.messages),
						messages: resume.messages,
						turns:    resume.turns,
						turn:     resume.turn,
					})
				}
			}
		}
	}

	// Resuming past this cell's HITL gate: fold the human response in
	// per the injection mode.
	hitlResolved := false
	if c.cell.Checkpoint != nil && resume.messages != nil {
		if response, ok := c.consumeHITL(); ok {
			hitlResolved = true
			switch c.checkpointMode() {
			case "replace":
				content := template.Stringify(response["content"])
				return parseOutput(content), content, nil
			case "input":
				// Merge the response into the input and re-run from
				// scratch.
				if c.echo.Input == nil {
					c.echo.Input = map[string]any{}
				}
				for k, v := range response {
					c.echo.Input[k] = v
				}
				c.bindings.Input = c.echo.Input
				resume = attemptState{}
			default: // append
				resume.messages = append(resume.messages, llms.Message{
					Role: "user", Content: hitlFeedback(response),
				})
				resume.turns = append(resume.turns, resume.turn)
			}
		}
	}

	cfg := c.cell.Candidates
	if cfg == nil {
		cfg = c.cascade.Candidates
	}

	var tr *turnResult
	if cfg != nil && cfg.Factor != nil && resume.messages == nil {
		tr, err = c.runCandidates(ctx, cfg, instructions)
	} else {
		tr, err = c.turnLoop(ctx, instructions, c.cell.Model, resume, false, nil)
	}
	if err != nil {
		return nil, "", err
	}

	if tr.decision != nil {
		return c.handleDecision(ctx, tr)
	}

	if c.cell.Checkpoint != nil && !hitlResolved {
		return c.suspendOnCheckpoint(tr)
	}
	return tr.output, tr.content, nil
}

func (c *cellRun) checkpointMode() string {
	if c.cell.Checkpoint == nil || c.cell.Checkpoint.InjectionMode == "" {
		return "append"
	}
	return c.cell.Checkpoint.InjectionMode
}

// hitlFeedback extracts the human's text from a checkpoint response.
func hitlFeedback(response map[string]any) string {
	if fb, ok := response["feedback"].(string); ok && fb != "" {
		return fb
	}
	return mustJSON(response)
}

// runCandidates fans the cell out through the candidate engine; each
// attempt is a shadow turn loop that never touches session history.
func (c *cellRun) runCandidates(ctx context.Context, cfg *config.CandidatesConfig, instructions string) (*turnResult, error) {
	if c.r.opts.Candidates == nil {
		return nil, fmt.Errorf("cell '%s': candidates configured but no engine wired", c.cell.Name)
	}

	attempt := func(ctx context.Context, v candidates.Variant) (*candidates.Attempt, error) {
		idx := v.Index
		model := v.Model
		if model == "" {
			model = c.cell.Model
		}
		tr, err := c.turnLoop(ctx, v.Instructions, model, attemptState{}, true, &idx)
		if err != nil {
			return nil, err
		}
		return &candidates.Attempt{
			Variant: v,
			Output:  tr.output,
			Content: tr.content,
			Cost:    tr.cost,
		}, nil
	}

	result, err := c.r.opts.Candidates.Run(ctx, c.echo.SessionID, c.cell.Name,
		cfg, instructions, c.echo.Scope(), c.bindings, attempt)
	if err != nil {
		return nil, err
	}

	for _, a := range result.Attempts {
		row := logstore.NewRow(c.echo.SessionID, logstore.NodeSoundingAttempt)
		row.Role = "assistant"
		row.CandidateIndex = logstore.Int(a.Index)
		row.IsWinner = logstore.Bool(a.IsWinner)
		row.MutationApplied = a.Mutation
		row.ModelRequested = a.Model
		row.SpeciesHash = c.species
		row.Cost = logstore.Float(a.Cost)
		if a.Err != nil {
			row.ContentJSON = mustJSON(map[string]any{"error": a.Err.Error()})
		} else {
			row.ContentJSON = a.Content
			row.ContentHash = config.ContentHash(a.Content)
		}
		c.logRow(ctx, row)
	}

	c.echo.AppendHistory(echo.Message{
		Role:    "assistant",
		Content: result.Content,
		Metadata: map[string]any{
			contexts.MetaCell: c.cell.Name,
			contexts.MetaKind: "output",
		},
	})

	return &turnResult{content: result.Content, output: result.Output}, nil
}

// suspendOnCheckpoint parks the produced output behind the cell's HITL
// gate.
func (c *cellRun) suspendOnCheckpoint(tr *turnResult) (map[string]any, string, error) {
	prompt := c.cell.Checkpoint.Prompt
	if rendered, err := template.New(c.echo.Scope()).RenderString(prompt); err == nil {
		prompt = template.Stringify(rendered)
	}
	cp := c.echo.AddCheckpoint(c.cell.Name, echo.CheckpointHITL, prompt,
		map[string]any{"content": tr.content, "output": tr.output}, c.checkpointMode())
	c.echo.SetState(c.cell.Name+"_hitl_checkpoint", cp.ID)
	return nil, "", &suspendSignal{
		checkpoint: cp,
		state:      attemptState{messages: tr.messages, turns: tr.turns, turn: tr.turn},
	}
}

// consumeHITL reports the resolved response of this cell's HITL
// checkpoint, exactly once.
func (c *cellRun) consumeHITL() (map[string]any, bool) {
	stateKey := c.cell.Name + "_hitl_checkpoint"
	v, ok := c.echo.State(stateKey)
	if !ok {
		return nil, false
	}
	id, _ := v.(string)
	cp, found := c.echo.Checkpoint(id)
	if !found || !cp.Resolved {
		return nil, false
	}
	c.echo.SetState(stateKey, "")
	return cp.Response, true
}

// handleDecision suspends on a model-emitted <decision> block, or routes
// a resolved one: continue | retry | <cell name> | fail.
func (c *cellRun) handleDecision(ctx context.Context, tr *turnResult) (map[string]any, string, error) {
	stateKey := c.cell.Name + "_decision_checkpoint"

	if v, ok := c.echo.State(stateKey); ok {
		id, _ := v.(string)
		if cp, found := c.echo.Checkpoint(id); found && cp.Resolved {
			c.echo.SetState(stateKey, "")
			choice := template.Stringify(cp.Response["choice"])
			route := "continue"
			if c.cell.DecisionPoints.Routing != nil {
				if r, ok := c.cell.DecisionPoints.Routing[choice]; ok {
					route = r
				}
			}
			switch route {
			case "continue":
				content := stripDecisionBlock(tr.content)
				return parseOutput(content), content, nil
			case "fail":
				return nil, "", fmt.Errorf("cell '%s': decision '%s' routed to fail", c.cell.Name, choice)
			case "retry":
				resume := attemptState{messages: tr.messages, turns: tr.turns, turn: tr.turn}
				resume.messages = append(resume.messages, llms.Message{
					Role: "user", Content: "Decision: " + choice,
				})
				resume.turns = append(resume.turns, tr.turn)
				next, err := c.turnLoop(ctx, "", c.cell.Model, resume, false, nil)
				if err != nil {
					return nil, "", err
				}
				if next.decision != nil {
					return c.handleDecision(ctx, next)
				}
				return next.output, next.content, nil
			default:
				output := parseOutput(stripDecisionBlock(tr.content))
				output["_route"] = route
				return output, tr.content, nil
			}
		}
	}

	question, ok := tr.decision["question"]
	if !ok {
		question = tr.decision["prompt"]
	}
	cp := c.echo.AddCheckpoint(c.cell.Name, echo.CheckpointDecision,
		template.Stringify(question), tr.decision, "")
	c.echo.SetState(stateKey, cp.ID)
	return nil, "", &suspendSignal{
		checkpoint: cp,
		state:      attemptState{messages: tr.messages, turns: tr.turns, turn: tr.turn},
	}
}

// turnLoop drives one model conversation to completion: context assembly,
// token budget, native tool calls, turn wards and loop_until. shadow runs
// never write session history or tool rows without a candidate index.
func (c *cellRun) turnLoop(ctx context.Context, instructions, model string, resume attemptState, shadow bool, candidateIndex *int) (*turnResult, error) {
	provider, err := c.r.opts.Models.Resolve(model)
	if err != nil {
		return nil, fmt.Errorf("cell '%s': %w", c.cell.Name, err)
	}

	messages := resume.messages
	turns := resume.turns
	var contextHashes []string
	if messages == nil {
		builder := contexts.NewBuilder(c.echo)
		builder.Embedder = c.r.opts.Embedder
		if sel := selectionConfig(c.cell.Context); sel != nil && (sel.Strategy == "llm" || sel.Strategy == "hybrid") {
			selModel := sel.Model
			if selModel == "" {
				selModel = c.cell.Model
			}
			selector, err := c.r.opts.Models.Resolve(selModel)
			if err != nil {
				return nil, fmt.Errorf("cell '%s' selection model: %w", c.cell.Name, err)
			}
			builder.Selector = selector
		}
		built, err := builder.Build(ctx, c.cell.Name, c.cell.Context, instructions, c.cellOrder())
		if err != nil {
			return nil, err
		}
		if c.ephemeral != nil {
			for i := range built.Messages {
				processed, err := c.ephemeral.ProcessContextInjection(ctx, built.Sources[i], built.Messages[i].Content)
				if err != nil {
					return nil, err
				}
				if s, ok := processed.(string); ok {
					built.Messages[i].Content = s
				}
			}
		}
		messages = append(messages, llms.Message{Role: "system", Content: instructions})
		turns = append(turns, 0)
		messages = append(messages, built.Messages...)
		for range built.Messages {
			turns = append(turns, 0)
		}
		contextHashes = built.Hashes
		if c.cell.Context == nil && len(c.echo.Input) > 0 {
			content := "Input: " + mustJSON(c.echo.Input)
			if c.ephemeral != nil {
				processed, err := c.ephemeral.CheckMessageContent(ctx, content)
				if err != nil {
					return nil, err
				}
				if s, ok := processed.(string); ok {
					content = s
				}
			}
			messages = append(messages, llms.Message{Role: "user", Content: content})
			turns = append(turns, 0)
		}
	}

	defs, execs, err := c.toolset()
	if err != nil {
		return nil, err
	}

	var counter *contexts.TokenCounter
	if c.cascade.TokenBudget != nil {
		if counter, err = contexts.NewTokenCounter(provider.Model()); err != nil {
			slog.Warn("token counter unavailable, skipping budget", "model", provider.Model(), "error", err)
			counter = nil
		}
	}

	window := 0
	if c.cell.Context != nil && c.cell.Context.IntraContext != nil {
		window = c.cell.Context.IntraContext.Window
	}

	var attemptStarts []int
	var lastContent string
	var lastLoopReason string
	var totalCost float64

	startTurn := resume.turn
	if startTurn < 1 {
		startTurn = 1
	}
	for turn := startTurn; turn <= c.cell.MaxTurns; turn++ {
		outbound := messages
		if window > 0 {
			outbound = contexts.MaskOldToolResults(messages, turns, turn, window)
		}
		if counter != nil && c.cascade.TokenBudget != nil {
			outbound, err = contexts.ApplyBudget(ctx, outbound, c.cascade.TokenBudget, counter, provider)
			if err != nil {
				return nil, fmt.Errorf("cell '%s': %w", c.cell.Name, err)
			}
		}

		resp, err := provider.Generate(ctx, outbound, defs)
		if err != nil {
			return nil, fmt.Errorf("cell '%s' turn %d: %w", c.cell.Name, turn, err)
		}
		lastContent = resp.Content
		priceIn, priceOut := provider.Prices()
		totalCost += llms.PriceCost(resp.Usage, priceIn, priceOut)

		row := logstore.NewRow(c.echo.SessionID, logstore.NodeAgent)
		row.Role = "assistant"
		row.ModelRequested = model
		row.ModelActual = resp.Model
		row.TokensIn = logstore.Int(resp.Usage.TokensIn)
		row.TokensOut = logstore.Int(resp.Usage.TokensOut)
		row.SpeciesHash = c.species
		row.ContentJSON = resp.Content
		row.ContentHash = config.ContentHash(resp.Content)
		row.CandidateIndex = candidateIndex
		if turn == startTurn {
			row.ContextHashes = contextHashes
			row.FullRequestJSON = mustJSON(outbound)
		}
		c.logRow(ctx, row)
		c.trackCost(provider, row.TraceID, resp)

		messages = append(messages, llms.Message{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})
		turns = append(turns, turn)

		if len(resp.ToolCalls) > 0 {
			for _, call := range resp.ToolCalls {
				toolMsg, err := c.runToolCall(ctx, execs, call, row.TraceID, candidateIndex)
				if err != nil {
					return nil, err
				}
				messages = append(messages, toolMsg)
				turns = append(turns, turn)
			}
			continue
		}

		if retryMsg, blocked, err := c.runTurnWards(ctx, resp.Content, turn); err != nil {
			return nil, err
		} else if blocked {
			messages = append(messages, llms.Message{Role: "user", Content: retryMsg})
			turns = append(turns, turn)
			continue
		}

		if c.cell.Rules != nil && c.cell.Rules.LoopUntil != nil {
			verdict, err := c.r.opts.Validators.Dispatch(ctx, c.cell.Rules.LoopUntil, resp.Content, c.bindings)
			if err != nil {
				return nil, fmt.Errorf("cell '%s' loop_until: %w", c.cell.Name, err)
			}
			if !verdict.Valid {
				lastLoopReason = verdict.Reason
				attemptStarts = append(attemptStarts, len(messages))
				if limit := c.cell.Rules.LoopHistoryLimit; limit > 0 {
					messages = trimWithTurns(&turns, messages, attemptStarts, limit)
				}
				if !c.cell.Rules.LoopUntilSilent {
					messages = append(messages, llms.Message{
						Role: "user", Content: "Not yet acceptable: " + verdict.Reason,
					})
					turns = append(turns, turn)
				}
				continue
			}
		}

		if !shadow && c.cell.Callouts != nil && c.cell.Callouts.EachTurn {
			c.applyCallout(map[string]any{"content": resp.Content})
		}

		tr := &turnResult{
			content:  resp.Content,
			output:   parseOutput(resp.Content),
			cost:     totalCost,
			messages: messages,
			turns:    turns,
			turn:     turn,
		}
		if !shadow && c.cell.DecisionPoints != nil && c.cell.DecisionPoints.Enabled {
			if d := parseDecisionBlock(resp.Content); d != nil {
				tr.decision = d
				return tr, nil
			}
		}
		if !shadow {
			c.echo.AppendHistory(echo.Message{
				Role:    "assistant",
				Content: resp.Content,
				Metadata: map[string]any{
					contexts.MetaCell: c.cell.Name,
					contexts.MetaKind: "output",
					contexts.MetaTurn: turn,
				},
			})
		}
		return tr, nil
	}

	// loop_until that never passed is a hard failure; completing with the
	// last rejected content would report an unvalidated answer as success.
	if c.cell.Rules != nil && c.cell.Rules.LoopUntil != nil {
		reason := lastLoopReason
		if reason == "" {
			reason = "validator never ran on a final answer"
		}
		return nil, fmt.Errorf("cell '%s': loop_until_exhausted after %d turns: %s",
			c.cell.Name, c.cell.MaxTurns, reason)
	}

	slog.Warn("max turns reached without settling", "cell", c.cell.Name, "max_turns", c.cell.MaxTurns)
	return &turnResult{
		content:  lastContent,
		output:   parseOutput(lastContent),
		cost:     totalCost,
		messages: messages,
		turns:    turns,
		turn:     c.cell.MaxTurns,
	}, nil
}

// toolset assembles the advertised tool definitions: the cell's traits
// from the registry plus the ephemeral retrieval tools.
func (c *cellRun) toolset() ([]llms.ToolDefinition, map[string]tools.Tool, error) {
	execs := map[string]tools.Tool{}
	var defs []llms.ToolDefinition

	if len(c.cell.Traits) > 0 {
		if c.r.opts.Tools == nil {
			return nil, nil, fmt.Errorf("cell '%s' declares traits but no tool registry is wired", c.cell.Name)
		}
		traitDefs, err := c.r.opts.Tools.Definitions(c.cell.Traits)
		if err != nil {
			return nil, nil, fmt.Errorf("cell '%s': %w", c.cell.Name, err)
		}
		defs = append(defs, traitDefs...)
		for _, name := range c.cell.Traits {
			tool, _ := c.r.opts.Tools.Get(name)
			execs[name] = tool
		}
	}

	if c.ephemeral != nil {
		for _, tool := range c.ephemeral.Tools() {
			defs = append(defs, tool.Definition())
			execs[tool.Name()] = tool
		}
	}
	return defs, execs, nil
}

// runToolCall executes one model-requested tool and returns its result
// message. Oversized results go through ephemeral interception.
func (c *cellRun) runToolCall(ctx context.Context, execs map[string]tools.Tool, call llms.ToolCall, parentTrace string, candidateIndex *int) (llms.Message, error) {
	callRow := logstore.NewRow(c.echo.SessionID, logstore.NodeToolCall)
	callRow.Role = "assistant"
	callRow.ParentTraceID = parentTrace
	callRow.CandidateIndex = candidateIndex
	callRow.ContentJSON = mustJSON(map[string]any{"tool": call.Name, "arguments": call.Arguments})
	c.logRow(ctx, callRow)

	tool, ok := execs[call.Name]
	if !ok {
		return llms.Message{
			Role: "tool", ToolCallID: call.ID, Name: call.Name,
			Content: fmt.Sprintf("error: unknown tool '%s'", call.Name),
		}, nil
	}

	result, err := tool.Execute(ctx, c.bindings.Map(call.Arguments))
	var content string
	if err != nil {
		// Tool failures go back to the model as results, not run errors.
		content = "error: " + err.Error()
	} else {
		processed := result.Output
		if c.ephemeral != nil {
			if processed, err = c.ephemeral.ProcessToolResult(ctx, call.Name, result.Output); err != nil {
				return llms.Message{}, err
			}
		}
		content = tools.Stringify(processed)
	}

	resultRow := logstore.NewRow(c.echo.SessionID, logstore.NodeToolResult)
	resultRow.Role = "tool"
	resultRow.ParentTraceID = callRow.TraceID
	resultRow.CandidateIndex = candidateIndex
	resultRow.ContentJSON = content
	resultRow.ContentHash = config.ContentHash(content)
	c.logRow(ctx, resultRow)

	return llms.Message{Role: "tool", ToolCallID: call.ID, Name: call.Name, Content: content}, nil
}

// runTurnWards reports (retryInstructions, shouldRetry) or a hard error.
func (c *cellRun) runTurnWards(ctx context.Context, content string, turn int) (string, bool, error) {
	if c.r.opts.Wards == nil || c.cell.Wards == nil || len(c.cell.Wards.Turn) == 0 {
		return "", false, nil
	}
	outcome, err := c.r.opts.Wards.Run(ctx, c.cell.Wards.Turn, "turn", content, c.bindings, turn)
	if err != nil {
		return "", false, fmt.Errorf("turn wards: %w", err)
	}
	if outcome.Passed() {
		return "", false, nil
	}
	if outcome.ShouldRetry() {
		msg := outcome.RetryInstructions()
		if msg == "" {
			msg = "Revise your answer: " + outcome.FailureReason()
		}
		return msg, true, nil
	}
	return "", false, fmt.Errorf("turn ward failed: %s", outcome.FailureReason())
}

// trackCost hands the call to the tracker in patch mode; the row is
// already appended with null cost.
func (c *cellRun) trackCost(provider llms.Provider, traceID string, resp *llms.Response) {
	if c.r.opts.Costs == nil {
		return
	}
	priceIn, priceOut := provider.Prices()
	fetcher, _ := provider.(llms.CostFetcher)
	c.r.opts.Costs.Track(&costs.Pending{
		SessionID: c.echo.SessionID,
		TraceID:   traceID,
		RequestID: resp.RequestID,
		Fetcher:   fetcher,
		Usage:     resp.Usage,
		PriceIn:   priceIn,
		PriceOut:  priceOut,
	})
}

func selectionConfig(cfg *config.ContextConfig) *config.SelectionConfig {
	if cfg == nil {
		return nil
	}
	return cfg.Selection
}

// cellOrder lists the cascade's cell names up to (excluding) this cell.
func (c *cellRun) cellOrder() []string {
	var order []string
	for _, cell := range c.cascade.Cells {
		if cell.Name == c.cell.Name {
			break
		}
		order = append(order, cell.Name)
	}
	return order
}

// trimWithTurns applies TrimLoopAttempts and rebuilds the turn index to
// match the trimmed slice.
func trimWithTurns(turns *[]int, messages []llms.Message, attemptStarts []int, limit int) []llms.Message {
	trimmed := contexts.TrimLoopAttempts(messages, attemptStarts, limit)
	dropped := len(messages) - len(trimmed)
	if dropped > 0 && len(attemptStarts) > 0 {
		cut := attemptStarts[0]
		t := append([]int{}, (*turns)[:cut]...)
		t = append(t, (*turns)[cut+dropped:]...)
		*turns = t
	}
	return trimmed
}

// parseOutput interprets the final content: a JSON object becomes the
// output dict, anything else wraps under "content".
func parseOutput(content string) map[string]any {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		var out map[string]any
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out
		}
	}
	return map[string]any{"content": content}
}

// parseDecisionBlock extracts the JSON body of a <decision> element.
func parseDecisionBlock(content string) map[string]any {
	start := strings.Index(content, "<decision>")
	end := strings.Index(content, "</decision>")
	if start < 0 || end < start {
		return nil
	}
	body := content[start+len("<decision>") : end]
	var d map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &d); err != nil {
		slog.Warn("unparseable decision block ignored", "error", err)
		return nil
	}
	return d
}

func lastAssistantContent(messages []llms.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i].Content
		}
	}
	return ""
}

func stripDecisionBlock(content string) string {
	start := strings.Index(content, "<decision>")
	end := strings.Index(content, "</decision>")
	if start < 0 || end < start {
		return content
	}
	return strings.TrimSpace(content[:start] + content[end+len("</decision>"):])
}
