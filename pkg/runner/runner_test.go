package runner

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvbbit/lars/pkg/candidates"
	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/echo"
	"github.com/rvbbit/lars/pkg/embedders"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/logstore"
	"github.com/rvbbit/lars/pkg/tools"
	"github.com/rvbbit/lars/pkg/validators"
	"github.com/rvbbit/lars/pkg/wards"
)

type harness struct {
	runner  *Runner
	models  *llms.Registry
	tools   *tools.Registry
	store   *logstore.Store
	dispat  *validators.Dispatcher
	candEng *candidates.Engine
}

func newHarness(t *testing.T, provider llms.Provider) *harness {
	t.Helper()

	models := llms.NewRegistry()
	if provider != nil {
		require.NoError(t, models.Register("main", provider))
	}
	store, err := logstore.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	toolReg := tools.NewRegistry()
	dispatcher := validators.NewDispatcher(toolReg, nil)
	candEng := candidates.NewEngine(models, dispatcher, nil)

	r := New(Options{
		Models:     models,
		Store:      store,
		Tools:      toolReg,
		Validators: dispatcher,
		Wards:      wards.NewEngine(dispatcher, store, nil),
		Candidates: candEng,
	})
	return &harness{runner: r, models: models, tools: toolReg, store: store, dispat: dispatcher, candEng: candEng}
}

func llmCell(name, instructions string, mutate ...func(*config.Cell)) *config.Cell {
	cell := &config.Cell{Name: name, Instructions: instructions, Model: "main"}
	for _, m := range mutate {
		m(cell)
	}
	return cell
}

func TestLinearCascadeCompletes(t *testing.T) {
	provider := llms.NewFakeProvider("main",
		&llms.Response{Content: "alpha"},
		&llms.Response{Content: "beta"},
	)
	h := newHarness(t, provider)
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "linear",
		Cells: []*config.Cell{
			llmCell("a", "first", func(c *config.Cell) { c.Handoffs = []string{"b"} }),
			llmCell("b", "second"),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "linear", map[string]any{"q": "hi"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "beta", outcome.Output["content"])
	assert.Len(t, outcome.Echo.Lineage(), 2)
}

func TestRoutingOnStatus(t *testing.T) {
	provider := llms.NewFakeProvider("main",
		&llms.Response{Content: `{"status": "needs_review"}`},
		&llms.Response{Content: "reviewed"},
	)
	h := newHarness(t, provider)
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "routed",
		Cells: []*config.Cell{
			llmCell("triage", "triage it", func(c *config.Cell) {
				c.Routing = map[string]string{"needs_review": "review", "default": "done"}
			}),
			llmCell("review", "review it"),
			llmCell("done", "wrap up"),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "routed", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "reviewed", outcome.Output["content"])
}

func TestDeterministicToolCell(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.tools.Register(&tools.FuncTool{
		ToolName: "double",
		Fn: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			n, _ := args["n"].(int)
			return &tools.Result{Output: map[string]any{"doubled": n * 2}}, nil
		},
	}))
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "calc",
		Cells: []*config.Cell{
			{Name: "double_it", Tool: "double", ToolInputs: map[string]any{"n": "{{input.n}}"}},
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "calc", map[string]any{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, 6, outcome.Output["doubled"])
}

func TestToolRetryEventuallySucceeds(t *testing.T) {
	h := newHarness(t, nil)
	calls := 0
	require.NoError(t, h.tools.Register(&tools.FuncTool{
		ToolName: "flaky",
		Fn: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			calls++
			if calls < 3 {
				return nil, fmt.Errorf("transient failure %d", calls)
			}
			return &tools.Result{Output: map[string]any{"ok": true}}, nil
		},
	}))
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "retrying",
		Cells: []*config.Cell{
			{Name: "attempt", Tool: "flaky",
				Retry: &config.RetryConfig{MaxAttempts: 3, Backoff: "none"}},
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "retrying", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, true, outcome.Output["ok"])
	assert.Equal(t, 3, calls)
}

func TestOnErrorRoutesToFallbackCell(t *testing.T) {
	provider := llms.NewFakeProvider("main", &llms.Response{Content: "recovered"})
	h := newHarness(t, provider)
	require.NoError(t, h.tools.Register(&tools.FuncTool{
		ToolName: "broken",
		Fn: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return nil, fmt.Errorf("always fails")
		},
	}))
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "fallback",
		Cells: []*config.Cell{
			{Name: "risky", Tool: "broken", OnError: "cleanup"},
			llmCell("cleanup", "explain what went wrong"),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "fallback", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "recovered", outcome.Output["content"])

	errState, ok := outcome.Echo.State("risky_error")
	require.True(t, ok)
	assert.Contains(t, errState.(string), "always fails")
}

func TestCheckpointSuspendAndResumeAppend(t *testing.T) {
	provider := llms.NewFakeProvider("main",
		&llms.Response{Content: "first draft"},
		&llms.Response{Content: "shorter draft"},
	)
	h := newHarness(t, provider)
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "gated",
		Cells: []*config.Cell{
			llmCell("draft", "write it", func(c *config.Cell) {
				c.Checkpoint = &config.CheckpointConfig{Prompt: "Approve?"}
			}),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "gated", nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, outcome.Status)
	require.NotNil(t, outcome.Checkpoint)
	assert.Equal(t, echo.CheckpointHITL, outcome.Checkpoint.Kind)
	assert.Equal(t, "first draft", outcome.Checkpoint.Payload["content"])

	resumed, err := h.runner.Resume(context.Background(), outcome.ResumeToken,
		map[string]any{"feedback": "make it shorter"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, "shorter draft", resumed.Output["content"])

	// The resumed generation saw the human feedback as a user turn.
	calls := provider.Calls()
	require.Len(t, calls, 2)
	last := calls[1][len(calls[1])-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "make it shorter", last.Content)
}

func TestScreenCellSuspendsAndReturnsResponse(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "form",
		Cells: []*config.Cell{
			{Name: "intake", HTMX: "<form>{{input.q}}</form>"},
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "form", map[string]any{"q": "topic?"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, outcome.Status)
	assert.Equal(t, echo.CheckpointScreen, outcome.Checkpoint.Kind)
	assert.Contains(t, outcome.Checkpoint.Payload["html"], "topic?")

	resumed, err := h.runner.Resume(context.Background(), outcome.ResumeToken,
		map[string]any{"answer": "chargebacks"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, "chargebacks", resumed.Output["answer"])
}

func TestScreenCellInlineHumanInput(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.HumanInput = func(ctx context.Context, cp *echo.Checkpoint) (map[string]any, error) {
		assert.Equal(t, echo.CheckpointScreen, cp.Kind)
		return map[string]any{"approved": true}, nil
	}
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "inline_form",
		Cells:     []*config.Cell{{Name: "ask", HTMX: "<p>ok?</p>"}},
	}))

	outcome, err := h.runner.Run(context.Background(), "inline_form", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, true, outcome.Output["approved"])
}

func TestDecisionPointSuspendsAndRoutes(t *testing.T) {
	content := `Result ready.
<decision>{"prompt": "Ship it?", "options": [{"id": "ship"}, {"id": "redo"}]}</decision>`
	provider := llms.NewFakeProvider("main", &llms.Response{Content: content})
	h := newHarness(t, provider)
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "deciding",
		Cells: []*config.Cell{
			llmCell("work", "do the work", func(c *config.Cell) {
				c.DecisionPoints = &config.DecisionPointsConfig{
					Enabled: true,
					Routing: map[string]string{"ship": "continue", "redo": "fail"},
				}
			}),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "deciding", nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, outcome.Status)
	assert.Equal(t, echo.CheckpointDecision, outcome.Checkpoint.Kind)
	assert.Equal(t, "Ship it?", outcome.Checkpoint.Prompt)

	resumed, err := h.runner.Resume(context.Background(), outcome.ResumeToken,
		map[string]any{"choice": "ship"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, "Result ready.", resumed.Output["content"])
}

func TestLoopUntilRetriesUntilValid(t *testing.T) {
	provider := llms.NewFakeProvider("main",
		&llms.Response{Content: "no digits here"},
		&llms.Response{Content: "the answer is 42"},
	)
	h := newHarness(t, provider)
	require.NoError(t, h.tools.Register(&tools.FuncTool{
		ToolName: "has_number",
		Fn: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			content, _ := args["content"].(string)
			valid := strings.ContainsAny(content, "0123456789")
			return &tools.Result{Output: map[string]any{"valid": valid, "reason": "needs a number"}}, nil
		},
	}))
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "looping",
		Cells: []*config.Cell{
			llmCell("compute", "give a number", func(c *config.Cell) {
				c.Rules = &config.RulesConfig{LoopUntil: "has_number"}
			}),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "looping", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "the answer is 42", outcome.Output["content"])

	calls := provider.Calls()
	require.Len(t, calls, 2)
	last := calls[1][len(calls[1])-1]
	assert.Equal(t, "user", last.Role)
	assert.Contains(t, last.Content, "needs a number")
}

func TestLoopUntilExhaustionFailsCell(t *testing.T) {
	provider := llms.NewFakeProvider("main",
		&llms.Response{Content: "attempt one"},
		&llms.Response{Content: "attempt two"},
		&llms.Response{Content: "attempt three"},
	)
	h := newHarness(t, provider)
	require.NoError(t, h.tools.Register(&tools.FuncTool{
		ToolName: "never_satisfied",
		Fn: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return &tools.Result{Output: map[string]any{"valid": false, "reason": "still wrong"}}, nil
		},
	}))
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "stubborn",
		Cells: []*config.Cell{
			llmCell("compute", "give a number", func(c *config.Cell) {
				c.MaxTurns = 3
				c.Rules = &config.RulesConfig{LoopUntil: "never_satisfied"}
			}),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "stubborn", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop_until_exhausted")
	assert.Contains(t, err.Error(), "still wrong")
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Len(t, provider.Calls(), 3)
}

func TestTurnWardRetryInjectsInstructions(t *testing.T) {
	provider := llms.NewFakeProvider("main",
		&llms.Response{Content: "claim without source"},
		&llms.Response{Content: "claim [source: ledger]"},
	)
	h := newHarness(t, provider)
	require.NoError(t, h.tools.Register(&tools.FuncTool{
		ToolName: "cited",
		Fn: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			content, _ := args["content"].(string)
			return &tools.Result{Output: map[string]any{"valid": strings.Contains(content, "[source:")}}, nil
		},
	}))
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "warded",
		Cells: []*config.Cell{
			llmCell("answer", "answer with sources", func(c *config.Cell) {
				c.Wards = &config.WardsConfig{Turn: []config.WardConfig{{
					Validator:         "cited",
					Mode:              config.WardModeRetry,
					MaxAttempts:       2,
					RetryInstructions: "Add a citation",
				}}}
			}),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "warded", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "claim [source: ledger]", outcome.Output["content"])

	calls := provider.Calls()
	require.Len(t, calls, 2)
	last := calls[1][len(calls[1])-1]
	assert.Equal(t, "Add a citation", last.Content)
}

func TestNativeToolCallLoop(t *testing.T) {
	provider := llms.NewFakeProvider("main",
		&llms.Response{ToolCalls: []llms.ToolCall{{ID: "c1", Name: "lookup", Arguments: map[string]any{"key": "rate"}}}},
		&llms.Response{Content: "the rate is 7%"},
	)
	h := newHarness(t, provider)
	require.NoError(t, h.tools.Register(&tools.FuncTool{
		ToolName: "lookup",
		Fn: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return &tools.Result{Output: map[string]any{"value": "7%"}}, nil
		},
	}))
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "tooling",
		Cells: []*config.Cell{
			llmCell("ask", "find the rate", func(c *config.Cell) { c.Traits = []string{"lookup"} }),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "tooling", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "the rate is 7%", outcome.Output["content"])

	// Second call carries the tool result message back to the model.
	calls := provider.Calls()
	require.Len(t, calls, 2)
	last := calls[1][len(calls[1])-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Contains(t, last.Content, "7%")
}

func TestSubCascadeOutputLandsInState(t *testing.T) {
	provider := llms.NewFakeProvider("main",
		&llms.Response{Content: "child says hi"},
		&llms.Response{Content: "parent done"},
	)
	h := newHarness(t, provider)
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "child",
		Cells:     []*config.Cell{llmCell("greet", "greet")},
	}))
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "parent",
		Cells: []*config.Cell{
			llmCell("main_work", "use the child", func(c *config.Cell) {
				c.SubCascades = []config.SubCascadeConfig{{
					Ref:       "child",
					OutputKey: "greeting",
					InputMap:  map[string]string{"q": "{{input.q}}"},
				}}
			}),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "parent", map[string]any{"q": "hello"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)

	greeting, ok := outcome.Echo.State("greeting")
	require.True(t, ok)
	assert.Equal(t, "child says hi", greeting.(map[string]any)["content"])
}

func TestCandidateCellLogsSoundingAttempts(t *testing.T) {
	provider := llms.NewFakeProvider("main",
		&llms.Response{Content: "one"},
		&llms.Response{Content: "two"},
		&llms.Response{Content: "three"},
	)
	evaluator := llms.NewFakeProvider("eval", &llms.Response{Content: `{"winner": 2}`})
	h := newHarness(t, provider)
	require.NoError(t, h.models.Register("eval", evaluator))

	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "sounding",
		Cells: []*config.Cell{
			llmCell("fanout", "draft it", func(c *config.Cell) {
				c.Candidates = &config.CandidatesConfig{
					Factor:         3,
					MaxParallel:    1,
					EvaluatorModel: "eval",
				}
			}),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "sounding", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "three", outcome.Output["content"])

	rows, err := h.store.DB().Query(
		`SELECT candidate_index, is_winner FROM logs
		 WHERE session_id = ? AND node_type = 'sounding_attempt'
		 ORDER BY candidate_index`, outcome.SessionID)
	require.NoError(t, err)
	defer rows.Close()

	var indices []int
	winners := 0
	for rows.Next() {
		var idx int
		var winner bool
		require.NoError(t, rows.Scan(&idx, &winner))
		indices = append(indices, idx)
		if winner {
			winners++
		}
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int{0, 1, 2}, indices)
	assert.Equal(t, 1, winners)
}

func TestCandidateAttemptsShareSpeciesHash(t *testing.T) {
	provider := llms.NewFakeProvider("main",
		&llms.Response{Content: "one"},
		&llms.Response{Content: "two"},
		&llms.Response{Content: "three"},
	)
	evaluator := llms.NewFakeProvider("eval", &llms.Response{Content: `{"winner": 0}`})
	h := newHarness(t, provider)
	require.NoError(t, h.models.Register("eval", evaluator))

	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "sounding_identity",
		Cells: []*config.Cell{
			llmCell("fanout", "draft it", func(c *config.Cell) {
				c.Candidates = &config.CandidatesConfig{
					Factor:         3,
					MaxParallel:    1,
					EvaluatorModel: "eval",
				}
			}),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "sounding_identity", nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, outcome.Status)

	rows, err := h.store.SessionRows(context.Background(), outcome.SessionID)
	require.NoError(t, err)

	hashes := map[string]bool{}
	agents, soundings := 0, 0
	for _, row := range rows {
		switch row.NodeType {
		case logstore.NodeAgent:
			if row.CandidateIndex == nil {
				continue
			}
			agents++
			// variants without a model override fall back to the cell's own
			assert.Equal(t, "main", row.ModelRequested)
		case logstore.NodeSoundingAttempt:
			soundings++
		default:
			continue
		}
		require.NotEmpty(t, row.SpeciesHash)
		hashes[row.SpeciesHash] = true
	}
	assert.Equal(t, 3, agents)
	assert.Equal(t, 3, soundings)
	assert.Len(t, hashes, 1, "mutated variants must share the cell's species hash")
}

func TestContextHashesResolveToLoggedRows(t *testing.T) {
	provider := llms.NewFakeProvider("main",
		&llms.Response{Content: "gathered ledger rows"},
		&llms.Response{Content: "final summary"},
	)
	h := newHarness(t, provider)
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "attributed",
		Cells: []*config.Cell{
			llmCell("gather", "collect", func(c *config.Cell) { c.Handoffs = []string{"summarize"} }),
			llmCell("summarize", "summarize it", func(c *config.Cell) {
				c.Context = &config.ContextConfig{From: []any{"gather"}}
			}),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "attributed", nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, outcome.Status)

	rows, err := h.store.SessionRows(context.Background(), outcome.SessionID)
	require.NoError(t, err)

	logged := map[string]bool{}
	for _, row := range rows {
		if row.ContentHash != "" {
			logged[row.ContentHash] = true
		}
	}
	checked := 0
	for _, row := range rows {
		for _, hash := range row.ContextHashes {
			checked++
			assert.True(t, logged[hash], "context hash %s has no matching content_hash", hash)
		}
	}
	assert.Greater(t, checked, 0)
}

func TestSemanticContextSelectionUsesEngineEmbedder(t *testing.T) {
	provider := llms.NewFakeProvider("main",
		&llms.Response{Content: "alpha findings"},
		&llms.Response{Content: "semantic summary"},
	)
	models := llms.NewRegistry()
	require.NoError(t, models.Register("main", provider))
	store, err := logstore.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	toolReg := tools.NewRegistry()

	r := New(Options{
		Models:     models,
		Store:      store,
		Tools:      toolReg,
		Validators: validators.NewDispatcher(toolReg, nil),
		Embedder:   embedders.NewFakeEmbedder(8),
	})
	require.NoError(t, r.Register(&config.Cascade{
		CascadeID: "semantic_pick",
		Cells: []*config.Cell{
			llmCell("gather", "collect", func(c *config.Cell) { c.Handoffs = []string{"conclude"} }),
			llmCell("conclude", "conclude", func(c *config.Cell) {
				c.Context = &config.ContextConfig{
					Selection: &config.SelectionConfig{Strategy: "semantic", MaxMessages: 5},
				}
			}),
		},
	}))

	outcome, err := r.Run(context.Background(), "semantic_pick", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "semantic summary", outcome.Output["content"])
}

func TestDecisionBlockQuestionBecomesPrompt(t *testing.T) {
	content := `Done.
<decision>{"question": "Deploy now?", "options": [{"id": "go"}]}</decision>`
	provider := llms.NewFakeProvider("main", &llms.Response{Content: content})
	h := newHarness(t, provider)
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "asking",
		Cells: []*config.Cell{
			llmCell("work", "do it", func(c *config.Cell) {
				c.DecisionPoints = &config.DecisionPointsConfig{Enabled: true}
			}),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "asking", nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, outcome.Status)
	assert.Equal(t, "Deploy now?", outcome.Checkpoint.Prompt)
}

func TestAudibleReroutes(t *testing.T) {
	provider := llms.NewFakeProvider("main",
		&llms.Response{Content: `{"risk": "high"}`},
		&llms.Response{Content: "escalated"},
	)
	h := newHarness(t, provider)
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "audible",
		Cells: []*config.Cell{
			llmCell("assess", "assess risk", func(c *config.Cell) {
				c.Audibles = []config.AudibleConfig{{
					When:   "outputs.assess.risk == 'high'",
					Action: "reroute",
					Target: "escalate",
					Reason: "high risk output",
				}}
			}),
			llmCell("escalate", "escalate"),
		},
	}))

	outcome, err := h.runner.Run(context.Background(), "audible", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "escalated", outcome.Output["content"])
}

func TestUnknownCascadeFails(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.runner.Run(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cascade")
}

func TestMissingRequiredInputFails(t *testing.T) {
	h := newHarness(t, llms.NewFakeProvider("main"))
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID:    "strict",
		InputsSchema: map[string]string{"topic": "string"},
		Cells:        []*config.Cell{llmCell("go", "go")},
	}))

	_, err := h.runner.Run(context.Background(), "strict", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topic")
}

func TestHookAbortStopsCascade(t *testing.T) {
	provider := llms.NewFakeProvider("main", &llms.Response{Content: "never used"})
	h := newHarness(t, provider)
	h.runner.Hooks.OnCellStart = func(ctx context.Context, event HookEvent) HookDecision {
		return Abort
	}
	require.NoError(t, h.runner.Register(&config.Cascade{
		CascadeID: "hooked",
		Cells:     []*config.Cell{llmCell("a", "x")},
	}))

	outcome, err := h.runner.Run(context.Background(), "hooked", nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Empty(t, provider.Calls())
}
