package contexts

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/echo"
	"github.com/rvbbit/lars/pkg/embedders"
	"github.com/rvbbit/lars/pkg/llms"
)

func seededEcho(t *testing.T) *echo.Echo {
	t.Helper()
	e := echo.New("demo", map[string]any{"topic": "refunds"})

	e.AppendLineage(echo.LineageEntry{Cell: "load", Output: map[string]any{"rows": 3}})
	e.AppendHistory(echo.Message{
		Role: "assistant", Content: "loaded three refund rows",
		Metadata: map[string]any{MetaCell: "load", MetaKind: "output"},
	})

	e.AppendLineage(echo.LineageEntry{Cell: "analyze", Output: map[string]any{"verdict": "ok"}})
	e.AppendHistory(echo.Message{
		Role: "assistant", Content: "IMPORTANT: refund totals exceed the reconciled ledger",
		Metadata: map[string]any{MetaCell: "analyze", MetaKind: "output", MetaCallout: "finding"},
	})
	e.AppendHistory(echo.Message{
		Role: "tool", Content: "raw sql dump with weather trivia",
		Metadata: map[string]any{MetaCell: "analyze", MetaKind: "tool_result"},
	})
	e.SetState("analyze", map[string]any{"flagged": true})
	return e
}

func TestExplicitFromPreviousKeyword(t *testing.T) {
	e := seededEcho(t)
	b := NewBuilder(e)

	built, err := b.Build(context.Background(), "report", &config.ContextConfig{
		From: []any{"previous"},
	}, "", []string{"load", "analyze"})
	require.NoError(t, err)

	// input + previous cell's output
	require.Len(t, built.Messages, 2)
	assert.Contains(t, built.Messages[0].Content, "refunds")
	assert.Contains(t, built.Messages[1].Content, "Output from analyze")
	assert.Equal(t, "analyze", built.Sources[1])
	// input has no backing row, so only the output contributes a hash
	require.Len(t, built.Hashes, 1)
	assert.Equal(t, config.ContentHash("IMPORTANT: refund totals exceed the reconciled ledger"),
		built.Hashes[0])
}

func TestBuiltHashesResolveToStoredContent(t *testing.T) {
	e := seededEcho(t)
	b := NewBuilder(e)

	// Hashes of everything the log store has seen: the raw history bodies.
	logged := map[string]bool{}
	for _, msg := range e.History() {
		logged[config.ContentHash(msg.Content)] = true
	}

	built, err := b.Build(context.Background(), "report", &config.ContextConfig{
		From: []any{"all", map[string]any{
			"cell":    "analyze",
			"include": []any{"messages", "state"},
		}},
	}, "", []string{"load", "analyze"})
	require.NoError(t, err)

	require.NotEmpty(t, built.Hashes)
	for _, h := range built.Hashes {
		assert.True(t, logged[h], "context hash %s does not match any stored content", h)
	}
}

func TestExplicitFromAllExpandsEveryPriorCell(t *testing.T) {
	e := seededEcho(t)
	b := NewBuilder(e)

	includeInput := false
	built, err := b.Build(context.Background(), "report", &config.ContextConfig{
		From:         []any{"all"},
		IncludeInput: &includeInput,
	}, "", []string{"load", "analyze"})
	require.NoError(t, err)

	require.Len(t, built.Messages, 2)
	assert.Contains(t, built.Messages[0].Content, "Output from load")
	assert.Contains(t, built.Messages[1].Content, "Output from analyze")
}

func TestExplicitStructuredSource(t *testing.T) {
	e := seededEcho(t)
	b := NewBuilder(e)

	includeInput := false
	built, err := b.Build(context.Background(), "report", &config.ContextConfig{
		From: []any{map[string]any{
			"cell":    "analyze",
			"include": []any{"messages", "state"},
			"as_role": "user",
		}},
		IncludeInput: &includeInput,
	}, "", []string{"load", "analyze"})
	require.NoError(t, err)

	// two analyze history messages + state entry
	require.Len(t, built.Messages, 3)
	for _, msg := range built.Messages {
		assert.Equal(t, "user", msg.Role)
	}
	assert.Contains(t, built.Messages[2].Content, "flagged")
}

func TestExplicitSourceConditionSkips(t *testing.T) {
	e := seededEcho(t)
	b := NewBuilder(e)

	includeInput := false
	built, err := b.Build(context.Background(), "report", &config.ContextConfig{
		From: []any{map[string]any{
			"cell":      "load",
			"condition": "input.topic == 'chargebacks'",
		}},
		IncludeInput: &includeInput,
	}, "", []string{"load"})
	require.NoError(t, err)
	assert.Empty(t, built.Messages)
}

func TestAutoAnchorsAlwaysIncluded(t *testing.T) {
	e := seededEcho(t)
	b := NewBuilder(e)

	built, err := b.Build(context.Background(), "report", &config.ContextConfig{
		Anchors: []config.AnchorConfig{{Type: "callouts"}},
	}, "anything", nil)
	require.NoError(t, err)

	require.Len(t, built.Messages, 1)
	assert.Contains(t, built.Messages[0].Content, "IMPORTANT")
}

func TestHeuristicSelectionPrefersOverlap(t *testing.T) {
	e := echo.New("demo", nil)
	e.AppendHistory(echo.Message{Role: "assistant", Content: "refund ledger reconciliation details",
		Metadata: map[string]any{MetaCell: "a"}})
	e.AppendHistory(echo.Message{Role: "assistant", Content: "unrelated weather forecast chatter",
		Metadata: map[string]any{MetaCell: "b"}})

	b := NewBuilder(e)
	built, err := b.Build(context.Background(), "report", &config.ContextConfig{
		Selection: &config.SelectionConfig{Strategy: "heuristic", MaxMessages: 1},
	}, "summarize the refund ledger reconciliation", nil)
	require.NoError(t, err)

	require.Len(t, built.Messages, 1)
	assert.Contains(t, built.Messages[0].Content, "refund ledger")
}

func TestSemanticSelectionThreshold(t *testing.T) {
	e := echo.New("demo", nil)
	e.AppendHistory(echo.Message{Role: "assistant", Content: "alpha", Metadata: map[string]any{MetaCell: "a"}})

	b := NewBuilder(e)
	b.Embedder = embedders.NewFakeEmbedder(8)

	// The fake embedder is content-hashed, so an impossible threshold
	// filters everything out.
	built, err := b.Build(context.Background(), "report", &config.ContextConfig{
		Selection: &config.SelectionConfig{Strategy: "semantic", Threshold: 1.1, MaxMessages: 5},
	}, "query", nil)
	require.NoError(t, err)
	assert.Empty(t, built.Messages)
}

func TestLLMSelectionParsesIndices(t *testing.T) {
	e := echo.New("demo", nil)
	e.AppendHistory(echo.Message{Role: "assistant", Content: "first", Metadata: map[string]any{MetaCell: "a"}})
	e.AppendHistory(echo.Message{Role: "assistant", Content: "second", Metadata: map[string]any{MetaCell: "b"}})

	b := NewBuilder(e)
	b.Selector = llms.NewFakeProvider("selector", &llms.Response{Content: "Relevant: [1]"})

	built, err := b.Build(context.Background(), "report", &config.ContextConfig{
		Selection: &config.SelectionConfig{Strategy: "llm", MaxMessages: 5},
	}, "query", nil)
	require.NoError(t, err)

	require.Len(t, built.Messages, 1)
	assert.Equal(t, "second", built.Messages[0].Content)
}

func TestApplyBudgetSlidingWindowKeepsSystemAndNewest(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)

	messages := []llms.Message{
		{Role: "system", Content: "you are a careful analyst"},
	}
	for i := 0; i < 20; i++ {
		messages = append(messages, llms.Message{
			Role: "user", Content: strings.Repeat("filler words here ", 20),
		})
	}
	messages = append(messages, llms.Message{Role: "user", Content: "the final question"})

	out, err := ApplyBudget(context.Background(), messages, &config.TokenBudgetConfig{
		MaxTotal:         300,
		Strategy:         "sliding_window",
		ReserveForOutput: 50,
	}, counter, nil)
	require.NoError(t, err)

	assert.Less(t, len(out), len(messages))
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "the final question", out[len(out)-1].Content)
	assert.LessOrEqual(t, counter.CountMessages(out), 250)
}

func TestApplyBudgetFailStrategy(t *testing.T) {
	counter, err := NewTokenCounter("")
	require.NoError(t, err)

	messages := []llms.Message{{Role: "user", Content: strings.Repeat("word ", 500)}}
	_, err = ApplyBudget(context.Background(), messages, &config.TokenBudgetConfig{
		MaxTotal: 100, Strategy: "fail",
	}, counter, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestApplyBudgetSummarize(t *testing.T) {
	counter, err := NewTokenCounter("")
	require.NoError(t, err)

	summarizer := llms.NewFakeProvider("summ", &llms.Response{Content: "condensed history"})
	messages := []llms.Message{{Role: "system", Content: "sys"}}
	for i := 0; i < 10; i++ {
		messages = append(messages, llms.Message{Role: "user", Content: strings.Repeat("chunk ", 30)})
	}

	out, err := ApplyBudget(context.Background(), messages, &config.TokenBudgetConfig{
		MaxTotal: 400, Strategy: "summarize", ReserveForOutput: 10,
	}, counter, summarizer)
	require.NoError(t, err)

	joined := ""
	for _, m := range out {
		joined += m.Content + "\n"
	}
	assert.Contains(t, joined, "condensed history")
}

func TestMaskOldToolResults(t *testing.T) {
	messages := []llms.Message{
		{Role: "assistant", Content: "calling tool"},
		{Role: "tool", Content: "enormous payload from turn one"},
		{Role: "tool", Content: "fresh payload"},
	}
	turns := []int{1, 1, 5}

	out := MaskOldToolResults(messages, turns, 5, 3)
	assert.Equal(t, "calling tool", out[0].Content)
	assert.Contains(t, out[1].Content, "elided")
	assert.Equal(t, "fresh payload", out[2].Content)
	// input untouched
	assert.Contains(t, messages[1].Content, "enormous")
}

func TestTrimLoopAttempts(t *testing.T) {
	messages := []llms.Message{
		{Role: "system", Content: "prompt"},
		{Role: "assistant", Content: "attempt 1"},
		{Role: "assistant", Content: "attempt 2"},
		{Role: "assistant", Content: "attempt 3"},
	}

	out := TrimLoopAttempts(messages, []int{1, 2, 3}, 2)
	require.Len(t, out, 3)
	assert.Equal(t, "prompt", out[0].Content)
	assert.Equal(t, "attempt 2", out[1].Content)
	assert.Equal(t, "attempt 3", out[2].Content)
}

func TestCountMessagesIncludesOverhead(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)

	single := counter.CountMessages([]llms.Message{{Role: "user", Content: "hello"}})
	assert.Greater(t, single, counter.Count("hello"))
}
