package analytics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvbbit/lars/pkg/bus"
	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/logstore"
)

func newStore(t *testing.T) *logstore.Store {
	t.Helper()
	store, err := logstore.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newWorker(store *logstore.Store) *Worker {
	w := NewWorker(store, nil, nil)
	w.CostWait = 100 * time.Millisecond
	w.PollInterval = 10 * time.Millisecond
	return w
}

func TestClassifyInputTiers(t *testing.T) {
	cases := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{"empty", map[string]any{}, ComplexityTiny},
		{"short_string", map[string]any{"q": "hello"}, ComplexityTiny},
		{"long_string", map[string]any{"doc": strings.Repeat("x", 800)}, ComplexitySmall},
		{"big_doc", map[string]any{"doc": strings.Repeat("x", 10000)}, ComplexityLarge},
		{"huge_doc", map[string]any{"doc": strings.Repeat("x", 50000)}, ComplexityHuge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyInput(tc.input))
		})
	}

	// Deep nesting and array volume raise the tier beyond raw size.
	rows := make([]any, 60)
	for i := range rows {
		rows[i] = map[string]any{"id": i}
	}
	assert.NotEqual(t, ComplexityTiny, ClassifyInput(map[string]any{"rows": rows}))
}

func TestZScore(t *testing.T) {
	sample := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 0, zScore(3, sample), 1e-9)
	assert.Greater(t, zScore(10, sample), 2.0)

	// Zero spread never divides by zero.
	assert.Equal(t, 0.0, zScore(99, []float64{5, 5, 5}))
	assert.Equal(t, 0.0, zScore(1, nil))
}

func seedSession(t *testing.T, store *logstore.Store, sessionID string, cost float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.RecordSession(ctx, sessionID, "", "billing", "", "genus1", 0,
		map[string]any{"q": "reconcile"}))

	agent := logstore.NewRow(sessionID, logstore.NodeAgent)
	agent.CellName = "analyze"
	agent.CascadeID = "billing"
	agent.ModelActual = "gpt-4o"
	agent.SpeciesHash = "spec1"
	agent.Cost = logstore.Float(cost)
	agent.TokensIn = logstore.Int(1000)
	agent.TokensOut = logstore.Int(200)
	agent.ContentJSON = "analysis complete"
	agent.ContentHash = config.ContentHash(agent.ContentJSON)
	require.NoError(t, store.Append(ctx, agent))

	tool := logstore.NewRow(sessionID, logstore.NodeToolCall)
	tool.CellName = "fetch"
	tool.CascadeID = "billing"
	require.NoError(t, store.Append(ctx, tool))
}

func TestProcessWritesSessionAggregates(t *testing.T) {
	store := newStore(t)
	seedSession(t, store, "sess1", 0.05)

	w := newWorker(store)
	require.NoError(t, w.Process(context.Background(), "sess1", "billing"))

	a, err := store.CascadeAnalyticsForSession(context.Background(), "sess1")
	require.NoError(t, err)
	assert.Equal(t, "billing", a.CascadeID)
	assert.Equal(t, "genus1", a.GenusHash)
	assert.Equal(t, ComplexityTiny, a.InputComplexity)
	require.NotNil(t, a.TotalCost)
	assert.InDelta(t, 0.05, *a.TotalCost, 1e-9)
	assert.Equal(t, 1000, a.TotalTokensIn)
	assert.Equal(t, 200, a.TotalTokensOut)
	assert.Equal(t, 1, a.LLMCalls)
	assert.Equal(t, 1, a.ToolCalls)
	assert.Equal(t, 0, a.ErrorCount)
	// Two sessions of history is below the baseline minimum.
	assert.Empty(t, a.BaselineTier)
}

func TestBaselinesScoreAgainstPriorSessions(t *testing.T) {
	store := newStore(t)
	w := newWorker(store)

	for i, id := range []string{"p1", "p2", "p3"} {
		seedSession(t, store, id, 0.01+float64(i)*0.01)
		require.NoError(t, w.Process(context.Background(), id, "billing"))
	}

	// A session 100x more expensive than the baseline.
	seedSession(t, store, "spike", 2.0)
	require.NoError(t, w.Process(context.Background(), "spike", "billing"))

	a, err := store.CascadeAnalyticsForSession(context.Background(), "spike")
	require.NoError(t, err)
	assert.Equal(t, "cluster", a.BaselineTier)
	assert.Equal(t, 3, a.BaselineN)
	require.NotNil(t, a.CostZ)
	assert.Greater(t, *a.CostZ, outlierThreshold)
}

func TestPerCellRollup(t *testing.T) {
	store := newStore(t)
	seedSession(t, store, "sessc", 0.02)

	w := newWorker(store)
	require.NoError(t, w.Process(context.Background(), "sessc", "billing"))

	rows, err := store.DB().Query(
		`SELECT cell_name, tokens_in, turns FROM cell_analytics WHERE session_id = ? ORDER BY cell_name`,
		"sessc")
	require.NoError(t, err)
	defer rows.Close()

	cells := map[string][2]int{}
	for rows.Next() {
		var name string
		var tokensIn, turns int
		require.NoError(t, rows.Scan(&name, &tokensIn, &turns))
		cells[name] = [2]int{tokensIn, turns}
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, [2]int{1000, 1}, cells["analyze"])
	assert.Equal(t, [2]int{0, 0}, cells["fetch"])
}

func TestConfidencePassScoresFinalOutput(t *testing.T) {
	store := newStore(t)
	seedSession(t, store, "sessf", 0.02)

	models := llms.NewRegistry()
	fake := llms.NewFakeProvider("judge",
		&llms.Response{Content: `{"confidence": 0.85, "reason": "output matches the input"}`})
	require.NoError(t, models.Register("judge", fake))

	events := bus.New(16)
	defer events.Shutdown()
	sub := events.Subscribe(bus.WithTypes(bus.EventAnalyticsComplete))
	defer sub.Close()

	w := NewWorker(store, models, events)
	w.CostWait = 100 * time.Millisecond
	w.PollInterval = 10 * time.Millisecond
	w.ConfidenceModel = "judge"

	require.NoError(t, w.Process(context.Background(), "sessf", "billing"))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, 0.85, ev.Data["confidence"])
	case <-time.After(time.Second):
		t.Fatal("no analytics event published")
	}

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0][0].Content, "analysis complete")
}

func TestAttributionRecordsContextMessages(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.RecordSession(ctx, "sessa", "", "billing", "", "", 0, nil))

	source := logstore.NewRow("sessa", logstore.NodeAgent)
	source.CellName = "gather"
	source.ContentJSON = "ledger rows for March"
	source.ContentHash = config.ContentHash(source.ContentJSON)
	source.Cost = logstore.Float(0.01)
	require.NoError(t, store.Append(ctx, source))

	consumer := logstore.NewRow("sessa", logstore.NodeAgent)
	consumer.CellName = "analyze"
	consumer.ModelActual = "gpt-4o"
	consumer.TokensIn = logstore.Int(500)
	consumer.Cost = logstore.Float(0.02)
	consumer.ContextHashes = []string{source.ContentHash}
	consumer.ContentJSON = "done"
	consumer.ContentHash = config.ContentHash("done")
	require.NoError(t, store.Append(ctx, consumer))

	w := newWorker(store)
	require.NoError(t, w.Process(ctx, "sessa", "billing"))

	messages, err := store.ContextMessagesForSession(ctx, "sessa")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, source.ContentHash, messages[0].ContextHash)
	assert.Equal(t, "gather", messages[0].SourceCell)
	assert.Equal(t, consumer.TraceID, messages[0].TraceID)
	assert.Greater(t, messages[0].TokenCount, 0)
}
