package rag

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvbbit/lars/pkg/embedders"
	"github.com/rvbbit/lars/pkg/logstore"
)

func newEphemeralManager(t *testing.T) (*Manager, *logstore.Store, *VectorStore) {
	t.Helper()
	store, err := logstore.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	vectors, err := NewVectorStore("")
	require.NoError(t, err)

	m := NewManager("sess-1", "research", 100, 80, 10,
		embedders.NewFakeEmbedder(8), vectors, store)
	return m, store, vectors
}

func TestSmallContentPassesThrough(t *testing.T) {
	m, _, _ := newEphemeralManager(t)

	out, err := m.ProcessToolResult(context.Background(), "web_fetch", "small result")
	require.NoError(t, err)
	assert.Equal(t, "small result", out)
	assert.Empty(t, m.Tools())
}

func TestOversizedContentIsIndexedAndReplaced(t *testing.T) {
	m, store, _ := newEphemeralManager(t)
	ctx := context.Background()

	big := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 20)
	out, err := m.ProcessToolResult(ctx, "web_fetch", big)
	require.NoError(t, err)

	placeholder, ok := out.(string)
	require.True(t, ok)
	assert.Contains(t, placeholder, "Large content from web_fetch_result")
	assert.Contains(t, placeholder, "search_web_fetch_result(query)")

	// A search tool was generated.
	require.Len(t, m.Tools(), 1)
	assert.Equal(t, "search_web_fetch_result", m.Tools()[0].Name())

	// Chunks landed in the store under an ephemeral rag_id.
	require.Len(t, m.created, 1)
	assert.True(t, strings.HasPrefix(m.created[0], "ephemeral_sess-1_research_web_fetch_result_"))
	chunks, err := store.ChunksForRAG(ctx, m.created[0])
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
}

func TestGeneratedSearchToolFindsChunks(t *testing.T) {
	m, _, _ := newEphemeralManager(t)
	ctx := context.Background()

	big := strings.Repeat("Payments reconcile nightly at 2am UTC. ", 10) +
		strings.Repeat("Unrelated filler text about weather patterns. ", 10)
	_, err := m.ProcessToolResult(ctx, "db_dump", big)
	require.NoError(t, err)

	tool := m.Tools()[0]
	res, err := tool.Execute(ctx, map[string]any{"query": "payments reconcile", "limit": 2})
	require.NoError(t, err)

	sections := res.Output.([]map[string]any)
	require.NotEmpty(t, sections)
	assert.LessOrEqual(t, len(sections), 2)
	for _, s := range sections {
		assert.Contains(t, s, "score")
		assert.Contains(t, s, "text")
	}
}

func TestPlaceholderReportsStoredChunkCount(t *testing.T) {
	m, store, _ := newEphemeralManager(t)
	ctx := context.Background()

	big := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 20)
	out, err := m.ProcessToolResult(ctx, "web_fetch", big)
	require.NoError(t, err)
	placeholder := out.(string)

	chunks, err := store.ChunksForRAG(ctx, m.created[0])
	require.NoError(t, err)
	want := fmt.Sprintf("%d searchable sections", len(chunks))
	assert.Contains(t, placeholder, want)

	// The duplicate path reuses the index and still reports the same count.
	out2, err := m.ProcessToolResult(ctx, "web_fetch_again", big)
	require.NoError(t, err)
	assert.Contains(t, out2.(string), want)
}

func TestDuplicateContentReusesIndex(t *testing.T) {
	m, _, _ := newEphemeralManager(t)
	ctx := context.Background()

	big := strings.Repeat("identical oversized payload. ", 20)
	_, err := m.ProcessToolResult(ctx, "fetch_a", big)
	require.NoError(t, err)
	_, err = m.ProcessToolResult(ctx, "fetch_b", big)
	require.NoError(t, err)

	assert.Len(t, m.created, 1)
	assert.Len(t, m.Tools(), 1)
}

func TestCleanupRemovesEverything(t *testing.T) {
	m, store, _ := newEphemeralManager(t)
	ctx := context.Background()

	big := strings.Repeat("to be deleted on cell exit. ", 20)
	_, err := m.ProcessToolResult(ctx, "scrape", big)
	require.NoError(t, err)
	ragID := m.created[0]

	m.Cleanup(ctx)

	chunks, err := store.ChunksForRAG(ctx, ragID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Empty(t, m.Tools())
	assert.Empty(t, m.created)
}

func TestListContentMeasuredSerialized(t *testing.T) {
	m, _, _ := newEphemeralManager(t)
	ctx := context.Background()

	rows := make([]any, 50)
	for i := range rows {
		rows[i] = map[string]any{"id": i, "note": strings.Repeat("n", 10)}
	}
	out, err := m.ProcessTemplateData(ctx, "query_rows", rows)
	require.NoError(t, err)

	_, isString := out.(string)
	assert.True(t, isString, "oversized structured data should be replaced by a placeholder")
}
