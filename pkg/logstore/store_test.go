package logstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndReadBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := NewRow("sess-1", NodeAgent)
	row.CellName = "draft"
	row.CascadeID = "blog_pipeline"
	row.Role = "assistant"
	row.ModelRequested = "gpt-test"
	row.Cost = Float(0.002)
	row.TokensIn = Int(120)
	row.TokensOut = Int(40)
	row.ContentJSON = `{"text":"hello"}`
	row.ContentHash = "abc123"
	row.ContextHashes = []string{"h1", "h2"}

	require.NoError(t, store.Append(ctx, row))

	got, err := store.Row(ctx, row.TraceID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, NodeAgent, got.NodeType)
	assert.Equal(t, "draft", got.CellName)
	require.NotNil(t, got.Cost)
	assert.InDelta(t, 0.002, *got.Cost, 1e-9)
	assert.Equal(t, []string{"h1", "h2"}, got.ContextHashes)
	assert.False(t, got.Timestamp.IsZero())
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, store.Append(ctx, NewRow("sess-ts", NodeToolCall)))
	}

	rows, err := store.SessionRows(ctx, "sess-ts")
	require.NoError(t, err)
	require.Len(t, rows, 50)
	for i := 1; i < len(rows); i++ {
		assert.True(t, rows[i].Timestamp.After(rows[i-1].Timestamp),
			"row %d not after row %d", i, i-1)
	}
}

func TestAppendRequiresTraceID(t *testing.T) {
	store := newTestStore(t)

	err := store.Append(context.Background(), &Row{SessionID: "s", NodeType: NodeAgent})
	assert.Error(t, err)
}

func TestPatchCost(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := NewRow("sess-2", NodeAgent)
	require.NoError(t, store.Append(ctx, row))

	require.NoError(t, store.PatchCost(ctx, row.TraceID, 0.01, 500, 200))

	got, err := store.Row(ctx, row.TraceID)
	require.NoError(t, err)
	require.NotNil(t, got.Cost)
	assert.InDelta(t, 0.01, *got.Cost, 1e-9)
	assert.Equal(t, 500, *got.TokensIn)
	assert.Equal(t, 200, *got.TokensOut)
}

func TestPatchCostUnknownTrace(t *testing.T) {
	store := newTestStore(t)

	err := store.PatchCost(context.Background(), "missing", 0.01, 1, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestHasCostRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := NewRow("sess-3", NodeAgent)
	require.NoError(t, store.Append(ctx, row))

	ok, err := store.HasCostRows(ctx, "sess-3")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.PatchCost(ctx, row.TraceID, 0.005, 10, 5))

	ok, err = store.HasCostRows(ctx, "sess-3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionRowsByType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, NewRow("sess-4", NodeAgent)))
	require.NoError(t, store.Append(ctx, NewRow("sess-4", NodeToolCall)))
	require.NoError(t, store.Append(ctx, NewRow("sess-4", NodeToolResult)))
	require.NoError(t, store.Append(ctx, NewRow("sess-other", NodeAgent)))

	rows, err := store.SessionRowsByType(ctx, "sess-4", NodeToolCall)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, NodeToolCall, rows[0].NodeType)
}

func TestRecordSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.RecordSession(ctx, "sess-5", "", "blog_pipeline", "cli",
		"deadbeef00112233", 0, map[string]any{"topic": "go"})
	require.NoError(t, err)

	// Duplicate session IDs violate the primary key.
	err = store.RecordSession(ctx, "sess-5", "", "blog_pipeline", "", "", 0, nil)
	assert.Error(t, err)
}

func TestChunkRoundTripAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunks := []*Chunk{
		{RAGID: "rag-a", DocID: "doc1", ChunkIndex: 0, Content: "first",
			Embedding: []float32{0.1, 0.2}, TokenCount: 2},
		{RAGID: "rag-a", DocID: "doc1", ChunkIndex: 1, Content: "second",
			Metadata: map[string]any{"path": "notes.md"}},
		{RAGID: "rag-b", DocID: "doc9", ChunkIndex: 0, Content: "other index"},
	}
	require.NoError(t, store.SaveChunks(ctx, chunks))

	got, err := store.ChunksForRAG(ctx, "rag-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, []float32{0.1, 0.2}, got[0].Embedding)
	assert.Equal(t, "notes.md", got[1].Metadata["path"])

	require.NoError(t, store.DeleteRAG(ctx, "rag-a"))

	got, err = store.ChunksForRAG(ctx, "rag-a")
	require.NoError(t, err)
	assert.Empty(t, got)

	// The other index is untouched.
	got, err = store.ChunksForRAG(ctx, "rag-b")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestManifestUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &ManifestEntry{
		RAGID: "rag-idx", RelPath: "docs/a.md",
		SizeBytes: 100, MtimeUnix: 1700000000, DocID: "doc-a",
	}
	require.NoError(t, store.SaveManifestEntry(ctx, entry))

	entry.SizeBytes = 150
	require.NoError(t, store.SaveManifestEntry(ctx, entry))

	manifest, err := store.Manifest(ctx, "rag-idx")
	require.NoError(t, err)
	require.Len(t, manifest, 1)
	assert.Equal(t, int64(150), manifest["docs/a.md"].SizeBytes)
}

func TestCascadeAnalyticsBaselines(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, sess := range []string{"s1", "s2", "s3"} {
		a := &CascadeAnalytics{
			SessionID:       sess,
			CascadeID:       "blog_pipeline",
			GenusHash:       "aaaa000011112222",
			InputComplexity: "medium",
			TotalCost:       Float(float64(i+1) * 0.01),
			DurationMS:      int64(1000 * (i + 1)),
			LLMCalls:        i + 1,
		}
		require.NoError(t, store.SaveCascadeAnalytics(ctx, a))
	}

	byGenus, err := store.BaselineByGenus(ctx, "aaaa000011112222", 10)
	require.NoError(t, err)
	assert.Len(t, byGenus, 3)

	byComplexity, err := store.BaselineByComplexity(ctx, "blog_pipeline", "medium", 2)
	require.NoError(t, err)
	assert.Len(t, byComplexity, 2)

	byCascade, err := store.BaselineByCascade(ctx, "other_cascade", 10)
	require.NoError(t, err)
	assert.Empty(t, byCascade)

	// Saving again for the same session replaces, not duplicates.
	require.NoError(t, store.SaveCascadeAnalytics(ctx, &CascadeAnalytics{
		SessionID: "s1", CascadeID: "blog_pipeline", GenusHash: "aaaa000011112222",
	}))
	byGenus, err = store.BaselineByGenus(ctx, "aaaa000011112222", 10)
	require.NoError(t, err)
	assert.Len(t, byGenus, 3)
}

func TestContextMessagesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	messages := []*ContextMessage{
		{SessionID: "sess-6", TraceID: "t1", ContextHash: "h1", SourceCell: "outline", Rank: 0, TokenCount: 80},
		{SessionID: "sess-6", TraceID: "t1", ContextHash: "h2", SourceCell: "research", Rank: 1, TokenCount: 200, RelevanceScore: Float(0.92)},
	}
	require.NoError(t, store.SaveContextMessages(ctx, messages))

	got, err := store.ContextMessagesForSession(ctx, "sess-6")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "h1", got[0].ContextHash)
	require.NotNil(t, got[1].RelevanceScore)
	assert.InDelta(t, 0.92, *got[1].RelevanceScore, 1e-9)
}
