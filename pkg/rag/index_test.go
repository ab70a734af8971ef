package rag

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvbbit/lars/pkg/embedders"
	"github.com/rvbbit/lars/pkg/logstore"
)

func newIndex(t *testing.T, dir string, include, exclude []string) (*Index, *logstore.Store) {
	t.Helper()
	store, err := logstore.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	vectors, err := NewVectorStore("")
	require.NoError(t, err)

	ix, err := NewIndex(IndexSpec{
		Directory: dir,
		Recursive: true,
		Include:   include,
		Exclude:   exclude,
		ChunkSize: 200,
	}, embedders.NewFakeEmbedder(8), vectors, store)
	require.NoError(t, err)
	return ix, store
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRagIDStableAndSpecSensitive(t *testing.T) {
	spec := IndexSpec{Directory: "/tmp/docs", ChunkSize: 1200, EmbedModel: "fake"}
	a, err := spec.RagID()
	require.NoError(t, err)
	b, err := spec.RagID()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	spec.ChunkSize = 800
	c, err := spec.RagID()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestBuildIndexesAndReuses(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "alpha document content about payments.")
	writeFile(t, dir, "sub/b.md", "beta document content about refunds.")
	writeFile(t, dir, "skip.bin", string([]byte{0x00, 0x01, 0x02, 'x'}))

	ix, _ := newIndex(t, dir, []string{"**/*.md", "**/*.bin"}, nil)
	ctx := context.Background()

	stats, err := ix.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Indexed) // binary file skipped
	assert.Equal(t, 0, stats.Reused)

	// Second pass: nothing changed, everything reused.
	stats, err = ix.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Indexed)
	assert.Equal(t, 2, stats.Reused)
}

func TestBuildDetectsChangeAndRemoval(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "first version")
	writeFile(t, dir, "b.md", "doomed file")

	ix, store := newIndex(t, dir, []string{"**/*.md"}, nil)
	ctx := context.Background()

	_, err := ix.Build(ctx)
	require.NoError(t, err)

	// Change a.md (bump mtime to defeat same-second granularity) and
	// remove b.md.
	writeFile(t, dir, "a.md", "second version with more words")
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "a.md"), future, future))
	require.NoError(t, os.Remove(filepath.Join(dir, "b.md")))

	stats, err := ix.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, 1, stats.Removed)

	manifest, err := store.Manifest(ctx, ix.RagID())
	require.NoError(t, err)
	assert.Len(t, manifest, 1)
	assert.Contains(t, manifest, "a.md")
}

func TestBuildExcludeGlobs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.md", "kept")
	writeFile(t, dir, "node_modules/dep.md", "ignored")

	ix, _ := newIndex(t, dir, []string{"**/*.md"}, []string{"node_modules/**"})
	stats, err := ix.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
}

func TestDimensionDriftRefused(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "content")

	ix, store := newIndex(t, dir, []string{"**/*.md"}, nil)
	ctx := context.Background()

	// Seed a chunk with a mismatched dimension.
	require.NoError(t, store.SaveChunks(ctx, []*logstore.Chunk{{
		RAGID: ix.RagID(), DocID: "old", ChunkIndex: 0,
		Content: "old chunk", Embedding: []float32{1, 2, 3},
	}}))

	_, err := ix.Build(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rebuild")
}

func TestQueryReturnsScoredSnippets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pay.md", "Payments reconcile nightly at 2am UTC via the ledger job.")
	writeFile(t, dir, "weather.md", "Cloud cover is expected across the region tomorrow.")

	ix, _ := newIndex(t, dir, []string{"**/*.md"}, nil)
	ctx := context.Background()

	_, err := ix.Build(ctx)
	require.NoError(t, err)

	hits, err := ix.Query(ctx, "payments reconcile", 5, false)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.NotEmpty(t, h.ChunkID)
		assert.NotEmpty(t, h.Snippet)
		assert.NotEmpty(t, h.Source)
	}
}
