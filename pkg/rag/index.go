package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/rvbbit/lars/pkg/embedders"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/logstore"
)

// IndexSpec identifies a persistent directory index. Two specs with the
// same canonical form share a rag_id and therefore an index.
type IndexSpec struct {
	Directory    string   `json:"directory"`
	Recursive    bool     `json:"recursive"`
	Include      []string `json:"include,omitempty"`
	Exclude      []string `json:"exclude,omitempty"`
	ChunkSize    int      `json:"chunk_size"`
	ChunkOverlap int      `json:"chunk_overlap"`
	EmbedModel   string   `json:"embed_model"`
}

// RagID derives the index identity from the spec's canonical JSON.
func (s *IndexSpec) RagID() (string, error) {
	abs, err := filepath.Abs(s.Directory)
	if err != nil {
		return "", fmt.Errorf("failed to resolve directory: %w", err)
	}
	canonical := *s
	canonical.Directory = abs
	sort.Strings(canonical.Include)
	sort.Strings(canonical.Exclude)

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "ragidx_" + hex.EncodeToString(sum[:])[:16], nil
}

// Index maintains one persistent directory index incrementally.
type Index struct {
	spec     IndexSpec
	ragID    string
	embedder embedders.Embedder
	vectors  *VectorStore
	store    *logstore.Store

	// Reranker, when set, enables smart search: a wider fetch reranked
	// by a cheap model.
	Reranker llms.Provider
}

func NewIndex(spec IndexSpec, embedder embedders.Embedder, vectors *VectorStore, store *logstore.Store) (*Index, error) {
	if spec.ChunkSize == 0 {
		spec.ChunkSize = 1200
	}
	if spec.EmbedModel == "" && embedder != nil {
		spec.EmbedModel = embedder.Model()
	}
	ragID, err := spec.RagID()
	if err != nil {
		return nil, err
	}
	return &Index{
		spec:     spec,
		ragID:    ragID,
		embedder: embedder,
		vectors:  vectors,
		store:    store,
	}, nil
}

func (ix *Index) RagID() string { return ix.ragID }

// BuildStats summarizes one incremental build pass.
type BuildStats struct {
	Indexed   int
	Reused    int
	Removed   int
	NewChunks int
}

// Build scans the directory, reindexes changed files, reuses unchanged
// ones via the (size, mtime) manifest, and drops files that vanished.
// All new chunks of the pass are embedded in one batch call.
func (ix *Index) Build(ctx context.Context) (*BuildStats, error) {
	files, err := ix.scan()
	if err != nil {
		return nil, err
	}

	manifest, err := ix.store.Manifest(ctx, ix.ragID)
	if err != nil {
		return nil, err
	}

	if err := ix.checkDimension(ctx); err != nil {
		return nil, err
	}

	stats := &BuildStats{}
	type pendingFile struct {
		relPath string
		info    fs.FileInfo
		chunks  []TextChunk
		lines   []int
	}
	var pending []pendingFile
	var texts []string

	seen := make(map[string]bool, len(files))
	for _, relPath := range files {
		absPath := filepath.Join(ix.spec.Directory, relPath)
		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", relPath, err)
		}
		seen[relPath] = true

		if prior, ok := manifest[relPath]; ok &&
			prior.SizeBytes == info.Size() && prior.MtimeUnix == info.ModTime().Unix() {
			stats.Reused++
			continue
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", relPath, err)
		}
		if looksBinary(data) {
			continue
		}

		text := string(data)
		chunks := ChunkText(text, ix.spec.ChunkSize, ix.spec.ChunkOverlap)
		lines := make([]int, len(chunks))
		for i, c := range chunks {
			lines[i] = 1 + strings.Count(text[:c.Start], "\n")
		}
		pending = append(pending, pendingFile{relPath: relPath, info: info, chunks: chunks, lines: lines})
		for _, c := range chunks {
			texts = append(texts, c.Text)
		}
	}

	// One provider call for the whole pass.
	var vectors [][]float32
	if len(texts) > 0 {
		vectors, err = ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed %d chunks: %w", len(texts), err)
		}
	}

	offset := 0
	for _, pf := range pending {
		docID := docIDFor(pf.relPath)

		// Replace any prior chunks of this file.
		if _, existed := manifest[pf.relPath]; existed {
			if err := ix.store.DeleteDocChunks(ctx, ix.ragID, docID); err != nil {
				return nil, err
			}
			if err := ix.vectors.DeleteDocs(ctx, ix.ragID, map[string]string{"doc_id": docID}); err != nil {
				slog.Warn("failed to drop stale vectors", "doc_id", docID, "error", err)
			}
		}

		docs := make([]Document, len(pf.chunks))
		stored := make([]*logstore.Chunk, len(pf.chunks))
		for i, c := range pf.chunks {
			embedding := vectors[offset+i]
			docs[i] = Document{
				ID:        fmt.Sprintf("%s_%s_%d", ix.ragID, docID, c.Index),
				Content:   c.Text,
				Embedding: embedding,
				Metadata: map[string]string{
					"doc_id": docID,
					"source": pf.relPath,
					"line":   fmt.Sprintf("%d", pf.lines[i]),
				},
			}
			stored[i] = &logstore.Chunk{
				RAGID:      ix.ragID,
				DocID:      docID,
				ChunkIndex: c.Index,
				Content:    c.Text,
				Embedding:  embedding,
				Metadata: map[string]any{
					"source": pf.relPath, "line": pf.lines[i],
					"char_start": c.Start, "char_end": c.End,
				},
			}
		}
		offset += len(pf.chunks)

		if err := ix.vectors.Add(ctx, ix.ragID, docs); err != nil {
			return nil, err
		}
		if err := ix.store.SaveChunks(ctx, stored); err != nil {
			return nil, err
		}
		if err := ix.store.SaveManifestEntry(ctx, &logstore.ManifestEntry{
			RAGID:     ix.ragID,
			RelPath:   pf.relPath,
			SizeBytes: pf.info.Size(),
			MtimeUnix: pf.info.ModTime().Unix(),
			DocID:     docID,
		}); err != nil {
			return nil, err
		}
		stats.Indexed++
		stats.NewChunks += len(pf.chunks)
	}

	// Drop files gone from disk.
	for relPath, entry := range manifest {
		if seen[relPath] {
			continue
		}
		if err := ix.store.DeleteDocChunks(ctx, ix.ragID, entry.DocID); err != nil {
			return nil, err
		}
		if err := ix.vectors.DeleteDocs(ctx, ix.ragID, map[string]string{"doc_id": entry.DocID}); err != nil {
			slog.Warn("failed to drop stale vectors", "doc_id", entry.DocID, "error", err)
		}
		if err := ix.store.DeleteManifestEntry(ctx, ix.ragID, relPath); err != nil {
			return nil, err
		}
		stats.Removed++
	}

	return stats, nil
}

// checkDimension refuses to mix embedding dimensions within one index.
func (ix *Index) checkDimension(ctx context.Context) error {
	chunks, err := ix.store.ChunksForRAG(ctx, ix.ragID)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if len(c.Embedding) > 0 && len(c.Embedding) != ix.embedder.Dimension() {
			return fmt.Errorf(
				"index %s holds %d-dimensional embeddings but embedder '%s' produces %d; rebuild the index",
				ix.ragID, len(c.Embedding), ix.embedder.Model(), ix.embedder.Dimension())
		}
	}
	return nil
}

// QueryHit is one persistent-index search result.
type QueryHit struct {
	ChunkID string  `json:"chunk_id"`
	DocID   string  `json:"doc_id"`
	Source  string  `json:"source"`
	Line    string  `json:"lines,omitempty"`
	Score   float32 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Query embeds the query and returns the top-k chunks. With smart set
// and a reranker configured, it fetches 3x and lets a cheap model keep
// the best k.
func (ix *Index) Query(ctx context.Context, query string, topK int, smart bool) ([]QueryHit, error) {
	if topK <= 0 {
		topK = 5
	}
	fetch := topK
	if smart {
		fetch = topK * 3
	}

	embedding, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	hits, err := ix.vectors.Query(ctx, ix.ragID, embedding, fetch)
	if err != nil {
		return nil, err
	}

	results := make([]QueryHit, 0, len(hits))
	for _, h := range hits {
		results = append(results, QueryHit{
			ChunkID: h.ID,
			DocID:   h.Metadata["doc_id"],
			Source:  h.Metadata["source"],
			Line:    h.Metadata["line"],
			Score:   h.Score,
			Snippet: h.Content,
		})
	}

	if smart && ix.Reranker != nil && len(results) > topK {
		reranked, err := ix.rerank(ctx, query, results, topK)
		if err != nil {
			slog.Warn("smart search rerank failed, keeping vector order", "error", err)
		} else {
			results = reranked
		}
	}
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (ix *Index) rerank(ctx context.Context, query string, hits []QueryHit, topK int) ([]QueryHit, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nCandidate sections:\n", query)
	for i, h := range hits {
		snippet := h.Snippet
		if len(snippet) > 400 {
			snippet = snippet[:400]
		}
		fmt.Fprintf(&sb, "[%d] (%s) %s\n", i, h.Source, snippet)
	}
	fmt.Fprintf(&sb, "\nReturn a JSON array of the %d most relevant section numbers, best first.", topK)

	resp, err := ix.Reranker.Generate(ctx, []llms.Message{
		{Role: "system", Content: "You rank retrieved sections by relevance. Respond with JSON only."},
		{Role: "user", Content: sb.String()},
	}, nil)
	if err != nil {
		return nil, err
	}

	var order []int
	if err := json.Unmarshal([]byte(extractJSONArray(resp.Content)), &order); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	out := make([]QueryHit, 0, topK)
	for _, idx := range order {
		if idx >= 0 && idx < len(hits) {
			out = append(out, hits[idx])
		}
		if len(out) == topK {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rerank selected no sections")
	}
	return out, nil
}

func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// scan enumerates candidate files relative to the index directory.
func (ix *Index) scan() ([]string, error) {
	var out []string
	root := ix.spec.Directory

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !ix.spec.Recursive {
				return fs.SkipDir
			}
			return nil
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if !ix.matches(relPath) {
			return nil
		}
		out = append(out, relPath)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}

func (ix *Index) matches(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	if len(ix.spec.Include) > 0 {
		included := false
		for _, pattern := range ix.spec.Include {
			if ok, _ := doublestar.Match(pattern, relPath); ok {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, pattern := range ix.spec.Exclude {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return false
		}
	}
	return true
}

// looksBinary sniffs the first KiB: a null byte or a high share of
// non-text bytes disqualifies the file.
func looksBinary(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	if len(head) == 0 {
		return false
	}
	nonText := 0
	for _, b := range head {
		if b == 0 {
			return true
		}
		if b < 0x09 || (b > 0x0d && b < 0x20) {
			nonText++
		}
	}
	return nonText*100 > len(head)*30
}

func docIDFor(relPath string) string {
	return sanitize(strings.TrimSuffix(relPath, filepath.Ext(relPath)))
}
