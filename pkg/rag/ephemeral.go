package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rvbbit/lars/pkg/embedders"
	"github.com/rvbbit/lars/pkg/logstore"
	"github.com/rvbbit/lars/pkg/tools"
)

// Manager is the per-cell ephemeral RAG scope. Content larger than the
// threshold gets indexed and replaced with a placeholder plus a
// generated search tool; everything the manager creates is torn down on
// cell exit. Not safe for concurrent use: each cell execution owns
// exactly one.
type Manager struct {
	sessionID string
	cellName  string

	threshold    int
	chunkSize    int
	chunkOverlap int

	embedder embedders.Embedder
	vectors  *VectorStore
	store    *logstore.Store

	created []string
	seen    map[string]indexRef
	grown   []tools.Tool
}

// indexRef remembers an already-built index so duplicate content reuses
// it, placeholder included.
type indexRef struct {
	ragID  string
	chunks int
}

// DefaultThreshold is the indexing trigger in characters.
const DefaultThreshold = 25000

func NewManager(sessionID, cellName string, threshold, chunkSize, chunkOverlap int, embedder embedders.Embedder, vectors *VectorStore, store *logstore.Store) *Manager {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if chunkSize <= 0 {
		chunkSize = 1200
	}
	return &Manager{
		sessionID:    sessionID,
		cellName:     cellName,
		threshold:    threshold,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		embedder:     embedder,
		vectors:      vectors,
		store:        store,
		seen:         make(map[string]indexRef),
	}
}

// ProcessTemplateData checks rendered template values at cell entry.
func (m *Manager) ProcessTemplateData(ctx context.Context, source string, value any) (any, error) {
	return m.process(ctx, source, value)
}

// ProcessToolResult checks a tool result before it becomes a message.
func (m *Manager) ProcessToolResult(ctx context.Context, toolName string, value any) (any, error) {
	return m.process(ctx, toolName+"_result", value)
}

// ProcessContextInjection checks messages selected from prior cells.
func (m *Manager) ProcessContextInjection(ctx context.Context, sourceCell string, value any) (any, error) {
	return m.process(ctx, sourceCell+"_context", value)
}

// CheckMessageContent checks an outgoing message body.
func (m *Manager) CheckMessageContent(ctx context.Context, value any) (any, error) {
	return m.process(ctx, "message", value)
}

// Tools returns the search tools generated so far, for injection into
// the current cell's toolset.
func (m *Manager) Tools() []tools.Tool {
	return m.grown
}

// Cleanup deletes every index this manager created. Always called on
// cell exit, error or not.
func (m *Manager) Cleanup(ctx context.Context) {
	for _, ragID := range m.created {
		if m.vectors != nil {
			if err := m.vectors.Drop(ragID); err != nil {
				slog.Warn("failed to drop ephemeral index", "rag_id", ragID, "error", err)
			}
		}
		if m.store != nil {
			if err := m.store.DeleteRAG(ctx, ragID); err != nil {
				slog.Warn("failed to delete ephemeral chunks", "rag_id", ragID, "error", err)
			}
		}
	}
	m.created = nil
	m.grown = nil
}

// process measures the content and indexes it when oversized, returning
// the placeholder in place of the original value.
func (m *Manager) process(ctx context.Context, source string, value any) (any, error) {
	text, ok := measure(value)
	if !ok || len(text) <= m.threshold {
		return value, nil
	}
	if m.embedder == nil || m.vectors == nil {
		return value, nil
	}

	hash := contentHash(text)
	if ref, dup := m.seen[hash]; dup {
		return m.placeholder(source, text, ref), nil
	}

	ragID := fmt.Sprintf("ephemeral_%s_%s_%s_%s",
		m.sessionID, sanitize(m.cellName), sanitize(source), hash[:12])

	chunks := ChunkText(text, m.chunkSize, m.chunkOverlap)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed oversized content from %s: %w", source, err)
	}

	docs := make([]Document, len(chunks))
	stored := make([]*logstore.Chunk, len(chunks))
	for i, c := range chunks {
		docs[i] = Document{
			ID:        fmt.Sprintf("%s_%d", ragID, c.Index),
			Content:   c.Text,
			Embedding: vectors[i],
			Metadata: map[string]string{
				"doc_id":      source,
				"chunk_index": fmt.Sprintf("%d", c.Index),
			},
		}
		stored[i] = &logstore.Chunk{
			RAGID:      ragID,
			DocID:      source,
			ChunkIndex: c.Index,
			Content:    c.Text,
			Embedding:  vectors[i],
			Metadata:   map[string]any{"char_start": c.Start, "char_end": c.End},
		}
	}

	if err := m.vectors.Add(ctx, ragID, docs); err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.SaveChunks(ctx, stored); err != nil {
			return nil, err
		}
		row := logstore.NewRow(m.sessionID, logstore.NodeEmbedding)
		row.CellName = m.cellName
		row.ContentHash = hash
		if data, err := json.Marshal(map[string]any{
			"rag_id": ragID, "source": source, "chunks": len(chunks), "chars": len(text),
		}); err == nil {
			row.ContentJSON = string(data)
		}
		if err := m.store.Append(ctx, row); err != nil {
			slog.Warn("failed to log ephemeral index", "rag_id", ragID, "error", err)
		}
	}

	ref := indexRef{ragID: ragID, chunks: len(chunks)}
	m.created = append(m.created, ragID)
	m.seen[hash] = ref
	m.grown = append(m.grown, m.searchTool(source, ragID))

	return m.placeholder(source, text, ref), nil
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"required,description=What to look for"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Max sections to return,default=5"`
	Smart bool   `json:"smart,omitempty" jsonschema:"description=Cast a wider net before ranking"`
}

// searchTool builds the generated (query, limit, smart) tool for one
// ephemeral index.
func (m *Manager) searchTool(source, ragID string) tools.Tool {
	name := "search_" + sanitize(source)
	return &tools.FuncTool{
		ToolName:   name,
		Desc:       fmt.Sprintf("Search the indexed content from %s.", source),
		Parameters: tools.SchemaFor[searchArgs](),
		Fn: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			limit := intArg(args, "limit", 5)
			smart, _ := args["smart"].(bool)

			fetch := limit
			if smart {
				fetch = limit * 3
			}

			embedding, err := m.embedder.Embed(ctx, query)
			if err != nil {
				return nil, fmt.Errorf("failed to embed query: %w", err)
			}
			hits, err := m.vectors.Query(ctx, ragID, embedding, fetch)
			if err != nil {
				return nil, err
			}
			if len(hits) > limit {
				hits = hits[:limit]
			}

			sections := make([]map[string]any, 0, len(hits))
			for _, h := range hits {
				sections = append(sections, map[string]any{
					"chunk_id": h.ID,
					"score":    h.Score,
					"text":     h.Content,
				})
			}
			return &tools.Result{Output: sections}, nil
		},
	}
}

func (m *Manager) placeholder(source, text string, ref indexRef) string {
	toolName := "search_" + sanitize(source)
	return fmt.Sprintf(
		"[Large content from %s: %d chars, %d searchable sections. Use %s(query) to find relevant parts.]",
		source, len(text), ref.chunks, toolName)
}

// measure serializes non-string values so size is judged on the wire
// form.
func measure(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

var sanitizeReplacer = strings.NewReplacer(
	" ", "_", "-", "_", ".", "_", "/", "_", ":", "_",
)

func sanitize(s string) string {
	out := sanitizeReplacer.Replace(strings.ToLower(s))
	var b strings.Builder
	for _, r := range out {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "_")
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}
