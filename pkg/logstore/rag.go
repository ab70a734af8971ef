package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const createRAGTablesSQL = `
CREATE TABLE IF NOT EXISTS rag_chunks (
    rag_id      VARCHAR(255) NOT NULL,
    doc_id      VARCHAR(255) NOT NULL,
    chunk_index INTEGER NOT NULL,
    content     TEXT NOT NULL,
    embedding   TEXT,
    token_count INTEGER,
    metadata    TEXT,
    created_at  TIMESTAMP NOT NULL,
    PRIMARY KEY (rag_id, doc_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_rag_chunks_rag ON rag_chunks(rag_id);

CREATE TABLE IF NOT EXISTS rag_manifest (
    rag_id     VARCHAR(255) NOT NULL,
    rel_path   VARCHAR(1024) NOT NULL,
    size_bytes BIGINT NOT NULL,
    mtime_unix BIGINT NOT NULL,
    doc_id     VARCHAR(255) NOT NULL,
    indexed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (rag_id, rel_path)
);
`

// Chunk is one stored RAG chunk. Embedding is kept alongside the text so
// an index can be rebuilt into the vector store without re-embedding.
type Chunk struct {
	RAGID      string         `json:"rag_id"`
	DocID      string         `json:"doc_id"`
	ChunkIndex int            `json:"chunk_index"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"embedding,omitempty"`
	TokenCount int            `json:"token_count,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ManifestEntry records one indexed file of a persistent RAG index. A
// file whose (size, mtime) pair is unchanged keeps its prior chunks.
type ManifestEntry struct {
	RAGID     string `json:"rag_id"`
	RelPath   string `json:"rel_path"`
	SizeBytes int64  `json:"size_bytes"`
	MtimeUnix int64  `json:"mtime_unix"`
	DocID     string `json:"doc_id"`
}

// SaveChunks writes a batch of chunks in one transaction.
func (s *Store) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
INSERT INTO rag_chunks (rag_id, doc_id, chunk_index, content, embedding, token_count, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range chunks {
		var embedding, metadata any
		if len(c.Embedding) > 0 {
			data, err := json.Marshal(c.Embedding)
			if err != nil {
				return fmt.Errorf("failed to marshal embedding: %w", err)
			}
			embedding = string(data)
		}
		if c.Metadata != nil {
			data, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal chunk metadata: %w", err)
			}
			metadata = string(data)
		}
		if _, err := stmt.ExecContext(ctx, c.RAGID, c.DocID, c.ChunkIndex,
			c.Content, embedding, c.TokenCount, metadata, now); err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

// ChunksForRAG returns all chunks of an index, ordered by doc and position.
func (s *Store) ChunksForRAG(ctx context.Context, ragID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT rag_id, doc_id, chunk_index, content, embedding, token_count, metadata
FROM rag_chunks WHERE rag_id = ? ORDER BY doc_id, chunk_index`), ragID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c := &Chunk{}
		var embedding, metadata sql.NullString
		var tokenCount sql.NullInt64
		if err := rows.Scan(&c.RAGID, &c.DocID, &c.ChunkIndex, &c.Content,
			&embedding, &tokenCount, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if tokenCount.Valid {
			c.TokenCount = int(tokenCount.Int64)
		}
		if embedding.Valid && embedding.String != "" {
			if err := json.Unmarshal([]byte(embedding.String), &c.Embedding); err != nil {
				return nil, fmt.Errorf("failed to parse chunk embedding: %w", err)
			}
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &c.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse chunk metadata: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteRAG removes every chunk and manifest entry of an index. Called on
// ephemeral-scope teardown and before a forced reindex.
func (s *Store) DeleteRAG(ctx context.Context, ragID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM rag_chunks WHERE rag_id = ?`), ragID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM rag_manifest WHERE rag_id = ?`), ragID); err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	return nil
}

// DeleteDocChunks removes one document's chunks, keeping the rest of the
// index intact. Used when a manifest entry goes stale.
func (s *Store) DeleteDocChunks(ctx context.Context, ragID, docID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM rag_chunks WHERE rag_id = ? AND doc_id = ?`), ragID, docID); err != nil {
		return fmt.Errorf("failed to delete doc chunks: %w", err)
	}
	return nil
}

// Manifest loads the indexed-file records of a persistent index keyed by
// relative path.
func (s *Store) Manifest(ctx context.Context, ragID string) (map[string]*ManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT rag_id, rel_path, size_bytes, mtime_unix, doc_id
FROM rag_manifest WHERE rag_id = ?`), ragID)
	if err != nil {
		return nil, fmt.Errorf("failed to query manifest: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*ManifestEntry)
	for rows.Next() {
		e := &ManifestEntry{}
		if err := rows.Scan(&e.RAGID, &e.RelPath, &e.SizeBytes, &e.MtimeUnix, &e.DocID); err != nil {
			return nil, fmt.Errorf("failed to scan manifest entry: %w", err)
		}
		out[e.RelPath] = e
	}
	return out, rows.Err()
}

// SaveManifestEntry upserts one indexed-file record.
func (s *Store) SaveManifestEntry(ctx context.Context, e *ManifestEntry) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM rag_manifest WHERE rag_id = ? AND rel_path = ?`), e.RAGID, e.RelPath); err != nil {
		return fmt.Errorf("failed to replace manifest entry: %w", err)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO rag_manifest (rag_id, rel_path, size_bytes, mtime_unix, doc_id, indexed_at)
VALUES (?, ?, ?, ?, ?, ?)`),
		e.RAGID, e.RelPath, e.SizeBytes, e.MtimeUnix, e.DocID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save manifest entry: %w", err)
	}
	return nil
}

// DeleteManifestEntry drops one file's record, used when the file has
// disappeared from disk.
func (s *Store) DeleteManifestEntry(ctx context.Context, ragID, relPath string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM rag_manifest WHERE rag_id = ? AND rel_path = ?`), ragID, relPath); err != nil {
		return fmt.Errorf("failed to delete manifest entry: %w", err)
	}
	return nil
}
