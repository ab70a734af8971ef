package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rvbbit/lars/pkg/config"
)

// Store is the SQL-backed trace store. SQLite is the default backend;
// postgres is supported through the same schema. The monthly partition of
// the original layout is expressed here as the timestamp index.
type Store struct {
	db      *sql.DB
	dialect string

	// lastTS enforces strictly monotonic timestamps within the writer so
	// rows of a session are totally ordered at write.
	mu     sync.Mutex
	lastTS time.Time
}

const createLogsTableSQL = `
CREATE TABLE IF NOT EXISTS logs (
    session_id        VARCHAR(64) NOT NULL,
    trace_id          VARCHAR(64) NOT NULL,
    parent_trace_id   VARCHAR(64),
    timestamp         TIMESTAMP NOT NULL,
    role              VARCHAR(32),
    node_type         VARCHAR(32) NOT NULL,
    cell_name         VARCHAR(255),
    cascade_id        VARCHAR(255),
    model_requested   VARCHAR(255),
    model_actual      VARCHAR(255),
    cost              DOUBLE PRECISION,
    tokens_in         INTEGER,
    tokens_out        INTEGER,
    duration_ms       BIGINT,
    content_json      TEXT,
    content_hash      VARCHAR(64),
    content_embedding TEXT,
    context_hashes    TEXT,
    candidate_index   INTEGER,
    is_winner         BOOLEAN,
    mutation_applied  TEXT,
    mutation_type     VARCHAR(32),
    species_hash      VARCHAR(16),
    genus_hash        VARCHAR(16),
    full_request_json TEXT,
    PRIMARY KEY (trace_id)
);

CREATE INDEX IF NOT EXISTS idx_logs_session ON logs(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_cascade ON logs(cascade_id, timestamp);
`

const createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS session_records (
    session_id               VARCHAR(64) PRIMARY KEY,
    parent_session_id        VARCHAR(64),
    cascade_id               VARCHAR(255) NOT NULL,
    caller_id                VARCHAR(255),
    genus_hash               VARCHAR(16),
    depth                    INTEGER NOT NULL DEFAULT 0,
    invocation_metadata_json TEXT,
    created_at               TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_cascade ON session_records(cascade_id, created_at);
`

// New opens (or reuses) the configured database and initializes the
// schema. SQLite gets a single connection to avoid writer lock errors.
func New(cfg *config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open(cfg.DriverName(), cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.DriverName() == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dialect: cfg.Driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewMemory returns an in-memory sqlite store, used by tests and
// zero-config runs.
func NewMemory() (*Store, error) {
	return New(&config.DatabaseConfig{Driver: "sqlite"})
}

func (s *Store) initSchema() error {
	for _, ddl := range []string{
		createLogsTableSQL,
		createSessionsTableSQL,
		createRAGTablesSQL,
		createAnalyticsTablesSQL,
	} {
		if _, err := s.db.Exec(ddl); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for collaborators that share the database
// (research DBs, sql tools).
func (s *Store) DB() *sql.DB {
	return s.db
}

// nextTimestamp returns a strictly increasing timestamp.
func (s *Store) nextTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if !now.After(s.lastTS) {
		now = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = now
	return now
}

// Append writes one log row. A zero timestamp is assigned at write; rows
// within the store are totally ordered.
func (s *Store) Append(ctx context.Context, row *Row) error {
	if row.TraceID == "" {
		return fmt.Errorf("log row requires a trace_id")
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = s.nextTimestamp()
	}

	contextHashes, err := json.Marshal(row.ContextHashes)
	if err != nil {
		return fmt.Errorf("failed to marshal context_hashes: %w", err)
	}
	var embedding any
	if len(row.ContentEmbedding) > 0 {
		data, err := json.Marshal(row.ContentEmbedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		embedding = string(data)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO logs (
    session_id, trace_id, parent_trace_id, timestamp, role, node_type,
    cell_name, cascade_id, model_requested, model_actual, cost, tokens_in,
    tokens_out, duration_ms, content_json, content_hash, content_embedding,
    context_hashes, candidate_index, is_winner, mutation_applied,
    mutation_type, species_hash, genus_hash, full_request_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.SessionID, row.TraceID, nullStr(row.ParentTraceID), row.Timestamp,
		nullStr(row.Role), string(row.NodeType), nullStr(row.CellName),
		nullStr(row.CascadeID), nullStr(row.ModelRequested), nullStr(row.ModelActual),
		row.Cost, row.TokensIn, row.TokensOut, row.DurationMS,
		nullStr(row.ContentJSON), nullStr(row.ContentHash), embedding,
		string(contextHashes), row.CandidateIndex, row.IsWinner,
		nullStr(row.MutationApplied), nullStr(row.MutationType),
		nullStr(row.SpeciesHash), nullStr(row.GenusHash), nullStr(row.FullRequestJSON))
	if err != nil {
		return fmt.Errorf("failed to append log row: %w", err)
	}
	return nil
}

// PatchCost merges late-arriving cost data into an existing row,
// correlated by trace_id. The only permitted mutation of an appended row.
func (s *Store) PatchCost(ctx context.Context, traceID string, cost float64, tokensIn, tokensOut int) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE logs SET cost = ?, tokens_in = ?, tokens_out = ? WHERE trace_id = ?`),
		cost, tokensIn, tokensOut, traceID)
	if err != nil {
		return fmt.Errorf("failed to patch cost: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("no log row with trace_id '%s'", traceID)
	}
	return nil
}

// RecordSession inserts the session record row.
func (s *Store) RecordSession(ctx context.Context, sessionID, parentSessionID, cascadeID, callerID, genusHash string, depth int, invocationMetadata map[string]any) error {
	meta := ""
	if invocationMetadata != nil {
		data, err := json.Marshal(invocationMetadata)
		if err != nil {
			return fmt.Errorf("failed to marshal invocation metadata: %w", err)
		}
		meta = string(data)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO session_records (session_id, parent_session_id, cascade_id, caller_id, genus_hash, depth, invocation_metadata_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		sessionID, nullStr(parentSessionID), cascadeID, nullStr(callerID),
		nullStr(genusHash), depth, nullStr(meta), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var out []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
