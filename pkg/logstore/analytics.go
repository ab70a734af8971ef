package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const createAnalyticsTablesSQL = `
CREATE TABLE IF NOT EXISTS cascade_analytics (
    session_id       VARCHAR(64) PRIMARY KEY,
    cascade_id       VARCHAR(255) NOT NULL,
    genus_hash       VARCHAR(16),
    input_complexity VARCHAR(16),
    total_cost       DOUBLE PRECISION,
    total_tokens_in  INTEGER,
    total_tokens_out INTEGER,
    duration_ms      BIGINT,
    llm_calls        INTEGER,
    tool_calls       INTEGER,
    error_count      INTEGER,
    cost_z           DOUBLE PRECISION,
    duration_z       DOUBLE PRECISION,
    tokens_z         DOUBLE PRECISION,
    baseline_tier    VARCHAR(16),
    baseline_n       INTEGER,
    created_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cascade_analytics_cascade ON cascade_analytics(cascade_id, created_at);
CREATE INDEX IF NOT EXISTS idx_cascade_analytics_genus ON cascade_analytics(genus_hash, created_at);

CREATE TABLE IF NOT EXISTS cell_analytics (
    session_id   VARCHAR(64) NOT NULL,
    cell_name    VARCHAR(255) NOT NULL,
    cascade_id   VARCHAR(255) NOT NULL,
    species_hash VARCHAR(16),
    model        VARCHAR(255),
    cost         DOUBLE PRECISION,
    tokens_in    INTEGER,
    tokens_out   INTEGER,
    duration_ms  BIGINT,
    turns        INTEGER,
    cost_z       DOUBLE PRECISION,
    duration_z   DOUBLE PRECISION,
    created_at   TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, cell_name)
);

CREATE INDEX IF NOT EXISTS idx_cell_analytics_species ON cell_analytics(species_hash, created_at);

CREATE TABLE IF NOT EXISTS context_messages (
    session_id      VARCHAR(64) NOT NULL,
    trace_id        VARCHAR(64) NOT NULL,
    context_hash    VARCHAR(64) NOT NULL,
    source_cell     VARCHAR(255),
    source_session  VARCHAR(64),
    rank            INTEGER NOT NULL,
    token_count     INTEGER,
    relevance_score DOUBLE PRECISION,
    created_at      TIMESTAMP NOT NULL,
    PRIMARY KEY (trace_id, rank)
);

CREATE INDEX IF NOT EXISTS idx_context_messages_session ON context_messages(session_id);
CREATE INDEX IF NOT EXISTS idx_context_messages_hash ON context_messages(context_hash);
`

// CascadeAnalytics is the per-session aggregate written by the analytics
// worker once costs settle.
type CascadeAnalytics struct {
	SessionID       string   `json:"session_id"`
	CascadeID       string   `json:"cascade_id"`
	GenusHash       string   `json:"genus_hash,omitempty"`
	InputComplexity string   `json:"input_complexity,omitempty"`
	TotalCost       *float64 `json:"total_cost,omitempty"`
	TotalTokensIn   int      `json:"total_tokens_in"`
	TotalTokensOut  int      `json:"total_tokens_out"`
	DurationMS      int64    `json:"duration_ms"`
	LLMCalls        int      `json:"llm_calls"`
	ToolCalls       int      `json:"tool_calls"`
	ErrorCount      int      `json:"error_count"`
	CostZ           *float64 `json:"cost_z,omitempty"`
	DurationZ       *float64 `json:"duration_z,omitempty"`
	TokensZ         *float64 `json:"tokens_z,omitempty"`
	BaselineTier    string   `json:"baseline_tier,omitempty"`
	BaselineN       int      `json:"baseline_n"`
}

// CellAnalytics is the per-cell rollup within one session.
type CellAnalytics struct {
	SessionID   string   `json:"session_id"`
	CellName    string   `json:"cell_name"`
	CascadeID   string   `json:"cascade_id"`
	SpeciesHash string   `json:"species_hash,omitempty"`
	Model       string   `json:"model,omitempty"`
	Cost        *float64 `json:"cost,omitempty"`
	TokensIn    int      `json:"tokens_in"`
	TokensOut   int      `json:"tokens_out"`
	DurationMS  int64    `json:"duration_ms"`
	Turns       int      `json:"turns"`
	CostZ       *float64 `json:"cost_z,omitempty"`
	DurationZ   *float64 `json:"duration_z,omitempty"`
}

// ContextMessage attributes one injected context message to the LLM call
// (trace) that consumed it.
type ContextMessage struct {
	SessionID      string   `json:"session_id"`
	TraceID        string   `json:"trace_id"`
	ContextHash    string   `json:"context_hash"`
	SourceCell     string   `json:"source_cell,omitempty"`
	SourceSession  string   `json:"source_session,omitempty"`
	Rank           int      `json:"rank"`
	TokenCount     int      `json:"token_count,omitempty"`
	RelevanceScore *float64 `json:"relevance_score,omitempty"`
}

// SaveCascadeAnalytics upserts the session aggregate. Reruns replace the
// earlier record so the optional relevance pass can enrich it.
func (s *Store) SaveCascadeAnalytics(ctx context.Context, a *CascadeAnalytics) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM cascade_analytics WHERE session_id = ?`), a.SessionID); err != nil {
		return fmt.Errorf("failed to replace cascade analytics: %w", err)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO cascade_analytics (
    session_id, cascade_id, genus_hash, input_complexity, total_cost,
    total_tokens_in, total_tokens_out, duration_ms, llm_calls, tool_calls,
    error_count, cost_z, duration_z, tokens_z, baseline_tier, baseline_n, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.SessionID, a.CascadeID, nullStr(a.GenusHash), nullStr(a.InputComplexity),
		a.TotalCost, a.TotalTokensIn, a.TotalTokensOut, a.DurationMS,
		a.LLMCalls, a.ToolCalls, a.ErrorCount, a.CostZ, a.DurationZ, a.TokensZ,
		nullStr(a.BaselineTier), a.BaselineN, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save cascade analytics: %w", err)
	}
	return nil
}

// SaveCellAnalytics writes the per-cell rollups of a session.
func (s *Store) SaveCellAnalytics(ctx context.Context, cells []*CellAnalytics) error {
	for _, c := range cells {
		if _, err := s.db.ExecContext(ctx, s.rebind(
			`DELETE FROM cell_analytics WHERE session_id = ? AND cell_name = ?`),
			c.SessionID, c.CellName); err != nil {
			return fmt.Errorf("failed to replace cell analytics: %w", err)
		}
		_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO cell_analytics (
    session_id, cell_name, cascade_id, species_hash, model, cost, tokens_in,
    tokens_out, duration_ms, turns, cost_z, duration_z, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			c.SessionID, c.CellName, c.CascadeID, nullStr(c.SpeciesHash),
			nullStr(c.Model), c.Cost, c.TokensIn, c.TokensOut, c.DurationMS,
			c.Turns, c.CostZ, c.DurationZ, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to save cell analytics: %w", err)
		}
	}
	return nil
}

// SaveContextMessages writes the per-message context attribution of a
// session in one transaction.
func (s *Store) SaveContextMessages(ctx context.Context, messages []*ContextMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
INSERT INTO context_messages (
    session_id, trace_id, context_hash, source_cell, source_session, rank,
    token_count, relevance_score, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare context message insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range messages {
		if _, err := stmt.ExecContext(ctx, m.SessionID, m.TraceID, m.ContextHash,
			nullStr(m.SourceCell), nullStr(m.SourceSession), m.Rank,
			m.TokenCount, m.RelevanceScore, now); err != nil {
			return fmt.Errorf("failed to insert context message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit context messages: %w", err)
	}
	return nil
}

// CascadeAnalyticsForSession loads one session's aggregate, if present.
func (s *Store) CascadeAnalyticsForSession(ctx context.Context, sessionID string) (*CascadeAnalytics, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		cascadeAnalyticsSelect+` WHERE session_id = ?`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cascade analytics: %w", err)
	}
	defer rows.Close()

	parsed, err := scanCascadeAnalytics(rows)
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, nil
	}
	return parsed[0], nil
}

// BaselineByGenus returns recent aggregates sharing a genus hash, newest
// first. The tightest of the three baseline tiers.
func (s *Store) BaselineByGenus(ctx context.Context, genusHash string, limit int) ([]*CascadeAnalytics, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		cascadeAnalyticsSelect+` WHERE genus_hash = ? ORDER BY created_at DESC LIMIT ?`),
		genusHash, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query genus baseline: %w", err)
	}
	defer rows.Close()
	return scanCascadeAnalytics(rows)
}

// BaselineByComplexity returns recent aggregates of a cascade at one
// input-complexity tier, newest first.
func (s *Store) BaselineByComplexity(ctx context.Context, cascadeID, complexity string, limit int) ([]*CascadeAnalytics, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		cascadeAnalyticsSelect+` WHERE cascade_id = ? AND input_complexity = ? ORDER BY created_at DESC LIMIT ?`),
		cascadeID, complexity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query complexity baseline: %w", err)
	}
	defer rows.Close()
	return scanCascadeAnalytics(rows)
}

// BaselineByCascade returns recent aggregates of a cascade regardless of
// input shape, newest first. The loosest baseline tier.
func (s *Store) BaselineByCascade(ctx context.Context, cascadeID string, limit int) ([]*CascadeAnalytics, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		cascadeAnalyticsSelect+` WHERE cascade_id = ? ORDER BY created_at DESC LIMIT ?`),
		cascadeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cascade baseline: %w", err)
	}
	defer rows.Close()
	return scanCascadeAnalytics(rows)
}

// CellBaseline returns recent rollups sharing a species hash, newest
// first, for per-cell Z-scores.
func (s *Store) CellBaseline(ctx context.Context, speciesHash string, limit int) ([]*CellAnalytics, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT session_id, cell_name, cascade_id, species_hash, model, cost,
    tokens_in, tokens_out, duration_ms, turns, cost_z, duration_z
FROM cell_analytics WHERE species_hash = ? ORDER BY created_at DESC LIMIT ?`),
		speciesHash, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cell baseline: %w", err)
	}
	defer rows.Close()

	var out []*CellAnalytics
	for rows.Next() {
		c := &CellAnalytics{}
		var speciesHash, model sql.NullString
		var cost, costZ, durationZ sql.NullFloat64
		if err := rows.Scan(&c.SessionID, &c.CellName, &c.CascadeID, &speciesHash,
			&model, &cost, &c.TokensIn, &c.TokensOut, &c.DurationMS, &c.Turns,
			&costZ, &durationZ); err != nil {
			return nil, fmt.Errorf("failed to scan cell analytics: %w", err)
		}
		c.SpeciesHash = speciesHash.String
		c.Model = model.String
		if cost.Valid {
			c.Cost = Float(cost.Float64)
		}
		if costZ.Valid {
			c.CostZ = Float(costZ.Float64)
		}
		if durationZ.Valid {
			c.DurationZ = Float(durationZ.Float64)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ContextMessagesForSession returns the attribution rows of a session.
func (s *Store) ContextMessagesForSession(ctx context.Context, sessionID string) ([]*ContextMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT session_id, trace_id, context_hash, source_cell, source_session,
    rank, token_count, relevance_score
FROM context_messages WHERE session_id = ? ORDER BY trace_id, rank`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query context messages: %w", err)
	}
	defer rows.Close()

	var out []*ContextMessage
	for rows.Next() {
		m := &ContextMessage{}
		var sourceCell, sourceSession sql.NullString
		var tokenCount sql.NullInt64
		var relevance sql.NullFloat64
		if err := rows.Scan(&m.SessionID, &m.TraceID, &m.ContextHash,
			&sourceCell, &sourceSession, &m.Rank, &tokenCount, &relevance); err != nil {
			return nil, fmt.Errorf("failed to scan context message: %w", err)
		}
		m.SourceCell = sourceCell.String
		m.SourceSession = sourceSession.String
		if tokenCount.Valid {
			m.TokenCount = int(tokenCount.Int64)
		}
		if relevance.Valid {
			m.RelevanceScore = Float(relevance.Float64)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const cascadeAnalyticsSelect = `
SELECT session_id, cascade_id, genus_hash, input_complexity, total_cost,
    total_tokens_in, total_tokens_out, duration_ms, llm_calls, tool_calls,
    error_count, cost_z, duration_z, tokens_z, baseline_tier, baseline_n
FROM cascade_analytics`

func scanCascadeAnalytics(rows *sql.Rows) ([]*CascadeAnalytics, error) {
	var out []*CascadeAnalytics
	for rows.Next() {
		a := &CascadeAnalytics{}
		var genusHash, complexity, tier sql.NullString
		var totalCost, costZ, durationZ, tokensZ sql.NullFloat64
		if err := rows.Scan(&a.SessionID, &a.CascadeID, &genusHash, &complexity,
			&totalCost, &a.TotalTokensIn, &a.TotalTokensOut, &a.DurationMS,
			&a.LLMCalls, &a.ToolCalls, &a.ErrorCount, &costZ, &durationZ,
			&tokensZ, &tier, &a.BaselineN); err != nil {
			return nil, fmt.Errorf("failed to scan cascade analytics: %w", err)
		}
		a.GenusHash = genusHash.String
		a.InputComplexity = complexity.String
		a.BaselineTier = tier.String
		if totalCost.Valid {
			a.TotalCost = Float(totalCost.Float64)
		}
		if costZ.Valid {
			a.CostZ = Float(costZ.Float64)
		}
		if durationZ.Valid {
			a.DurationZ = Float(durationZ.Float64)
		}
		if tokensZ.Valid {
			a.TokensZ = Float(tokensZ.Float64)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
