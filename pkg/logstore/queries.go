package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const rowColumns = `
    session_id, trace_id, parent_trace_id, timestamp, role, node_type,
    cell_name, cascade_id, model_requested, model_actual, cost, tokens_in,
    tokens_out, duration_ms, content_json, content_hash, content_embedding,
    context_hashes, candidate_index, is_winner, mutation_applied,
    mutation_type, species_hash, genus_hash, full_request_json`

// SessionRows returns every log row of a session ordered by timestamp.
func (s *Store) SessionRows(ctx context.Context, sessionID string) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+rowColumns+` FROM logs WHERE session_id = ? ORDER BY timestamp`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session rows: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// SessionRowsByType returns a session's rows of one node type, in order.
func (s *Store) SessionRowsByType(ctx context.Context, sessionID string, nodeType NodeType) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+rowColumns+` FROM logs WHERE session_id = ? AND node_type = ? ORDER BY timestamp`),
		sessionID, string(nodeType))
	if err != nil {
		return nil, fmt.Errorf("failed to query session rows: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Row fetches one row by trace ID.
func (s *Store) Row(ctx context.Context, traceID string) (*Row, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+rowColumns+` FROM logs WHERE trace_id = ?`), traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query row: %w", err)
	}
	defer rows.Close()

	parsed, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("no log row with trace_id '%s'", traceID)
	}
	return parsed[0], nil
}

// HasCostRows reports whether any row of the session carries a non-null
// cost. The analytics worker polls this before aggregating.
func (s *Store) HasCostRows(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM logs WHERE session_id = ? AND cost IS NOT NULL`), sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count cost rows: %w", err)
	}
	return n > 0, nil
}

// CountModelRows reports how many rows of a session reference a model,
// distinguishing deterministic-only sessions from LLM ones.
func (s *Store) CountModelRows(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM logs WHERE session_id = ? AND model_requested IS NOT NULL`), sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count model rows: %w", err)
	}
	return n, nil
}

func scanRows(rows *sql.Rows) ([]*Row, error) {
	var out []*Row
	for rows.Next() {
		row := &Row{}
		var (
			parentTraceID, role, cellName, cascadeID        sql.NullString
			modelRequested, modelActual                     sql.NullString
			contentJSON, contentHash, embeddingJSON         sql.NullString
			contextHashes, mutationApplied, mutationType    sql.NullString
			speciesHash, genusHash, fullRequestJSON         sql.NullString
			cost                                            sql.NullFloat64
			tokensIn, tokensOut, candidateIndex             sql.NullInt64
			durationMS                                      sql.NullInt64
			isWinner                                        sql.NullBool
			nodeType                                        string
		)

		if err := rows.Scan(
			&row.SessionID, &row.TraceID, &parentTraceID, &row.Timestamp,
			&role, &nodeType, &cellName, &cascadeID, &modelRequested,
			&modelActual, &cost, &tokensIn, &tokensOut, &durationMS,
			&contentJSON, &contentHash, &embeddingJSON, &contextHashes,
			&candidateIndex, &isWinner, &mutationApplied, &mutationType,
			&speciesHash, &genusHash, &fullRequestJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}

		row.NodeType = NodeType(nodeType)
		row.ParentTraceID = parentTraceID.String
		row.Role = role.String
		row.CellName = cellName.String
		row.CascadeID = cascadeID.String
		row.ModelRequested = modelRequested.String
		row.ModelActual = modelActual.String
		row.ContentJSON = contentJSON.String
		row.ContentHash = contentHash.String
		row.MutationApplied = mutationApplied.String
		row.MutationType = mutationType.String
		row.SpeciesHash = speciesHash.String
		row.GenusHash = genusHash.String
		row.FullRequestJSON = fullRequestJSON.String

		if cost.Valid {
			row.Cost = Float(cost.Float64)
		}
		if tokensIn.Valid {
			row.TokensIn = Int(int(tokensIn.Int64))
		}
		if tokensOut.Valid {
			row.TokensOut = Int(int(tokensOut.Int64))
		}
		if durationMS.Valid {
			row.DurationMS = Int64(durationMS.Int64)
		}
		if candidateIndex.Valid {
			row.CandidateIndex = Int(int(candidateIndex.Int64))
		}
		if isWinner.Valid {
			row.IsWinner = Bool(isWinner.Bool)
		}
		if contextHashes.Valid && contextHashes.String != "" {
			if err := json.Unmarshal([]byte(contextHashes.String), &row.ContextHashes); err != nil {
				return nil, fmt.Errorf("failed to parse context_hashes: %w", err)
			}
		}
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			if err := json.Unmarshal([]byte(embeddingJSON.String), &row.ContentEmbedding); err != nil {
				return nil, fmt.Errorf("failed to parse embedding: %w", err)
			}
		}

		out = append(out, row)
	}
	return out, rows.Err()
}

// SessionRecord is one row of session_records.
type SessionRecord struct {
	SessionID          string         `json:"session_id"`
	ParentSessionID    string         `json:"parent_session_id,omitempty"`
	CascadeID          string         `json:"cascade_id"`
	GenusHash          string         `json:"genus_hash,omitempty"`
	Depth              int            `json:"depth"`
	InvocationMetadata map[string]any `json:"invocation_metadata,omitempty"`
}

// SessionRecord fetches the session record written at cascade start.
func (s *Store) SessionRecord(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	var parent, genus, meta sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT session_id, parent_session_id, cascade_id, genus_hash, depth, invocation_metadata_json
FROM session_records WHERE session_id = ?`), sessionID).
		Scan(&rec.SessionID, &parent, &rec.CascadeID, &genus, &rec.Depth, &meta)
	if err != nil {
		return nil, fmt.Errorf("failed to load session record '%s': %w", sessionID, err)
	}
	rec.ParentSessionID = parent.String
	rec.GenusHash = genus.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rec.InvocationMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode invocation metadata: %w", err)
		}
	}
	return &rec, nil
}
