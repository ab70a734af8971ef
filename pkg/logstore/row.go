// Package logstore persists the append-only session trace: one wide row
// per message/event, plus the analytics and RAG bookkeeping tables. Rows
// are never mutated after append except for late cost/token patches
// driven by the cost tracker, correlated by trace_id.
package logstore

import (
	"time"

	"github.com/google/uuid"
)

// NodeType classifies a log row.
type NodeType string

const (
	NodeAgent           NodeType = "agent"
	NodeToolCall        NodeType = "tool_call"
	NodeToolResult      NodeType = "tool_result"
	NodeSoundingAttempt NodeType = "sounding_attempt"
	NodeCheckpoint      NodeType = "checkpoint"
	NodeCostUpdate      NodeType = "cost_update"
	NodeWardResult      NodeType = "ward_result"
	NodeEmbedding       NodeType = "embedding"
	NodeSession         NodeType = "session"
	NodeError           NodeType = "error"
)

// Row is the wide log record. Nullable fields are pointers so analytics
// can distinguish absent from zero.
type Row struct {
	SessionID     string    `json:"session_id"`
	TraceID       string    `json:"trace_id"`
	ParentTraceID string    `json:"parent_trace_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	Role     string   `json:"role,omitempty"`
	NodeType NodeType `json:"node_type"`
	CellName string   `json:"cell_name,omitempty"`

	CascadeID      string `json:"cascade_id,omitempty"`
	ModelRequested string `json:"model_requested,omitempty"`
	ModelActual    string `json:"model_actual,omitempty"`

	Cost       *float64 `json:"cost,omitempty"`
	TokensIn   *int     `json:"tokens_in,omitempty"`
	TokensOut  *int     `json:"tokens_out,omitempty"`
	DurationMS *int64   `json:"duration_ms,omitempty"`

	ContentJSON      string    `json:"content_json,omitempty"`
	ContentHash      string    `json:"content_hash,omitempty"`
	ContentEmbedding []float32 `json:"content_embedding,omitempty"`

	// ContextHashes lists the content hashes of every prior message
	// injected into this call's context.
	ContextHashes []string `json:"context_hashes,omitempty"`

	CandidateIndex  *int   `json:"candidate_index,omitempty"`
	IsWinner        *bool  `json:"is_winner,omitempty"`
	MutationApplied string `json:"mutation_applied,omitempty"`
	MutationType    string `json:"mutation_type,omitempty"`

	SpeciesHash string `json:"species_hash,omitempty"`
	GenusHash   string `json:"genus_hash,omitempty"`

	FullRequestJSON string `json:"full_request_json,omitempty"`
}

// NewRow creates a row with a fresh trace ID.
func NewRow(sessionID string, nodeType NodeType) *Row {
	return &Row{
		SessionID: sessionID,
		TraceID:   uuid.NewString(),
		NodeType:  nodeType,
	}
}

// Ptr helpers for the nullable columns.
func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }
func Int64(v int64) *int64     { return &v }
func Bool(v bool) *bool        { return &v }
