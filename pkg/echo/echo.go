// Package echo holds the in-memory session record: conversation history,
// lineage, cell-addressed state, per-cell outputs and pending checkpoints.
// The echo is mirrored to the log store but remains the runner's working
// view of a session.
package echo

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rvbbit/lars/pkg/template"
)

// Message is one entry of the conversation trace.
type Message struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LineageEntry records one completed cell.
type LineageEntry struct {
	Cell       string         `json:"cell"`
	Output     map[string]any `json:"output,omitempty"`
	Model      string         `json:"model,omitempty"`
	Cost       float64        `json:"cost,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// CheckpointKind says why a session suspended.
type CheckpointKind string

const (
	CheckpointHITL          CheckpointKind = "hitl"
	CheckpointDecision      CheckpointKind = "decision"
	CheckpointHumanEval     CheckpointKind = "human_eval"
	CheckpointAudiblePause  CheckpointKind = "audible_pause"
	CheckpointScreen        CheckpointKind = "screen"
)

// Checkpoint is a pending human-input record. Its ID doubles as the
// resume token handed back to the caller.
type Checkpoint struct {
	ID            string         `json:"id"`
	Cell          string         `json:"cell"`
	Kind          CheckpointKind `json:"kind"`
	Prompt        string         `json:"prompt,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	InjectionMode string         `json:"injection_mode,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Resolved      bool           `json:"resolved"`
	Response      map[string]any `json:"response,omitempty"`
}

// Echo is the mutable session record. History, state and outputs are
// append-then-mutate; a single writer (the cell's primary goroutine)
// holds it during a cell, but background readers take the lock.
type Echo struct {
	mu sync.RWMutex

	SessionID       string
	ParentSessionID string
	Depth           int
	CascadeID       string
	Input           map[string]any

	history     []Message
	lineage     []LineageEntry
	state       map[string]any
	outputs     map[string]map[string]any
	checkpoints []*Checkpoint

	CreatedAt time.Time
}

// New creates an echo for a fresh session.
func New(cascadeID string, input map[string]any) *Echo {
	return &Echo{
		SessionID: uuid.NewString(),
		CascadeID: cascadeID,
		Input:     input,
		state:     make(map[string]any),
		outputs:   make(map[string]map[string]any),
		CreatedAt: time.Now(),
	}
}

// NewChild creates an echo for a sub-cascade session linked to its parent.
func NewChild(parent *Echo, cascadeID string, input map[string]any) *Echo {
	child := New(cascadeID, input)
	child.ParentSessionID = parent.SessionID
	child.Depth = parent.Depth + 1
	return child
}

// AppendHistory adds a message to the conversation trace.
func (e *Echo) AppendHistory(msg Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, msg)
}

// History returns a copy of the conversation trace.
func (e *Echo) History() []Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Message, len(e.history))
	copy(out, e.history)
	return out
}

// AppendLineage records a terminated cell. Cells suspended at checkpoints
// do not append lineage until resumed.
func (e *Echo) AppendLineage(entry LineageEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lineage = append(e.lineage, entry)
	if entry.Output != nil {
		e.outputs[entry.Cell] = entry.Output
	}
}

// Lineage returns a copy of the lineage.
func (e *Echo) Lineage() []LineageEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]LineageEntry, len(e.lineage))
	copy(out, e.lineage)
	return out
}

// Output returns the last dict output of a cell.
func (e *Echo) Output(cell string) (map[string]any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out, ok := e.outputs[cell]
	return out, ok
}

// SetState writes a cell-addressed state value.
func (e *Echo) SetState(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state[key] = value
}

// State reads a state value.
func (e *Echo) State(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.state[key]
	return v, ok
}

// AddCheckpoint records a pending suspension and returns it.
func (e *Echo) AddCheckpoint(cell string, kind CheckpointKind, prompt string, payload map[string]any, injectionMode string) *Checkpoint {
	cp := &Checkpoint{
		ID:            uuid.NewString(),
		Cell:          cell,
		Kind:          kind,
		Prompt:        prompt,
		Payload:       payload,
		InjectionMode: injectionMode,
		CreatedAt:     time.Now(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkpoints = append(e.checkpoints, cp)
	return cp
}

// Checkpoint finds a checkpoint by resume token.
func (e *Echo) Checkpoint(id string) (*Checkpoint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, cp := range e.checkpoints {
		if cp.ID == id {
			return cp, true
		}
	}
	return nil, false
}

// PendingCheckpoint returns the most recent unresolved checkpoint.
func (e *Echo) PendingCheckpoint() (*Checkpoint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := len(e.checkpoints) - 1; i >= 0; i-- {
		if !e.checkpoints[i].Resolved {
			return e.checkpoints[i], true
		}
	}
	return nil, false
}

// ResolveCheckpoint marks a checkpoint answered with the human response.
func (e *Echo) ResolveCheckpoint(id string, response map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range e.checkpoints {
		if cp.ID == id {
			if cp.Resolved {
				return fmt.Errorf("checkpoint '%s' already resolved", id)
			}
			cp.Resolved = true
			cp.Response = response
			return nil
		}
	}
	return fmt.Errorf("checkpoint '%s' not found", id)
}

// Scope builds the template environment for rendering against this echo.
func (e *Echo) Scope() template.Scope {
	e.mu.RLock()
	defer e.mu.RUnlock()

	outputs := make(map[string]any, len(e.outputs))
	for cell, out := range e.outputs {
		m := make(map[string]any, len(out))
		for k, v := range out {
			m[k] = v
		}
		outputs[cell] = m
	}

	state := make(map[string]any, len(e.state))
	for k, v := range e.state {
		state[k] = v
	}

	lineage := make([]any, len(e.lineage))
	for i, entry := range e.lineage {
		lineage[i] = map[string]any{
			"cell":        entry.Cell,
			"output":      entry.Output,
			"model":       entry.Model,
			"cost":        entry.Cost,
			"duration_ms": entry.DurationMS,
		}
	}

	history := make([]any, len(e.history))
	for i, msg := range e.history {
		history[i] = map[string]any{
			"role":    msg.Role,
			"content": msg.Content,
		}
	}

	return template.Scope{
		"input":   e.Input,
		"state":   state,
		"outputs": outputs,
		"lineage": lineage,
		"history": history,
	}
}

// CullOldConversationHistory keeps the most recent keepRecent messages,
// replacing the dropped prefix with a single marker message. Applying it
// twice with the same argument is a no-op the second time.
func (e *Echo) CullOldConversationHistory(keepRecent int) {
	if keepRecent <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.history) <= keepRecent {
		return
	}

	// The marker counts toward keepRecent, so the culled length is exactly
	// keepRecent and a second cull with the same argument changes nothing.
	dropped := len(e.history) - (keepRecent - 1)
	if keepRecent == 1 {
		dropped = len(e.history)
	}
	marker := Message{
		Role:    "system",
		Content: fmt.Sprintf("[%d earlier messages culled]", dropped),
		Metadata: map[string]any{
			"culled": dropped,
		},
	}

	kept := make([]Message, 0, keepRecent)
	kept = append(kept, marker)
	if keepRecent > 1 {
		kept = append(kept, e.history[dropped:]...)
	}
	e.history = kept
}
