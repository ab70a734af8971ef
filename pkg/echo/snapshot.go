package echo

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the serializable form of an echo plus the runner's resume
// position. A suspended session is exactly (snapshot, response) away from
// continuing, in this process or a later one.
type Snapshot struct {
	SessionID       string          `json:"session_id"`
	ParentSessionID string          `json:"parent_session_id,omitempty"`
	Depth           int             `json:"depth"`
	CascadeID       string          `json:"cascade_id"`
	Input           map[string]any  `json:"input,omitempty"`
	History         []Message       `json:"history,omitempty"`
	Lineage         []LineageEntry  `json:"lineage,omitempty"`
	State           map[string]any  `json:"state,omitempty"`
	Outputs         map[string]map[string]any `json:"outputs,omitempty"`
	Checkpoints     []*Checkpoint   `json:"checkpoints,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`

	// NextCell is where the runner re-enters on resume.
	NextCell   string `json:"next_cell,omitempty"`
	ResumeMode string `json:"resume_mode,omitempty"`
}

// Snapshot captures the echo and resume position.
func (e *Echo) Snapshot(nextCell, resumeMode string) *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := &Snapshot{
		SessionID:       e.SessionID,
		ParentSessionID: e.ParentSessionID,
		Depth:           e.Depth,
		CascadeID:       e.CascadeID,
		Input:           e.Input,
		History:         append([]Message(nil), e.history...),
		Lineage:         append([]LineageEntry(nil), e.lineage...),
		State:           make(map[string]any, len(e.state)),
		Outputs:         make(map[string]map[string]any, len(e.outputs)),
		Checkpoints:     append([]*Checkpoint(nil), e.checkpoints...),
		CreatedAt:       e.CreatedAt,
		NextCell:        nextCell,
		ResumeMode:      resumeMode,
	}
	for k, v := range e.state {
		snap.State[k] = v
	}
	for k, v := range e.outputs {
		snap.Outputs[k] = v
	}
	return snap
}

// Marshal serializes the snapshot.
func (s *Snapshot) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal echo snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot restores a snapshot.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal echo snapshot: %w", err)
	}
	return &snap, nil
}

// Restore rebuilds a live echo from a snapshot.
func Restore(snap *Snapshot) *Echo {
	e := &Echo{
		SessionID:       snap.SessionID,
		ParentSessionID: snap.ParentSessionID,
		Depth:           snap.Depth,
		CascadeID:       snap.CascadeID,
		Input:           snap.Input,
		history:         append([]Message(nil), snap.History...),
		lineage:         append([]LineageEntry(nil), snap.Lineage...),
		state:           make(map[string]any, len(snap.State)),
		outputs:         make(map[string]map[string]any, len(snap.Outputs)),
		checkpoints:     append([]*Checkpoint(nil), snap.Checkpoints...),
		CreatedAt:       snap.CreatedAt,
	}
	for k, v := range snap.State {
		e.state[k] = v
	}
	for k, v := range snap.Outputs {
		e.outputs[k] = v
	}
	if e.state == nil {
		e.state = make(map[string]any)
	}
	if e.outputs == nil {
		e.outputs = make(map[string]map[string]any)
	}
	return e
}
