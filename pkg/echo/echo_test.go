package echo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineageAndOutputs(t *testing.T) {
	e := New("pipeline", map[string]any{"file": "/x.csv"})
	require.NotEmpty(t, e.SessionID)

	e.AppendLineage(LineageEntry{Cell: "load", Output: map[string]any{"data": []any{1, 2, 3}}})
	e.AppendLineage(LineageEntry{Cell: "count", Output: map[string]any{"count": 3}})

	assert.Len(t, e.Lineage(), 2)

	out, ok := e.Output("load")
	require.True(t, ok)
	assert.Equal(t, []any{1, 2, 3}, out["data"])
}

func TestScopeRendersTemplates(t *testing.T) {
	e := New("pipeline", map[string]any{"file": "/x.csv"})
	e.AppendLineage(LineageEntry{Cell: "load", Output: map[string]any{"data": []any{1, 2}}})
	e.SetState("phase", "loading")

	scope := e.Scope()
	assert.Equal(t, map[string]any{"file": "/x.csv"}, scope["input"])
	outputs := scope["outputs"].(map[string]any)
	assert.Contains(t, outputs, "load")
	state := scope["state"].(map[string]any)
	assert.Equal(t, "loading", state["phase"])
}

func TestCheckpointLifecycle(t *testing.T) {
	e := New("pipeline", nil)

	cp := e.AddCheckpoint("review", CheckpointHITL, "approve?", nil, "append")
	require.NotEmpty(t, cp.ID)

	pending, ok := e.PendingCheckpoint()
	require.True(t, ok)
	assert.Equal(t, cp.ID, pending.ID)

	require.NoError(t, e.ResolveCheckpoint(cp.ID, map[string]any{"answer": "yes"}))
	_, ok = e.PendingCheckpoint()
	assert.False(t, ok)

	assert.Error(t, e.ResolveCheckpoint(cp.ID, nil), "double resolve rejected")
	assert.Error(t, e.ResolveCheckpoint("nope", nil))
}

func TestChildLinksParent(t *testing.T) {
	parent := New("parent", nil)
	child := NewChild(parent, "child", map[string]any{"k": "v"})

	assert.Equal(t, parent.SessionID, child.ParentSessionID)
	assert.Equal(t, 1, child.Depth)
	assert.Empty(t, child.History(), "no pre-populated history from parent")
}

func TestCullIdempotent(t *testing.T) {
	e := New("c", nil)
	for i := 0; i < 10; i++ {
		e.AppendHistory(Message{Role: "user", Content: "m"})
	}

	e.CullOldConversationHistory(4)
	first := e.History()
	require.Len(t, first, 4)
	assert.Contains(t, first[0].Content, "culled")

	e.CullOldConversationHistory(4)
	second := e.History()
	assert.Equal(t, first, second, "second cull with same argument is a no-op")
}

func TestSnapshotRoundTrip(t *testing.T) {
	e := New("pipeline", map[string]any{"file": "/x.csv"})
	e.AppendHistory(Message{Role: "user", Content: "hello"})
	e.AppendLineage(LineageEntry{Cell: "load", Output: map[string]any{"n": 1}})
	e.SetState("k", "v")
	cp := e.AddCheckpoint("review", CheckpointDecision, "", map[string]any{"question": "?"}, "")

	data, err := e.Snapshot("review", "checkpoint").Marshal()
	require.NoError(t, err)

	snap, err := UnmarshalSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, "review", snap.NextCell)

	restored := Restore(snap)
	assert.Equal(t, e.SessionID, restored.SessionID)
	assert.Len(t, restored.History(), 1)
	out, ok := restored.Output("load")
	require.True(t, ok)
	assert.Equal(t, float64(1), out["n"], "numbers round-trip as JSON floats")

	got, ok := restored.Checkpoint(cp.ID)
	require.True(t, ok)
	assert.Equal(t, CheckpointDecision, got.Kind)
}
