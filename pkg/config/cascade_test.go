package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleCascade = `
cascade_id: pipeline
inputs_schema:
  file: path to the input file
cells:
  - name: load
    tool: "python:mod.load"
    tool_inputs:
      path: "{{input.file}}"
    handoffs: [count]
  - name: count
    tool: "python:mod.count"
    tool_inputs:
      data: "{{outputs.load.data}}"
  - name: summarize
    instructions: "Summarize the data"
    max_turns: 4
    wards:
      post:
        - validator:
            python: "result = {'valid': True, 'reason': ''}"
          mode: advisory
`

func TestLoadCascadeBytes(t *testing.T) {
	cascade, err := LoadCascadeBytes([]byte(sampleCascade))
	require.NoError(t, err)

	assert.Equal(t, "pipeline", cascade.CascadeID)
	require.Len(t, cascade.Cells, 3)

	load := cascade.Cell("load")
	require.NotNil(t, load)
	assert.Equal(t, CellKindDeterministic, load.Kind())
	assert.Equal(t, []string{"count"}, load.Handoffs)

	sum := cascade.Cell("summarize")
	require.NotNil(t, sum)
	assert.Equal(t, CellKindLLM, sum.Kind())
	assert.Equal(t, 4, sum.MaxTurns)
	require.NotNil(t, sum.Wards)
	assert.Equal(t, WardModeAdvisory, sum.Wards.Post[0].Mode)
}

func TestCascadeRoundTrip(t *testing.T) {
	cascade, err := LoadCascadeBytes([]byte(sampleCascade))
	require.NoError(t, err)

	data, err := yaml.Marshal(cascade)
	require.NoError(t, err)

	reloaded, err := LoadCascadeBytes(data)
	require.NoError(t, err)

	assert.Equal(t, cascade.CascadeID, reloaded.CascadeID)
	require.Len(t, reloaded.Cells, len(cascade.Cells))
	for i, cell := range cascade.Cells {
		assert.Equal(t, cell.Name, reloaded.Cells[i].Name)
		assert.Equal(t, cell.Kind(), reloaded.Cells[i].Kind())
		assert.Equal(t, cell.Handoffs, reloaded.Cells[i].Handoffs)
	}
}

func TestCellDiscriminatorExactlyOne(t *testing.T) {
	_, err := LoadCascadeBytes([]byte(`
cascade_id: bad
cells:
  - name: both
    instructions: "do it"
    tool: some_tool
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")

	_, err = LoadCascadeBytes([]byte(`
cascade_id: bad2
cells:
  - name: neither
    handoffs: []
`))
	// a cell with none of the discriminators is a screen cell only if htmx
	// is set; empty is invalid
	require.Error(t, err)
}

func TestUnknownKeysRejected(t *testing.T) {
	_, err := LoadCascadeBytes([]byte(`
cascade_id: bad
cells:
  - name: a
    instructions: hi
    no_such_field: true
`))
	require.Error(t, err)
}

func TestUnknownHandoffRejected(t *testing.T) {
	_, err := LoadCascadeBytes([]byte(`
cascade_id: bad
cells:
  - name: a
    instructions: hi
    handoffs: [missing]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cell")
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"2h", 2 * time.Hour, false},
		{"10x", 0, true},
		{"", 0, true},
		{"s", 0, true},
		{"-3s", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTimeout(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseValidatorSpec(t *testing.T) {
	spec, err := ParseValidatorSpec("my_checker")
	require.NoError(t, err)
	assert.Equal(t, "my_checker", spec.Name)
	assert.False(t, spec.IsInline())

	spec, err = ParseValidatorSpec(map[string]any{"python": "result = {}"})
	require.NoError(t, err)
	assert.True(t, spec.IsInline())
	assert.Equal(t, "python", spec.Language)

	spec, err = ParseValidatorSpec(map[string]any{
		"tool":   "sql",
		"inputs": map[string]any{"query": "select 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sql", spec.Tool)

	_, err = ParseValidatorSpec(map[string]any{"cobol": "..."})
	assert.Error(t, err)

	_, err = ParseValidatorSpec(map[string]any{"python": "a", "bash": "b"})
	assert.Error(t, err)

	_, err = ParseValidatorSpec(42)
	assert.Error(t, err)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("LARS_TEST_MODEL", "gpt-test")

	cascade, err := LoadCascadeBytes([]byte(`
cascade_id: env
cells:
  - name: a
    instructions: hi
    model: "${LARS_TEST_MODEL}"
  - name: b
    instructions: hi
    model: "${LARS_MISSING_VAR:-fallback}"
`))
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", cascade.Cells[0].Model)
	assert.Equal(t, "fallback", cascade.Cells[1].Model)
}

func TestTokenBudgetValidate(t *testing.T) {
	b := &TokenBudgetConfig{MaxTotal: 0}
	assert.Error(t, b.Validate())

	b = &TokenBudgetConfig{MaxTotal: 1000, Strategy: "invent"}
	assert.Error(t, b.Validate())

	b = &TokenBudgetConfig{MaxTotal: 1000, Strategy: "summarize"}
	assert.NoError(t, b.Validate())
}
