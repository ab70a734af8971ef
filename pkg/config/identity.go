package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// SpeciesHash is the stable 16-char hex identity of a cell's behavioral
// DNA: instructions (or tool + inputs), candidate config, rules, output
// schema, wards, and the rendered input parameters. Model and cascade ID
// are excluded so the same cell is comparable across models and cascades.
func SpeciesHash(cell *Cell, renderedInputs map[string]any) string {
	dna := map[string]any{
		"instructions":  cell.Instructions,
		"tool":          cell.Tool,
		"tool_inputs":   cell.ToolInputs,
		"candidates":    cell.Candidates,
		"rules":         cell.Rules,
		"output_schema": cell.OutputSchema,
		"wards":         cell.Wards,
		"inputs":        renderedInputs,
	}
	return shortHash(dna)
}

// GenusHash identifies a whole cascade invocation: cascade ID, the cell
// structure summary, and a fingerprint of the input's shape and size.
func GenusHash(cascade *Cascade, inputData map[string]any) string {
	cells := make([]string, len(cascade.Cells))
	for i, cell := range cascade.Cells {
		cells[i] = cell.Name + ":" + string(cell.Kind())
	}

	doc := map[string]any{
		"cascade_id": cascade.CascadeID,
		"cells":      cells,
		"input":      InputFingerprint(inputData),
	}
	return shortHash(doc)
}

// InputFingerprint summarizes input shape without its literal content:
// sorted key names, each tagged with a coarse type and a size bucket.
func InputFingerprint(input map[string]any) []string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s:%s", k, valueKind(input[k]), sizeBucket(input[k])))
	}
	return parts
}

func valueKind(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case string:
		return "str"
	case bool:
		return "bool"
	case float64, float32, int, int64, int32:
		return "num"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	default:
		return "other"
	}
}

func sizeBucket(v any) string {
	n := 0
	switch val := v.(type) {
	case string:
		n = len(val)
	case []any:
		n = len(val)
	case map[string]any:
		n = len(val)
	default:
		return "scalar"
	}
	switch {
	case n <= 10:
		return "xs"
	case n <= 100:
		return "s"
	case n <= 1000:
		return "m"
	case n <= 10000:
		return "l"
	default:
		return "xl"
	}
}

// ContentHash is the full sha256 hex of a serialized message body, used
// for context_hashes bookkeeping in the log.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// shortHash canonicalizes via JSON (map keys sort deterministically) and
// truncates to 16 hex chars.
func shortHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Marshal of config maps cannot fail in practice; fall back to
		// the error text so the hash is still deterministic.
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
