package tools

// Bindings carries the session context injected into cascade-defined
// code: underscore-prefixed so user inputs can never collide with them.
type Bindings struct {
	CellName  string
	SessionID string
	CascadeID string
	Input     map[string]any
	State     map[string]any
	Outputs   map[string]any
}

// Map returns the injected variables merged with the tool inputs. Inputs
// win over nothing; injected names always win over same-named inputs.
func (b *Bindings) Map(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs)+6)
	for k, v := range inputs {
		out[k] = v
	}
	if b == nil {
		return out
	}
	out["_cell_name"] = b.CellName
	out["_session_id"] = b.SessionID
	out["_cascade_id"] = b.CascadeID
	out["_input"] = b.Input
	out["_state"] = b.State
	out["_outputs"] = b.Outputs
	return out
}
