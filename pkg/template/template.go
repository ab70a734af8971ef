// Package template renders the {{...}} expressions used in cascade
// documents against the session scope (input, state, outputs, lineage,
// history).
//
// Unlike text/template the renderer returns native values: a value that
// is exactly one expression ("{{outputs.load.data}}") yields the
// underlying list/map/number, not its string form, so downstream tools
// receive real objects. Mixed strings interpolate each expression.
package template

import (
	"fmt"
	"strconv"
	"strings"
)

// Scope is the variable environment a template renders against.
type Scope map[string]any

// Renderer resolves template expressions. The zero value is not usable;
// use New.
type Renderer struct {
	scope Scope
}

func New(scope Scope) *Renderer {
	if scope == nil {
		scope = Scope{}
	}
	return &Renderer{scope: scope}
}

// exprPattern bounds: {{ ... }} with optional surrounding whitespace.
const (
	exprOpen  = "{{"
	exprClose = "}}"
)

// Render resolves a single template value. Strings are rendered; maps and
// lists are rendered recursively; everything else passes through.
func (r *Renderer) Render(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.RenderString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := r.Render(item)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := r.Render(item)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderMap renders every value of a map, preserving keys.
func (r *Renderer) RenderMap(m map[string]any) (map[string]any, error) {
	out, err := r.Render(m)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// RenderString resolves a string template. A string that is exactly one
// expression returns the native value; otherwise each expression is
// stringified in place.
func (r *Renderer) RenderString(s string) (any, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, exprOpen) && strings.HasSuffix(trimmed, exprClose) {
		inner := trimmed[len(exprOpen) : len(trimmed)-len(exprClose)]
		if !strings.Contains(inner, exprOpen) && !strings.Contains(inner, exprClose) {
			return r.eval(strings.TrimSpace(inner))
		}
	}

	var sb strings.Builder
	rest := s
	for {
		start := strings.Index(rest, exprOpen)
		if start == -1 {
			sb.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], exprClose)
		if end == -1 {
			sb.WriteString(rest)
			break
		}
		end += start

		sb.WriteString(rest[:start])
		expr := strings.TrimSpace(rest[start+len(exprOpen) : end])
		value, err := r.eval(expr)
		if err != nil {
			return nil, err
		}
		sb.WriteString(Stringify(value))
		rest = rest[end+len(exprClose):]
	}

	return sb.String(), nil
}

// RenderInt renders a value that must resolve to an integer (candidate
// factor templates).
func (r *Renderer) RenderInt(v any) (int, error) {
	rendered, err := r.Render(v)
	if err != nil {
		return 0, err
	}
	switch n := rendered.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("template did not resolve to an integer: %q", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("template did not resolve to an integer: %T", rendered)
	}
}

// EvalCondition evaluates a template condition for audibles and context
// source gating. Supports "a == b", "a != b" (rendered operand
// comparison) and bare expressions judged by Truthy.
func (r *Renderer) EvalCondition(expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil
	}

	for _, op := range []string{"==", "!="} {
		if idx := strings.Index(expr, op); idx != -1 {
			left, err := r.operand(expr[:idx])
			if err != nil {
				return false, err
			}
			right, err := r.operand(expr[idx+len(op):])
			if err != nil {
				return false, err
			}
			eq := Stringify(left) == Stringify(right)
			if op == "!=" {
				return !eq, nil
			}
			return eq, nil
		}
	}

	value, err := r.RenderString(expr)
	if err != nil {
		return false, err
	}
	return Truthy(value), nil
}

func (r *Renderer) operand(s string) (any, error) {
	s = strings.TrimSpace(s)
	if unquoted, ok := unquote(s); ok {
		return unquoted, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, nil
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	return r.RenderString(s)
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1], true
		}
	}
	return "", false
}

// eval resolves one dotted path expression against the scope. Segments
// index into maps by key and lists by number; "outputs.load.data" or
// "lineage.0.cell".
func (r *Renderer) eval(expr string) (any, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty template expression")
	}

	segments := strings.Split(expr, ".")
	var current any = map[string]any(r.scope)

	for i, seg := range segments {
		seg = strings.TrimSpace(seg)
		// bracket suffix: key[2]
		var indexes []int
		for strings.HasSuffix(seg, "]") {
			open := strings.LastIndex(seg, "[")
			if open == -1 {
				break
			}
			n, err := strconv.Atoi(seg[open+1 : len(seg)-1])
			if err != nil {
				return nil, fmt.Errorf("invalid index in '%s'", expr)
			}
			indexes = append([]int{n}, indexes...)
			seg = seg[:open]
		}

		if seg != "" {
			next, err := lookup(current, seg)
			if err != nil {
				return nil, fmt.Errorf("unresolved template variable '%s' (at '%s')", expr, strings.Join(segments[:i+1], "."))
			}
			current = next
		}

		for _, idx := range indexes {
			next, err := index(current, idx)
			if err != nil {
				return nil, fmt.Errorf("unresolved template variable '%s': %w", expr, err)
			}
			current = next
		}
	}

	return current, nil
}

func lookup(v any, key string) (any, error) {
	switch container := v.(type) {
	case map[string]any:
		if val, ok := container[key]; ok {
			return val, nil
		}
		return nil, fmt.Errorf("missing key '%s'", key)
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("cannot index list with '%s'", key)
		}
		return index(container, idx)
	default:
		return nil, fmt.Errorf("cannot descend into %T", v)
	}
}

func index(v any, idx int) (any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cannot index %T", v)
	}
	if idx < 0 || idx >= len(list) {
		return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(list))
	}
	return list[idx], nil
}

// Stringify renders a native value for interpolation into a string.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Truthy reports template truthiness: nil, false, "", 0, empty list/map
// and the literal "false" are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case float64:
		return val != 0
	case int:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
