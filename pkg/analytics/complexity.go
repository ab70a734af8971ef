package analytics

import "encoding/json"

// Complexity tiers bucket session inputs so baselines compare like with
// like: a ten-row reconciliation is not an outlier against one-liners.
const (
	ComplexityTiny   = "tiny"
	ComplexitySmall  = "small"
	ComplexityMedium = "medium"
	ComplexityLarge  = "large"
	ComplexityHuge   = "huge"
)

// ClassifyInput scores an input document by size, nesting depth and array
// volume, and maps the score to a tier.
func ClassifyInput(input map[string]any) string {
	data, err := json.Marshal(input)
	if err != nil {
		return ComplexityTiny
	}

	score := len(data)
	score += jsonDepth(input) * 100
	score += arrayVolume(input) * 10

	switch {
	case score < 200:
		return ComplexityTiny
	case score < 1000:
		return ComplexitySmall
	case score < 5000:
		return ComplexityMedium
	case score < 20000:
		return ComplexityLarge
	default:
		return ComplexityHuge
	}
}

func jsonDepth(v any) int {
	switch val := v.(type) {
	case map[string]any:
		deepest := 0
		for _, child := range val {
			if d := jsonDepth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	case []any:
		deepest := 0
		for _, child := range val {
			if d := jsonDepth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	default:
		return 0
	}
}

func arrayVolume(v any) int {
	switch val := v.(type) {
	case map[string]any:
		total := 0
		for _, child := range val {
			total += arrayVolume(child)
		}
		return total
	case []any:
		total := len(val)
		for _, child := range val {
			total += arrayVolume(child)
		}
		return total
	default:
		return 0
	}
}
