// Package candidates fans one LLM cell out into N variant attempts,
// prefilters them, and picks a winner (or aggregates all outputs).
package candidates

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/llms"
)

// Variant is one planned attempt: the (possibly mutated) instructions and
// the model that runs them. Index is fan-out order and becomes the logged
// candidate_index.
type Variant struct {
	Index        int
	Model        string
	Instructions string

	// Mutation is the exact textual variation applied; empty for the
	// pristine baseline.
	Mutation string
}

// augmentPrefixes vary emphasis without changing the task.
var augmentPrefixes = []string{
	"Be extremely thorough and precise.",
	"Favor brevity; cut everything nonessential.",
	"Consider edge cases others would miss.",
	"Explain your reasoning before concluding.",
	"Prioritize correctness over completeness.",
	"Take an unconventional angle on this.",
}

// approachPhrases steer the thinking strategy.
var approachPhrases = []string{
	"Work through this step by step before answering.",
	"Start from first principles rather than convention.",
	"Consider what could go wrong first, then build the answer.",
	"Sketch two alternatives, then commit to the stronger one.",
	"Answer as a skeptical reviewer of your own first draft.",
}

// buildVariants plans the fan-out: variant 0 is always the pristine
// baseline; the rest are mutated when cfg.Mutate is set.
func buildVariants(ctx context.Context, factor int, models []string, cfg *config.CandidatesConfig, base string, mutator llms.Provider, rng *rand.Rand) ([]Variant, error) {
	variants := make([]Variant, 0, factor)
	for i := 0; i < factor; i++ {
		variants = append(variants, Variant{
			Index:        i,
			Model:        models[i],
			Instructions: base,
		})
	}

	if !cfg.Mutate {
		return variants, nil
	}

	// Custom mutations first, then generated ones fill the remainder.
	pending := append([]string(nil), cfg.Mutations...)
	for i := 1; i < factor; i++ {
		var mutation string
		if len(pending) > 0 {
			mutation = pending[0]
			pending = pending[1:]
		} else {
			var err error
			mutation, err = generateMutation(ctx, cfg.MutationMode, base, i, mutator, rng)
			if err != nil {
				return nil, err
			}
		}

		if cfg.MutationMode == "rewrite" && len(cfg.Mutations) == 0 {
			// rewrite replaces the instructions wholesale
			variants[i].Instructions = mutation
		} else {
			variants[i].Instructions = mutation + "\n\n" + base
		}
		variants[i].Mutation = mutation
	}
	return variants, nil
}

func generateMutation(ctx context.Context, mode, base string, ordinal int, mutator llms.Provider, rng *rand.Rand) (string, error) {
	switch mode {
	case "augment":
		return augmentPrefixes[(ordinal-1)%len(augmentPrefixes)], nil
	case "approach":
		return approachPhrases[(ordinal-1)%len(approachPhrases)], nil
	case "rewrite":
		if mutator == nil {
			return "", fmt.Errorf("mutation_mode rewrite requires a mutator model")
		}
		resp, err := mutator.Generate(ctx, []llms.Message{
			{Role: "system", Content: "Rewrite the given instructions preserving their intent exactly while varying wording and approach. Respond with the rewritten instructions only."},
			{Role: "user", Content: base},
		}, nil)
		if err != nil {
			return "", fmt.Errorf("mutation rewrite failed: %w", err)
		}
		return strings.TrimSpace(resp.Content), nil
	default:
		return "", fmt.Errorf("unknown mutation_mode '%s'", mode)
	}
}

// partitionModels assigns a model name to each of factor attempts. With no
// models configured every slot gets the cell's own model (empty string).
func partitionModels(factor int, cfg *config.CandidatesConfig, rng *rand.Rand) ([]string, error) {
	out := make([]string, factor)
	if cfg.Models == nil {
		return out, nil
	}

	switch models := cfg.Models.(type) {
	case []any:
		names := make([]string, 0, len(models))
		for _, m := range models {
			s, ok := m.(string)
			if !ok {
				return nil, fmt.Errorf("candidates models list must contain strings (got %T)", m)
			}
			names = append(names, s)
		}
		if len(names) == 0 {
			return out, nil
		}
		switch cfg.ModelStrategy {
		case "", "round_robin":
			for i := range out {
				out[i] = names[i%len(names)]
			}
		case "random":
			for i := range out {
				out[i] = names[rng.Intn(len(names))]
			}
		case "weighted":
			return nil, fmt.Errorf("model_strategy weighted requires a name->weight map")
		}
		return out, nil

	case map[string]any:
		if cfg.ModelStrategy != "weighted" {
			return nil, fmt.Errorf("a models map requires model_strategy weighted")
		}
		names := make([]string, 0, len(models))
		for name := range models {
			names = append(names, name)
		}
		sort.Strings(names)

		total := 0.0
		weights := make([]float64, len(names))
		for i, name := range names {
			w, ok := toFloat(models[name])
			if !ok || w < 0 {
				return nil, fmt.Errorf("invalid weight for model '%s'", name)
			}
			weights[i] = w
			total += w
		}
		if total == 0 {
			return nil, fmt.Errorf("model weights sum to zero")
		}
		for i := range out {
			pick := rng.Float64() * total
			for j, w := range weights {
				pick -= w
				if pick <= 0 {
					out[i] = names[j]
					break
				}
			}
			if out[i] == "" {
				out[i] = names[len(names)-1]
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("candidates models must be a list or a name->weight map (got %T)", cfg.Models)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
