package candidates

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/llms"
)

// evaluate picks the winner among the surviving attempts.
func (e *Engine) evaluate(ctx context.Context, sessionID, cellName string, cfg *config.CandidatesConfig, survivors []*Attempt) (*Attempt, error) {
	if len(survivors) == 1 {
		return survivors[0], nil
	}

	if cfg.Pareto != nil && cfg.Pareto.Enabled {
		return e.evaluatePareto(ctx, cfg, survivors)
	}

	switch evaluatorKind(cfg.Evaluator) {
	case "human":
		return e.evaluateHuman(ctx, survivors, "Pick the best candidate.")
	case "hybrid":
		return e.evaluateHybrid(ctx, cfg, survivors)
	default:
		return e.evaluateLLM(ctx, cfg, survivors)
	}
}

func evaluatorKind(evaluator any) string {
	if s, ok := evaluator.(string); ok {
		switch s {
		case "human", "hybrid":
			return s
		}
	}
	return "llm"
}

// evaluatorSpec extracts (model, instructions) from the evaluator field,
// falling back to the dedicated config keys.
func evaluatorSpec(cfg *config.CandidatesConfig) (model, instructions string) {
	model = cfg.EvaluatorModel
	instructions = cfg.EvaluatorInstructions

	switch ev := cfg.Evaluator.(type) {
	case string:
		if ev != "human" && ev != "hybrid" && model == "" {
			model = ev
		}
	case map[string]any:
		if m, ok := ev["model"].(string); ok && model == "" {
			model = m
		}
		if ins, ok := ev["instructions"].(string); ok && instructions == "" {
			instructions = ins
		}
	}
	if instructions == "" {
		instructions = "Pick the single best candidate for the task."
	}
	return model, instructions
}

func (e *Engine) evaluateLLM(ctx context.Context, cfg *config.CandidatesConfig, survivors []*Attempt) (*Attempt, error) {
	model, instructions := evaluatorSpec(cfg)
	provider, err := e.models.Resolve(model)
	if err != nil {
		return nil, fmt.Errorf("evaluator: %w", err)
	}

	costAware := cfg.CostAware != nil && cfg.CostAware.Enabled
	var normalized []float64
	if costAware {
		normalized = normalizeCosts(survivors, cfg.CostAware.Normalization)
	}

	var sb strings.Builder
	sb.WriteString("Candidates:\n\n")
	for i, a := range survivors {
		fmt.Fprintf(&sb, "--- Candidate %d ---\n%s\n", i, a.Content)
		if costAware {
			fmt.Fprintf(&sb, "(normalized cost: %.3f)\n", normalized[i])
		}
		sb.WriteString("\n")
	}
	if costAware {
		fmt.Fprintf(&sb, "Score each candidate's quality from 0 to 10 and respond with JSON: {\"scores\": [..]}. Cost is weighed separately.")
	} else {
		fmt.Fprintf(&sb, "Respond with JSON: {\"winner\": <candidate number>}.")
	}

	resp, err := provider.Generate(ctx, []llms.Message{
		{Role: "system", Content: instructions},
		{Role: "user", Content: sb.String()},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}

	if costAware {
		scores, err := parseScores(resp.Content, len(survivors))
		if err != nil {
			return nil, err
		}
		best, bestCombined := 0, math.Inf(-1)
		for i, a := range survivors {
			a.Quality = scores[i]
			combined := cfg.CostAware.QualityWeight*(scores[i]/10) -
				cfg.CostAware.CostWeight*normalized[i]
			if combined > bestCombined {
				best, bestCombined = i, combined
			}
		}
		return survivors[best], nil
	}

	winner, err := parseWinner(resp.Content, len(survivors))
	if err != nil {
		return nil, err
	}
	return survivors[winner], nil
}

// evaluatePareto scores quality with an LLM, computes the (cost, quality)
// frontier and picks per policy.
func (e *Engine) evaluatePareto(ctx context.Context, cfg *config.CandidatesConfig, survivors []*Attempt) (*Attempt, error) {
	model, instructions := evaluatorSpec(cfg)
	provider, err := e.models.Resolve(model)
	if err != nil {
		return nil, fmt.Errorf("pareto evaluator: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("Candidates:\n\n")
	for i, a := range survivors {
		fmt.Fprintf(&sb, "--- Candidate %d ---\n%s\n\n", i, a.Content)
	}
	sb.WriteString("Score each candidate's quality from 0 to 10. Respond with JSON: {\"scores\": [..]}.")

	resp, err := provider.Generate(ctx, []llms.Message{
		{Role: "system", Content: instructions},
		{Role: "user", Content: sb.String()},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("pareto scoring failed: %w", err)
	}
	scores, err := parseScores(resp.Content, len(survivors))
	if err != nil {
		return nil, err
	}
	for i, a := range survivors {
		a.Quality = scores[i]
	}

	frontier := paretoFrontier(survivors)
	switch cfg.Pareto.Policy {
	case "prefer_cheap":
		best := frontier[0]
		for _, a := range frontier {
			if a.Cost < best.Cost {
				best = a
			}
		}
		return best, nil
	case "prefer_quality":
		best := frontier[0]
		for _, a := range frontier {
			if a.Quality > best.Quality {
				best = a
			}
		}
		return best, nil
	case "interactive":
		return e.evaluateHuman(ctx, frontier, "Pick among the Pareto-optimal candidates.")
	default: // balanced: maximize quality per dollar
		best, bestRatio := frontier[0], math.Inf(-1)
		for _, a := range frontier {
			ratio := a.Quality / (a.Cost + 1e-9)
			if ratio > bestRatio {
				best, bestRatio = a, ratio
			}
		}
		return best, nil
	}
}

// paretoFrontier keeps attempts not dominated on (lower cost, higher
// quality) by any other.
func paretoFrontier(attempts []*Attempt) []*Attempt {
	var frontier []*Attempt
	for _, a := range attempts {
		dominated := false
		for _, b := range attempts {
			if b == a {
				continue
			}
			if b.Cost <= a.Cost && b.Quality >= a.Quality &&
				(b.Cost < a.Cost || b.Quality > a.Quality) {
				dominated = true
				break
			}
		}
		if !dominated {
			frontier = append(frontier, a)
		}
	}
	if len(frontier) == 0 {
		return attempts
	}
	return frontier
}

func (e *Engine) evaluateHuman(ctx context.Context, candidates []*Attempt, prompt string) (*Attempt, error) {
	if e.Checkpoint == nil {
		return nil, fmt.Errorf("human evaluation requires a checkpoint handler")
	}
	idx, err := e.Checkpoint(ctx, candidates, prompt)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(candidates) {
		return nil, fmt.Errorf("human evaluation returned out-of-range index %d", idx)
	}
	return candidates[idx], nil
}

// evaluateHybrid: an LLM shortlists the top llm_prefilter attempts, then
// a human picks from the shortlist.
func (e *Engine) evaluateHybrid(ctx context.Context, cfg *config.CandidatesConfig, survivors []*Attempt) (*Attempt, error) {
	model, instructions := evaluatorSpec(cfg)
	provider, err := e.models.Resolve(model)
	if err != nil {
		return nil, fmt.Errorf("hybrid evaluator: %w", err)
	}

	top := cfg.LLMPrefilter
	if top <= 0 || top > len(survivors) {
		top = len(survivors)
	}

	var sb strings.Builder
	sb.WriteString("Candidates:\n\n")
	for i, a := range survivors {
		fmt.Fprintf(&sb, "--- Candidate %d ---\n%s\n\n", i, a.Content)
	}
	fmt.Fprintf(&sb, "Pick the best %d candidates. Respond with JSON: {\"top\": [..candidate numbers..]}.", top)

	resp, err := provider.Generate(ctx, []llms.Message{
		{Role: "system", Content: instructions},
		{Role: "user", Content: sb.String()},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("hybrid shortlist failed: %w", err)
	}

	var parsed struct {
		Top []int `json:"top"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse hybrid shortlist: %w", err)
	}

	var shortlist []*Attempt
	for _, i := range parsed.Top {
		if i >= 0 && i < len(survivors) {
			shortlist = append(shortlist, survivors[i])
		}
		if len(shortlist) == top {
			break
		}
	}
	if len(shortlist) == 0 {
		return nil, fmt.Errorf("hybrid shortlist selected no valid candidates")
	}
	return e.evaluateHuman(ctx, shortlist, "Pick the best candidate from the shortlist.")
}

// normalizeCosts maps attempt costs onto comparable scales so cheap
// models are not penalized for being cheap.
func normalizeCosts(attempts []*Attempt, mode string) []float64 {
	costs := make([]float64, len(attempts))
	for i, a := range attempts {
		costs[i] = a.Cost
	}

	out := make([]float64, len(costs))
	switch mode {
	case "z_score":
		mean := 0.0
		for _, c := range costs {
			mean += c
		}
		mean /= float64(len(costs))
		variance := 0.0
		for _, c := range costs {
			variance += (c - mean) * (c - mean)
		}
		stddev := math.Sqrt(variance / float64(len(costs)))
		for i, c := range costs {
			if stddev == 0 {
				out[i] = 0
			} else {
				out[i] = (c - mean) / stddev
			}
		}

	case "log_scale":
		for i, c := range costs {
			out[i] = math.Log1p(c * 1000) // cents-ish scale before log
		}

	default: // min_max
		lo, hi := costs[0], costs[0]
		for _, c := range costs {
			lo, hi = math.Min(lo, c), math.Max(hi, c)
		}
		for i, c := range costs {
			if hi == lo {
				out[i] = 0
			} else {
				out[i] = (c - lo) / (hi - lo)
			}
		}
	}
	return out
}

func parseWinner(content string, n int) (int, error) {
	var parsed struct {
		Winner *int `json:"winner"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err != nil || parsed.Winner == nil {
		return 0, fmt.Errorf("evaluator did not return a winner: %q", content)
	}
	if *parsed.Winner < 0 || *parsed.Winner >= n {
		return 0, fmt.Errorf("evaluator winner index %d out of range", *parsed.Winner)
	}
	return *parsed.Winner, nil
}

func parseScores(content string, n int) ([]float64, error) {
	var parsed struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err != nil {
		return nil, fmt.Errorf("evaluator did not return scores: %q", content)
	}
	if len(parsed.Scores) != n {
		return nil, fmt.Errorf("evaluator returned %d scores for %d candidates", len(parsed.Scores), n)
	}
	return parsed.Scores, nil
}

// extractJSON pulls the outermost JSON object out of a chatty response.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
