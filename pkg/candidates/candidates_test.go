package candidates

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/template"
	"github.com/rvbbit/lars/pkg/tools"
	"github.com/rvbbit/lars/pkg/validators"
)

func newEngine(t *testing.T, evaluator *llms.FakeProvider) (*Engine, *tools.Registry) {
	t.Helper()
	models := llms.NewRegistry()
	if evaluator != nil {
		require.NoError(t, models.Register("eval", evaluator))
	}
	toolReg := tools.NewRegistry()
	dispatcher := validators.NewDispatcher(toolReg, nil)
	return NewEngine(models, dispatcher, nil), toolReg
}

// echoAttempts returns an AttemptFunc whose content is scripted per index.
func echoAttempts(contents ...string) AttemptFunc {
	return func(ctx context.Context, v Variant) (*Attempt, error) {
		return &Attempt{
			Variant: v,
			Content: contents[v.Index],
			Output:  map[string]any{"content": contents[v.Index]},
		}, nil
	}
}

func TestEvaluateModePicksExactlyOneWinner(t *testing.T) {
	evaluator := llms.NewFakeProvider("eval", &llms.Response{Content: `{"winner": 1}`})
	engine, _ := newEngine(t, evaluator)

	cfg := &config.CandidatesConfig{Factor: 3, EvaluatorModel: "eval"}
	cfg.SetDefaults()

	res, err := engine.Run(context.Background(), "sess", "draft", cfg, "write a haiku",
		template.Scope{}, nil, echoAttempts("long answer here", "short", "medium answer"))
	require.NoError(t, err)

	require.Len(t, res.Attempts, 3)
	winners := 0
	for _, a := range res.Attempts {
		if a.IsWinner {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, res.Winner.Index)
	assert.Equal(t, "short", res.Content)
}

func TestMutationsDistinctWithPristineBaseline(t *testing.T) {
	evaluator := llms.NewFakeProvider("eval", &llms.Response{Content: `{"winner": 0}`})
	engine, _ := newEngine(t, evaluator)

	cfg := &config.CandidatesConfig{Factor: 3, Mutate: true, EvaluatorModel: "eval", MaxParallel: 1}
	cfg.SetDefaults() // mutation_mode augment

	var seen []Variant
	run := func(ctx context.Context, v Variant) (*Attempt, error) {
		seen = append(seen, v)
		return &Attempt{Variant: v, Content: fmt.Sprintf("attempt %d", v.Index)}, nil
	}

	_, err := engine.Run(context.Background(), "sess", "draft", cfg, "base prompt",
		template.Scope{}, nil, run)
	require.NoError(t, err)

	require.Len(t, seen, 3)
	byIndex := make(map[int]Variant)
	for _, v := range seen {
		byIndex[v.Index] = v
	}
	assert.Empty(t, byIndex[0].Mutation, "variant 0 is the pristine baseline")
	assert.NotEmpty(t, byIndex[1].Mutation)
	assert.NotEmpty(t, byIndex[2].Mutation)
	assert.NotEqual(t, byIndex[1].Mutation, byIndex[2].Mutation)
	assert.Contains(t, byIndex[1].Instructions, "base prompt")
}

func TestFactorRendersFromTemplate(t *testing.T) {
	evaluator := llms.NewFakeProvider("eval", &llms.Response{Content: `{"winner": 0}`})
	engine, _ := newEngine(t, evaluator)

	cfg := &config.CandidatesConfig{Factor: "{{input.n}}", EvaluatorModel: "eval"}
	cfg.SetDefaults()

	res, err := engine.Run(context.Background(), "sess", "draft", cfg, "prompt",
		template.Scope{"input": map[string]any{"n": 2}}, nil, echoAttempts("a", "b"))
	require.NoError(t, err)
	assert.Len(t, res.Attempts, 2)
}

func TestPrefilterAllFiltered(t *testing.T) {
	engine, toolReg := newEngine(t, nil)
	require.NoError(t, toolReg.Register(&tools.FuncTool{
		ToolName: "reject_all",
		Fn: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return &tools.Result{Output: map[string]any{"valid": false, "reason": "nope"}}, nil
		},
	}))

	cfg := &config.CandidatesConfig{Factor: 2, Validator: "reject_all"}
	cfg.SetDefaults()

	_, err := engine.Run(context.Background(), "sess", "draft", cfg, "prompt",
		template.Scope{}, nil, echoAttempts("a", "b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllCandidatesFiltered)
}

func TestPrefilterHidesFilteredFromEvaluator(t *testing.T) {
	evaluator := llms.NewFakeProvider("eval", &llms.Response{Content: `{"winner": 0}`})
	engine, toolReg := newEngine(t, evaluator)
	require.NoError(t, toolReg.Register(&tools.FuncTool{
		ToolName: "no_empty",
		Fn: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			content, _ := args["content"].(string)
			return &tools.Result{Output: map[string]any{"valid": content != ""}}, nil
		},
	}))

	cfg := &config.CandidatesConfig{Factor: 2, Validator: "no_empty", EvaluatorModel: "eval"}
	cfg.SetDefaults()

	res, err := engine.Run(context.Background(), "sess", "draft", cfg, "prompt",
		template.Scope{}, nil, echoAttempts("", "keeper"))
	require.NoError(t, err)

	// Only one survivor: it wins without any evaluator call.
	assert.Equal(t, "keeper", res.Content)
	assert.True(t, res.Attempts[0].Filtered)
	assert.Empty(t, evaluator.Calls())
}

func TestAggregateConcatenates(t *testing.T) {
	engine, _ := newEngine(t, nil)

	cfg := &config.CandidatesConfig{Factor: 2, Mode: "aggregate"}
	cfg.SetDefaults()

	res, err := engine.Run(context.Background(), "sess", "draft", cfg, "prompt",
		template.Scope{}, nil, echoAttempts("first", "second"))
	require.NoError(t, err)

	assert.Nil(t, res.Winner)
	assert.Contains(t, res.Content, "first")
	assert.Contains(t, res.Content, "second")
}

func TestAggregatorModelCombines(t *testing.T) {
	aggregator := llms.NewFakeProvider("eval", &llms.Response{Content: "combined answer"})
	engine, _ := newEngine(t, aggregator)

	cfg := &config.CandidatesConfig{
		Factor: 2, Mode: "aggregate",
		AggregatorModel:        "eval",
		AggregatorInstructions: "merge these",
	}
	cfg.SetDefaults()

	res, err := engine.Run(context.Background(), "sess", "draft", cfg, "prompt",
		template.Scope{}, nil, echoAttempts("first", "second"))
	require.NoError(t, err)
	assert.Equal(t, "combined answer", res.Content)
}

func TestHumanEvaluatorUsesCheckpoint(t *testing.T) {
	engine, _ := newEngine(t, nil)
	engine.Checkpoint = func(ctx context.Context, attempts []*Attempt, prompt string) (int, error) {
		return 1, nil
	}

	cfg := &config.CandidatesConfig{Factor: 2, Evaluator: "human"}
	cfg.SetDefaults()

	res, err := engine.Run(context.Background(), "sess", "draft", cfg, "prompt",
		template.Scope{}, nil, echoAttempts("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Content)
}

func TestCostAwareEvaluatorBalancesQualityAndCost(t *testing.T) {
	evaluator := llms.NewFakeProvider("eval", &llms.Response{Content: `{"scores": [9, 8]}`})
	engine, _ := newEngine(t, evaluator)

	cfg := &config.CandidatesConfig{
		Factor:         2,
		EvaluatorModel: "eval",
		CostAware:      &config.CostAwareConfig{Enabled: true, CostWeight: 0.9, QualityWeight: 0.1},
	}
	cfg.SetDefaults()

	run := func(ctx context.Context, v Variant) (*Attempt, error) {
		a := &Attempt{Variant: v, Content: fmt.Sprintf("attempt %d", v.Index)}
		if v.Index == 0 {
			a.Cost = 0.50 // slightly better but far pricier
		} else {
			a.Cost = 0.01
		}
		return a, nil
	}

	res, err := engine.Run(context.Background(), "sess", "draft", cfg, "prompt",
		template.Scope{}, nil, run)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Winner.Index, "heavy cost weight should pick the cheap candidate")
}

func TestReforgeRunsExtraRounds(t *testing.T) {
	evaluator := llms.NewFakeProvider("eval",
		&llms.Response{Content: `{"winner": 0}`}, // first round
		&llms.Response{Content: `{"winner": 0}`}, // reforge round
	)
	engine, _ := newEngine(t, evaluator)

	cfg := &config.CandidatesConfig{
		Factor:         2,
		EvaluatorModel: "eval",
		MaxParallel:    1,
		Reforge:        &config.ReforgeConfig{Steps: 1, FactorPerStep: 2},
	}
	cfg.SetDefaults()

	var mu []string
	run := func(ctx context.Context, v Variant) (*Attempt, error) {
		mu = append(mu, v.Instructions)
		return &Attempt{Variant: v, Content: fmt.Sprintf("attempt %d", v.Index)}, nil
	}

	res, err := engine.Run(context.Background(), "sess", "draft", cfg, "prompt",
		template.Scope{}, nil, run)
	require.NoError(t, err)

	// 2 initial + 2 reforge attempts, exactly one winner overall.
	assert.Len(t, res.Attempts, 4)
	winners := 0
	for _, a := range res.Attempts {
		if a.IsWinner {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	reforged := 0
	for _, inst := range mu {
		if strings.Contains(inst, "Previous best answer") {
			reforged++
		}
	}
	assert.Equal(t, 2, reforged)
}

func TestPartitionModelsRoundRobin(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cfg := &config.CandidatesConfig{
		Models:        []any{"gpt", "claude"},
		ModelStrategy: "round_robin",
	}
	out, err := partitionModels(4, cfg, rng)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt", "claude", "gpt", "claude"}, out)
}

func TestPartitionModelsWeighted(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cfg := &config.CandidatesConfig{
		Models:        map[string]any{"cheap": 1.0, "fancy": 0.0},
		ModelStrategy: "weighted",
	}
	out, err := partitionModels(10, cfg, rng)
	require.NoError(t, err)
	for _, m := range out {
		assert.Equal(t, "cheap", m)
	}
}

func TestPartitionModelsWeightedNeedsMap(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cfg := &config.CandidatesConfig{
		Models:        []any{"a"},
		ModelStrategy: "weighted",
	}
	_, err := partitionModels(2, cfg, rng)
	require.Error(t, err)
}

func TestParetoFrontierDropsDominated(t *testing.T) {
	a := &Attempt{Cost: 0.1, Quality: 9}
	b := &Attempt{Cost: 0.5, Quality: 5} // dominated by a
	c := &Attempt{Cost: 0.05, Quality: 4}

	frontier := paretoFrontier([]*Attempt{a, b, c})
	assert.Contains(t, frontier, a)
	assert.Contains(t, frontier, c)
	assert.NotContains(t, frontier, b)
}

func TestNormalizeCostsMinMax(t *testing.T) {
	attempts := []*Attempt{{Cost: 0.1}, {Cost: 0.3}, {Cost: 0.2}}
	out := normalizeCosts(attempts, "min_max")
	assert.Equal(t, 0.0, out[0])
	assert.Equal(t, 1.0, out[1])
	assert.InDelta(t, 0.5, out[2], 1e-9)
}

func TestNormalizeCostsZeroStddev(t *testing.T) {
	attempts := []*Attempt{{Cost: 0.2}, {Cost: 0.2}}
	out := normalizeCosts(attempts, "z_score")
	assert.Equal(t, []float64{0, 0}, out)
}
