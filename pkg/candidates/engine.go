package candidates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rvbbit/lars/pkg/bus"
	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/template"
	"github.com/rvbbit/lars/pkg/tools"
	"github.com/rvbbit/lars/pkg/validators"
)

// ErrAllCandidatesFiltered means the prefilter rejected every attempt.
var ErrAllCandidatesFiltered = errors.New("all_candidates_filtered")

// Attempt is one completed variant execution.
type Attempt struct {
	Variant

	Output  map[string]any
	Content string
	Cost    float64
	Err     error

	Filtered     bool
	FilterReason string

	// Quality is the evaluator's score when one was produced.
	Quality  float64
	IsWinner bool
}

// AttemptFunc executes one variant: the full LLM cell logic against its
// own echo-scoped context. Implemented by the runner.
type AttemptFunc func(ctx context.Context, v Variant) (*Attempt, error)

// CheckpointFunc surfaces a candidate set to a human and blocks until a
// winner index (into the presented set) comes back.
type CheckpointFunc func(ctx context.Context, attempts []*Attempt, prompt string) (int, error)

// Result is the outcome of one candidate-enabled cell.
type Result struct {
	Attempts []*Attempt
	Winner   *Attempt // nil in aggregate mode
	Output   map[string]any
	Content  string
}

// Engine runs candidate fan-outs. One engine serves all cells.
type Engine struct {
	models     *llms.Registry
	validators *validators.Dispatcher
	events     *bus.Bus

	// Checkpoint handles human and interactive evaluation; without one
	// those modes fail.
	Checkpoint CheckpointFunc

	rng   *rand.Rand
	rngMu sync.Mutex
}

func NewEngine(models *llms.Registry, dispatcher *validators.Dispatcher, events *bus.Bus) *Engine {
	return &Engine{
		models:     models,
		validators: dispatcher,
		events:     events,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run executes the fan-out for one cell and returns the winning (or
// aggregated) result. scope is the cell's template scope; run executes a
// single attempt.
func (e *Engine) Run(ctx context.Context, sessionID, cellName string, cfg *config.CandidatesConfig, baseInstructions string, scope template.Scope, bindings *tools.Bindings, run AttemptFunc) (*Result, error) {
	factor, err := template.New(scope).RenderInt(cfg.Factor)
	if err != nil {
		return nil, fmt.Errorf("cell '%s': candidates factor: %w", cellName, err)
	}
	if factor < 1 {
		return nil, fmt.Errorf("cell '%s': candidates factor must be at least 1 (got %d)", cellName, factor)
	}

	e.rngMu.Lock()
	models, err := partitionModels(factor, cfg, e.rng)
	e.rngMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("cell '%s': %w", cellName, err)
	}

	mutator, err := e.resolveOptional(cfg.MutatorModel)
	if err != nil {
		return nil, fmt.Errorf("cell '%s': mutator: %w", cellName, err)
	}
	e.rngMu.Lock()
	variants, err := buildVariants(ctx, factor, models, cfg, baseInstructions, mutator, e.rng)
	e.rngMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("cell '%s': %w", cellName, err)
	}

	attempts, err := e.fanOut(ctx, sessionID, cellName, cfg, variants, bindings, run)
	if err != nil {
		return nil, err
	}

	survivors := surviving(attempts)
	if len(survivors) == 0 {
		return nil, fmt.Errorf("cell '%s': %w", cellName, ErrAllCandidatesFiltered)
	}

	if cfg.Mode == "aggregate" {
		return e.aggregate(ctx, attempts, survivors, cfg)
	}

	winner, err := e.evaluate(ctx, sessionID, cellName, cfg, survivors)
	if err != nil {
		return nil, err
	}

	if cfg.Reforge != nil {
		winner, attempts, err = e.reforge(ctx, sessionID, cellName, cfg, winner, attempts, bindings, run)
		if err != nil {
			return nil, err
		}
	}

	winner.IsWinner = true
	e.publish(sessionID, cellName, map[string]any{
		"winner_index": winner.Index,
		"attempts":     len(attempts),
		"mutation":     winner.Mutation,
	})
	return &Result{
		Attempts: attempts,
		Winner:   winner,
		Output:   winner.Output,
		Content:  winner.Content,
	}, nil
}

// fanOut runs the attempts, at most MaxParallel at a time, prefiltering
// each as it completes. Attempt errors are recorded, not fatal, unless
// every attempt errored.
func (e *Engine) fanOut(ctx context.Context, sessionID, cellName string, cfg *config.CandidatesConfig, variants []Variant, bindings *tools.Bindings, run AttemptFunc) ([]*Attempt, error) {
	attempts := make([]*Attempt, len(variants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxParallel)
	for _, v := range variants {
		v := v
		g.Go(func() error {
			attempt, err := run(gctx, v)
			if err != nil {
				attempt = &Attempt{Variant: v, Err: err}
				slog.Warn("candidate attempt failed",
					"session_id", sessionID, "cell", cellName,
					"candidate_index", v.Index, "error", err)
			}
			if attempt.Err == nil && cfg.Validator != nil {
				e.prefilter(gctx, cfg.Validator, attempt, bindings)
			}
			attempts[v.Index] = attempt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	errored := 0
	for _, a := range attempts {
		if a.Err != nil {
			errored++
		}
	}
	if errored == len(attempts) {
		return nil, fmt.Errorf("cell '%s': every candidate attempt failed: %w", cellName, attempts[0].Err)
	}
	return attempts, nil
}

func (e *Engine) prefilter(ctx context.Context, spec any, attempt *Attempt, bindings *tools.Bindings) {
	verdict, err := e.validators.Dispatch(ctx, spec, attempt.Content, bindings)
	if err != nil {
		attempt.Filtered = true
		attempt.FilterReason = fmt.Sprintf("prefilter error: %v", err)
		return
	}
	if !verdict.Valid {
		attempt.Filtered = true
		attempt.FilterReason = verdict.Reason
	}
}

// surviving returns attempts the evaluator may see, in candidate order.
func surviving(attempts []*Attempt) []*Attempt {
	var out []*Attempt
	for _, a := range attempts {
		if a.Err == nil && !a.Filtered {
			out = append(out, a)
		}
	}
	return out
}

// reforge runs refinement rounds seeded by the previous winner. Fresh
// attempts get indices continuing after the existing ones.
func (e *Engine) reforge(ctx context.Context, sessionID, cellName string, cfg *config.CandidatesConfig, winner *Attempt, attempts []*Attempt, bindings *tools.Bindings, run AttemptFunc) (*Attempt, []*Attempt, error) {
	rf := cfg.Reforge
	for step := 0; step < rf.Steps; step++ {
		if rf.Threshold != nil {
			verdict, err := e.validators.Dispatch(ctx, rf.Threshold, winner.Content, bindings)
			if err == nil && verdict.Valid {
				slog.Debug("reforge early stop", "cell", cellName, "step", step)
				break
			}
		}

		honing := rf.HoningPrompt
		if honing == "" {
			honing = "Improve on the previous best answer: sharpen weak points and fix any errors."
		}
		seed := fmt.Sprintf("%s\n\nPrevious best answer:\n%s", honing, winner.Content)

		variants := make([]Variant, rf.FactorPerStep)
		for i := range variants {
			variants[i] = Variant{
				Index:        len(attempts) + i,
				Model:        winner.Model,
				Instructions: seed,
				Mutation:     fmt.Sprintf("reforge step %d", step+1),
			}
		}

		fresh, err := e.fanOut(ctx, sessionID, cellName, cfg, variants, bindings, run)
		if err != nil {
			return nil, nil, err
		}
		// reindex into the combined list before appending
		attempts = append(attempts, fresh...)

		pool := append(surviving(fresh), winner)
		next, err := e.evaluate(ctx, sessionID, cellName, cfg, pool)
		if err != nil {
			return nil, nil, err
		}
		winner = next
	}
	return winner, attempts, nil
}

// aggregate combines every surviving output: by aggregator LLM when
// configured, by concatenation otherwise.
func (e *Engine) aggregate(ctx context.Context, attempts, survivors []*Attempt, cfg *config.CandidatesConfig) (*Result, error) {
	if cfg.AggregatorInstructions != "" || cfg.AggregatorModel != "" {
		provider, err := e.models.Resolve(cfg.AggregatorModel)
		if err != nil {
			return nil, fmt.Errorf("aggregator: %w", err)
		}

		instructions := cfg.AggregatorInstructions
		if instructions == "" {
			instructions = "Combine the following candidate answers into one coherent answer."
		}
		var sb strings.Builder
		for i, a := range survivors {
			fmt.Fprintf(&sb, "--- Candidate %d ---\n%s\n\n", i, a.Content)
		}

		resp, err := provider.Generate(ctx, []llms.Message{
			{Role: "system", Content: instructions},
			{Role: "user", Content: sb.String()},
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("aggregation failed: %w", err)
		}
		return &Result{
			Attempts: attempts,
			Output:   map[string]any{"content": resp.Content},
			Content:  resp.Content,
		}, nil
	}

	parts := make([]string, len(survivors))
	for i, a := range survivors {
		parts[i] = a.Content
	}
	combined := strings.Join(parts, "\n\n---\n\n")
	return &Result{
		Attempts: attempts,
		Output:   map[string]any{"content": combined},
		Content:  combined,
	}, nil
}

func (e *Engine) resolveOptional(model string) (llms.Provider, error) {
	if model == "" {
		if e.models == nil {
			return nil, nil
		}
		if provider, err := e.models.Resolve(""); err == nil {
			return provider, nil
		}
		return nil, nil
	}
	return e.models.Resolve(model)
}

func (e *Engine) publish(sessionID, cellName string, data map[string]any) {
	if e.events == nil {
		return
	}
	data["cell"] = cellName
	e.events.Publish(bus.Event{
		Type:      bus.EventCandidateComplete,
		SessionID: sessionID,
		Data:      data,
	})
}
