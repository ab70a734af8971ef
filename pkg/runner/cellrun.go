package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/echo"
	"github.com/rvbbit/lars/pkg/logstore"
	"github.com/rvbbit/lars/pkg/rag"
	"github.com/rvbbit/lars/pkg/template"
	"github.com/rvbbit/lars/pkg/tools"
)

// cellRun is one cell execution: bindings, ephemeral RAG scope, wards and
// lineage bookkeeping around the kind-specific executor.
type cellRun struct {
	r       *Runner
	cascade *config.Cascade
	echo    *echo.Echo
	cell    *config.Cell
	genus   string

	bindings  *tools.Bindings
	ephemeral *rag.Manager

	// species pins the cell's behavioral identity for log rows. LLM cells
	// set it from the base rendered instructions, so candidate mutations
	// and model overrides share one hash.
	species string

	startedAt time.Time
}

func (r *Runner) newCellRun(cascade *config.Cascade, e *echo.Echo, cell *config.Cell, genus string) *cellRun {
	scope := e.Scope()
	state, _ := scope["state"].(map[string]any)
	outputs, _ := scope["outputs"].(map[string]any)

	run := &cellRun{
		r:       r,
		cascade: cascade,
		echo:    e,
		cell:    cell,
		genus:   genus,
		bindings: &tools.Bindings{
			CellName:  cell.Name,
			SessionID: e.SessionID,
			CascadeID: cascade.CascadeID,
			Input:     e.Input,
			State:     state,
			Outputs:   outputs,
		},
		startedAt: time.Now(),
	}

	// One ephemeral manager per cell execution; cleanup on close is
	// guaranteed.
	if r.opts.Embedder != nil && r.opts.Vectors != nil && r.opts.Store != nil {
		ragCfg := r.opts.RAG
		if ragCfg == nil {
			ragCfg = &config.RAGSettings{Threshold: rag.DefaultThreshold, ChunkSize: 1200, ChunkOverlap: 150}
		}
		run.ephemeral = rag.NewManager(e.SessionID, cell.Name,
			ragCfg.Threshold, ragCfg.ChunkSize, ragCfg.ChunkOverlap,
			r.opts.Embedder, r.opts.Vectors, r.opts.Store)
	}

	return run
}

// close tears down the ephemeral RAG scope. Always called, even on error
// or suspension.
func (c *cellRun) close(ctx context.Context) {
	if c.ephemeral != nil {
		c.ephemeral.Cleanup(ctx)
	}
}

// execute runs the cell end to end: sub-cascades, pre-wards, the
// kind-specific work, post-wards, lineage.
func (c *cellRun) execute(ctx context.Context, resume attemptState) (map[string]any, error) {
	if len(c.cell.SubCascades) > 0 {
		if err := c.r.runSubCascades(ctx, c.echo, c.cell); err != nil {
			return nil, err
		}
		// state changed; rebuild bindings for wards and tools
		scope := c.echo.Scope()
		c.bindings.State, _ = scope["state"].(map[string]any)
		c.bindings.Outputs, _ = scope["outputs"].(map[string]any)
	}

	if err := c.runWards(ctx, "pre", c.echo.Input); err != nil {
		return nil, err
	}

	var output map[string]any
	var content string
	var err error
	switch c.cell.Kind() {
	case config.CellKindLLM:
		output, content, err = c.executeLLM(ctx, resume)
	case config.CellKindDeterministic:
		output, content, err = c.executeDeterministic(ctx)
	case config.CellKindSQLMapping:
		output, content, err = c.executeForEachRow(ctx)
	case config.CellKindScreen:
		output, content, err = c.executeScreen(ctx, resume)
	}
	if err != nil {
		return nil, err
	}

	if err := c.runWards(ctx, "post", content); err != nil {
		return nil, err
	}

	c.applyCallout(output)
	c.echo.AppendLineage(echo.LineageEntry{
		Cell:       c.cell.Name,
		Output:     output,
		Model:      c.cell.Model,
		DurationMS: time.Since(c.startedAt).Milliseconds(),
	})
	return output, nil
}

// runWards runs one ward group; pre and post wards do not retry the cell
// (retry mode is meaningful per-turn), so exhausted retries block here.
func (c *cellRun) runWards(ctx context.Context, position string, content any) error {
	if c.r.opts.Wards == nil || c.cell.Wards == nil {
		return nil
	}
	var group []config.WardConfig
	if position == "pre" {
		group = c.cell.Wards.Pre
	} else {
		group = c.cell.Wards.Post
	}
	if len(group) == 0 {
		return nil
	}

	outcome, err := c.r.opts.Wards.Run(ctx, group, position, content, c.bindings, 1)
	if err != nil {
		return fmt.Errorf("%s wards: %w", position, err)
	}
	if !outcome.Passed() && !outcome.ShouldRetry() {
		return fmt.Errorf("%s ward failed: %s", position, outcome.FailureReason())
	}
	if outcome.ShouldRetry() {
		// No turn loop to re-enter at pre/post; treat as blocking.
		return fmt.Errorf("%s ward failed after retries: %s", position, outcome.FailureReason())
	}
	return nil
}

// applyCallout renders the cell's callout label and tags the output
// message in history.
func (c *cellRun) applyCallout(output map[string]any) {
	if c.cell.Callouts == nil || c.cell.Callouts.Label == "" {
		return
	}
	label, err := template.New(c.echo.Scope()).RenderString(c.cell.Callouts.Label)
	if err != nil {
		slog.Warn("callout label failed to render", "cell", c.cell.Name, "error", err)
		return
	}
	c.echo.AppendHistory(echo.Message{
		Role:    "assistant",
		Content: template.Stringify(output["content"]),
		Metadata: map[string]any{
			"cell":    c.cell.Name,
			"kind":    "output",
			"callout": template.Stringify(label),
		},
	})
}

// logRow appends a log row carrying the cell's identity hashes.
func (c *cellRun) logRow(ctx context.Context, row *logstore.Row) {
	if c.r.opts.Store == nil {
		return
	}
	row.CellName = c.cell.Name
	row.CascadeID = c.cascade.CascadeID
	row.GenusHash = c.genus
	if err := c.r.opts.Store.Append(ctx, row); err != nil {
		slog.Error("failed to append log row",
			"session_id", row.SessionID, "node_type", row.NodeType, "error", err)
	}
}
