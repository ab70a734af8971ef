// Package runner executes cascades: it dispatches cells in order,
// consults handoffs and routing for the next cell, wraps every cell in
// wards and an ephemeral RAG scope, and suspends/resumes sessions at
// human checkpoints.
package runner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rvbbit/lars/pkg/bus"
	"github.com/rvbbit/lars/pkg/observability"
	"github.com/rvbbit/lars/pkg/candidates"
	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/costs"
	"github.com/rvbbit/lars/pkg/echo"
	"github.com/rvbbit/lars/pkg/embedders"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/logstore"
	"github.com/rvbbit/lars/pkg/rag"
	"github.com/rvbbit/lars/pkg/template"
	"github.com/rvbbit/lars/pkg/tools"
	"github.com/rvbbit/lars/pkg/validators"
	"github.com/rvbbit/lars/pkg/wards"
)

// Status of a finished Run/Resume call.
const (
	StatusCompleted = "completed"
	StatusSuspended = "suspended"
	StatusFailed    = "failed"
)

const defaultMaxCellInvocations = 200

// AnalyticsScheduler receives terminated sessions for post-hoc analysis.
type AnalyticsScheduler interface {
	Schedule(sessionID, cascadeID string)
}

// Outcome is the result of running (or resuming) a cascade.
type Outcome struct {
	SessionID string
	Status    string
	Output    map[string]any

	// ResumeToken and Checkpoint are set when Status is suspended.
	ResumeToken string
	Checkpoint  *echo.Checkpoint

	Echo *echo.Echo
}

// Options wires the runner's collaborators.
type Options struct {
	Cascades   map[string]*config.Cascade
	Models     *llms.Registry
	Store      *logstore.Store
	Events     *bus.Bus
	Tools      *tools.Registry
	Validators *validators.Dispatcher
	Wards      *wards.Engine
	Costs      *costs.Tracker
	Candidates *candidates.Engine

	Embedder embedders.Embedder
	Vectors  *rag.VectorStore
	RAG      *config.RAGSettings

	// ResearchDB backs sql tools, for_each_row queries and sql validators.
	ResearchDB *sql.DB

	ToolCache *tools.Cache

	MaxCellInvocations int
}

// Runner executes cascades. One runner serves all sessions.
type Runner struct {
	opts Options

	// Hooks observe the lifecycle; any hook may abort the run.
	Hooks Hooks

	// HumanInput, when set, answers checkpoints inline (CLI or test
	// harness). Without it, checkpoints suspend the session.
	HumanInput func(ctx context.Context, cp *echo.Checkpoint) (map[string]any, error)

	// Analytics is scheduled at session termination.
	Analytics AnalyticsScheduler

	mu        sync.Mutex
	suspended map[string]*suspendedSession

	asyncWG sync.WaitGroup
}

// suspendedSession holds everything needed to re-enter the dispatch loop.
type suspendedSession struct {
	cascade *config.Cascade
	echo    *echo.Echo
	cell    string
	attempt attemptState
}

// attemptState carries partial LLM-cell progress across a suspension.
type attemptState struct {
	messages []llms.Message
	turns    []int
	turn     int
}

// suspendSignal aborts the dispatch loop to record a checkpoint.
type suspendSignal struct {
	checkpoint *echo.Checkpoint
	state      attemptState
}

func (s *suspendSignal) Error() string {
	return fmt.Sprintf("suspended at checkpoint %s", s.checkpoint.ID)
}

func New(opts Options) *Runner {
	if opts.MaxCellInvocations == 0 {
		opts.MaxCellInvocations = defaultMaxCellInvocations
	}
	if opts.Cascades == nil {
		opts.Cascades = make(map[string]*config.Cascade)
	}
	r := &Runner{
		opts:      opts,
		suspended: make(map[string]*suspendedSession),
	}
	if opts.Candidates != nil {
		opts.Candidates.Checkpoint = r.candidateCheckpoint
	}
	return r
}

// Register adds a cascade to the runner's registry.
func (r *Runner) Register(cascade *config.Cascade) error {
	if err := cascade.Validate(); err != nil {
		return err
	}
	cascade.SetDefaults()
	r.opts.Cascades[cascade.CascadeID] = cascade
	r.registerValidatorCascades(cascade)
	return nil
}

// registerValidatorCascades exposes a cascade's named validators to the
// dispatcher. A value of {cascade: ref} runs another cascade as the
// validator; any other value is an alias for an inline spec.
func (r *Runner) registerValidatorCascades(cascade *config.Cascade) {
	if r.opts.Validators == nil {
		return
	}
	for name, raw := range cascade.Validators {
		raw := raw
		if m, ok := raw.(map[string]any); ok {
			if ref, ok := m["cascade"].(string); ok {
				r.opts.Validators.RegisterCascade(name, func(ctx context.Context, content any, originalInput map[string]any) (*validators.Verdict, error) {
					return r.runValidatorCascade(ctx, ref, content, originalInput)
				})
				continue
			}
		}
		r.opts.Validators.RegisterCascade(name, func(ctx context.Context, content any, originalInput map[string]any) (*validators.Verdict, error) {
			return r.opts.Validators.Dispatch(ctx, raw, content, nil)
		})
	}
}

// runValidatorCascade runs a whole cascade as a validator and normalizes
// its final output to a verdict.
func (r *Runner) runValidatorCascade(ctx context.Context, ref string, content any, originalInput map[string]any) (*validators.Verdict, error) {
	outcome, err := r.Run(ctx, ref, map[string]any{
		"content":        content,
		"original_input": originalInput,
	})
	if err != nil {
		return nil, err
	}
	if outcome.Status != StatusCompleted {
		return nil, fmt.Errorf("validator cascade '%s' did not complete (status %s)", ref, outcome.Status)
	}
	return validators.Normalize(outcome.Output)
}

// Run executes a cascade from the start.
func (r *Runner) Run(ctx context.Context, cascadeID string, input map[string]any) (*Outcome, error) {
	cascade, ok := r.opts.Cascades[cascadeID]
	if !ok {
		return nil, fmt.Errorf("unknown cascade '%s'", cascadeID)
	}
	if err := validateInputs(cascade, input); err != nil {
		return nil, err
	}

	e := echo.New(cascadeID, input)
	return r.start(ctx, cascade, e, cascade.Cells[0].Name)
}

// RunChild executes a cascade in a child session of parent.
func (r *Runner) RunChild(ctx context.Context, parent *echo.Echo, cascadeID string, input map[string]any) (*Outcome, error) {
	cascade, ok := r.opts.Cascades[cascadeID]
	if !ok {
		return nil, fmt.Errorf("unknown cascade '%s'", cascadeID)
	}
	if err := validateInputs(cascade, input); err != nil {
		return nil, err
	}
	return r.start(ctx, cascade, echo.NewChild(parent, cascadeID, input), cascade.Cells[0].Name)
}

func (r *Runner) start(ctx context.Context, cascade *config.Cascade, e *echo.Echo, startCell string) (*Outcome, error) {
	genus := config.GenusHash(cascade, e.Input)
	if r.opts.Store != nil {
		if err := r.opts.Store.RecordSession(ctx, e.SessionID, e.ParentSessionID,
			cascade.CascadeID, "", genus, e.Depth, e.Input); err != nil {
			return nil, err
		}
	}

	r.publish(bus.EventCascadeStart, e.SessionID, map[string]any{"cascade_id": cascade.CascadeID})
	if r.Hooks.fire(ctx, HookEvent{Type: HookCascadeStart, SessionID: e.SessionID, CascadeID: cascade.CascadeID}) == Abort {
		return &Outcome{SessionID: e.SessionID, Status: StatusFailed, Echo: e},
			fmt.Errorf("cascade '%s' aborted by on_cascade_start hook", cascade.CascadeID)
	}

	r.spawnAsync(ctx, cascade, e, "on_start")
	return r.dispatch(ctx, cascade, e, startCell, attemptState{})
}

// Resume re-enters a suspended session with the human response for its
// pending checkpoint.
func (r *Runner) Resume(ctx context.Context, resumeToken string, response map[string]any) (*Outcome, error) {
	r.mu.Lock()
	sus, ok := r.suspended[resumeToken]
	if ok {
		delete(r.suspended, resumeToken)
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown resume token '%s'", resumeToken)
	}

	if err := sus.echo.ResolveCheckpoint(resumeToken, response); err != nil {
		return nil, err
	}
	r.publish(bus.EventCheckpointResumed, sus.echo.SessionID, map[string]any{
		"checkpoint_id": resumeToken,
		"cell":          sus.cell,
	})
	return r.dispatch(ctx, sus.cascade, sus.echo, sus.cell, sus.attempt)
}

// dispatch is the main loop: run the current cell, route to the next,
// stop when routing yields nothing.
func (r *Runner) dispatch(ctx context.Context, cascade *config.Cascade, e *echo.Echo, current string, resume attemptState) (*Outcome, error) {
	genus := config.GenusHash(cascade, e.Input)
	invocations := 0
	var lastOutput map[string]any

	for current != "" {
		invocations++
		if invocations > r.opts.MaxCellInvocations {
			return r.fail(ctx, cascade, e,
				fmt.Errorf("cascade '%s' exceeded %d cell invocations", cascade.CascadeID, r.opts.MaxCellInvocations))
		}

		cell := cascade.Cell(current)
		if cell == nil {
			return r.fail(ctx, cascade, e, fmt.Errorf("cascade '%s' routed to unknown cell '%s'", cascade.CascadeID, current))
		}

		r.publish(bus.EventCellStart, e.SessionID, map[string]any{"cell": cell.Name})
		if r.Hooks.fire(ctx, HookEvent{Type: HookCellStart, SessionID: e.SessionID, CascadeID: cascade.CascadeID, Cell: cell.Name}) == Abort {
			return r.fail(ctx, cascade, e, fmt.Errorf("cell '%s' aborted by on_cell_start hook", cell.Name))
		}

		cellCtx, span := observability.Tracer().Start(ctx, "cell."+cell.Name,
			trace.WithAttributes(
				attribute.String("cascade_id", cascade.CascadeID),
				attribute.String("session_id", e.SessionID),
				attribute.String("cell_kind", string(cell.Kind())),
			))
		run := r.newCellRun(cascade, e, cell, genus)
		output, err := run.execute(cellCtx, resume)
		resume = attemptState{}
		run.close(cellCtx)

		var sus *suspendSignal
		if err != nil && !errors.As(err, &sus) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if errors.As(err, &sus) {
			return r.suspend(ctx, cascade, e, cell.Name, sus)
		}
		if err != nil {
			next, handled := r.handleCellError(cell, err)
			if !handled {
				return r.fail(ctx, cascade, e, fmt.Errorf("cell '%s': %w", cell.Name, err))
			}
			e.SetState(cell.Name+"_error", err.Error())
			current = next
			continue
		}

		lastOutput = output
		r.publish(bus.EventCellComplete, e.SessionID, map[string]any{"cell": cell.Name})
		if r.Hooks.fire(ctx, HookEvent{Type: HookCellComplete, SessionID: e.SessionID, CascadeID: cascade.CascadeID, Cell: cell.Name, Data: output}) == Abort {
			return r.fail(ctx, cascade, e, fmt.Errorf("cell '%s' aborted by on_cell_complete hook", cell.Name))
		}

		// Audibles may pause, reroute or abort before routing runs.
		next, audibleErr := r.applyAudibles(e, cell)
		if audibleErr != nil {
			var sus *suspendSignal
			if errors.As(audibleErr, &sus) {
				return r.suspend(ctx, cascade, e, nextCell(cell, output), sus)
			}
			return r.fail(ctx, cascade, e, audibleErr)
		}
		if next != "" {
			current = next
			continue
		}

		current = nextCell(cell, output)
	}

	r.spawnAsync(ctx, cascade, e, "on_end")
	r.publish(bus.EventCascadeComplete, e.SessionID, map[string]any{"cascade_id": cascade.CascadeID})
	r.Hooks.fire(ctx, HookEvent{Type: HookCascadeComplete, SessionID: e.SessionID, CascadeID: cascade.CascadeID, Data: lastOutput})
	r.scheduleAnalytics(e.SessionID, cascade.CascadeID)

	return &Outcome{
		SessionID: e.SessionID,
		Status:    StatusCompleted,
		Output:    lastOutput,
		Echo:      e,
	}, nil
}

func (r *Runner) fail(ctx context.Context, cascade *config.Cascade, e *echo.Echo, err error) (*Outcome, error) {
	r.publish(bus.EventCascadeError, e.SessionID, map[string]any{"error": err.Error()})
	r.Hooks.fire(ctx, HookEvent{Type: HookCascadeError, SessionID: e.SessionID, CascadeID: cascade.CascadeID,
		Data: map[string]any{"error": err.Error()}})
	r.scheduleAnalytics(e.SessionID, cascade.CascadeID)

	if r.opts.Store != nil {
		row := logstore.NewRow(e.SessionID, logstore.NodeError)
		row.CascadeID = cascade.CascadeID
		row.ContentJSON = mustJSON(map[string]any{"error": err.Error()})
		if storeErr := r.opts.Store.Append(ctx, row); storeErr != nil {
			slog.Error("failed to log cascade error", "error", storeErr)
		}
	}
	return &Outcome{SessionID: e.SessionID, Status: StatusFailed, Echo: e}, err
}

// suspend records the checkpoint and parks the session for Resume.
func (r *Runner) suspend(ctx context.Context, cascade *config.Cascade, e *echo.Echo, cell string, sig *suspendSignal) (*Outcome, error) {
	cp := sig.checkpoint
	r.mu.Lock()
	r.suspended[cp.ID] = &suspendedSession{cascade: cascade, echo: e, cell: cell, attempt: sig.state}
	r.mu.Unlock()

	if r.opts.Store != nil {
		row := logstore.NewRow(e.SessionID, logstore.NodeCheckpoint)
		row.CellName = cp.Cell
		row.CascadeID = cascade.CascadeID
		row.ContentJSON = mustJSON(map[string]any{
			"checkpoint_id": cp.ID,
			"kind":          string(cp.Kind),
			"prompt":        cp.Prompt,
			"payload":       cp.Payload,
		})
		if err := r.opts.Store.Append(ctx, row); err != nil {
			slog.Error("failed to log checkpoint", "error", err)
		}
	}

	r.publish(bus.EventCheckpointSuspended, e.SessionID, map[string]any{
		"checkpoint_id": cp.ID,
		"cell":          cp.Cell,
		"kind":          string(cp.Kind),
	})
	r.Hooks.fire(ctx, HookEvent{Type: HookCheckpointSuspended, SessionID: e.SessionID,
		CascadeID: cascade.CascadeID, Cell: cp.Cell,
		Data: map[string]any{"checkpoint_id": cp.ID}})

	return &Outcome{
		SessionID:   e.SessionID,
		Status:      StatusSuspended,
		ResumeToken: cp.ID,
		Checkpoint:  cp,
		Echo:        e,
	}, nil
}

// handleCellError consults on_error: a cell name routes there; auto_fix
// and inline fallbacks are handled inside the executor, so a surviving
// error here is fatal unless a route exists.
func (r *Runner) handleCellError(cell *config.Cell, err error) (string, bool) {
	if name, ok := cell.OnError.(string); ok && name != "" && name != "auto_fix" {
		return name, true
	}
	return "", false
}

// applyAudibles evaluates the cell's audibles in order; the first one
// whose condition is true wins.
func (r *Runner) applyAudibles(e *echo.Echo, cell *config.Cell) (string, error) {
	if len(cell.Audibles) == 0 {
		return "", nil
	}
	renderer := template.New(e.Scope())
	for _, audible := range cell.Audibles {
		hit, err := renderer.EvalCondition(audible.When)
		if err != nil {
			return "", fmt.Errorf("cell '%s' audible: %w", cell.Name, err)
		}
		if !hit {
			continue
		}
		switch audible.Action {
		case "reroute":
			slog.Info("audible reroute", "cell", cell.Name, "target", audible.Target, "reason", audible.Reason)
			return audible.Target, nil
		case "abort":
			return "", fmt.Errorf("cell '%s' aborted by audible: %s", cell.Name, audible.Reason)
		case "pause":
			cp := e.AddCheckpoint(cell.Name, echo.CheckpointAudiblePause, audible.Reason, nil, "")
			return "", &suspendSignal{checkpoint: cp}
		}
	}
	return "", nil
}

// nextCell derives the routing key from the output and maps it to a cell.
func nextCell(cell *config.Cell, output map[string]any) string {
	key := "success"
	if output != nil {
		if route, ok := output["_route"].(string); ok && route != "" {
			key = route
		} else if status, ok := output["status"].(string); ok && status != "" {
			key = status
		}
	}

	if len(cell.Routing) > 0 {
		if target, ok := cell.Routing[key]; ok {
			return target
		}
		return cell.Routing["default"]
	}
	if len(cell.Handoffs) == 1 {
		return cell.Handoffs[0]
	}
	return ""
}

// runSubCascades invokes a cell's synchronous sub-cascades, folding each
// output back into parent state under output_key (default: the ref).
func (r *Runner) runSubCascades(ctx context.Context, e *echo.Echo, cell *config.Cell) error {
	for _, sub := range cell.SubCascades {
		input := mapInputs(e, sub.InputMap)
		if sub.ContextIn {
			input["_parent_history"] = e.History()
		}

		outcome, err := r.RunChild(ctx, e, sub.Ref, input)
		if err != nil {
			return fmt.Errorf("sub-cascade '%s': %w", sub.Ref, err)
		}
		if outcome.Status == StatusSuspended {
			return fmt.Errorf("sub-cascade '%s' suspended; synchronous sub-cascades cannot checkpoint", sub.Ref)
		}

		key := sub.OutputKey
		if key == "" {
			key = sub.Ref
		}
		e.SetState(key, outcome.Output)
	}
	return nil
}

// spawnAsync fires every async cascade in the document whose trigger
// matches. Async sessions run independently; failures are logged only.
func (r *Runner) spawnAsync(ctx context.Context, cascade *config.Cascade, e *echo.Echo, trigger string) {
	for _, cell := range cascade.Cells {
		for _, async := range cell.AsyncCascades {
			at := async.Trigger
			if at == "" {
				at = "on_end"
			}
			if at != trigger {
				continue
			}
			async := async
			input := mapInputs(e, async.InputMap)
			r.asyncWG.Add(1)
			go func() {
				defer r.asyncWG.Done()
				if _, err := r.RunChild(context.WithoutCancel(ctx), e, async.Ref, input); err != nil {
					slog.Error("async cascade failed",
						"ref", async.Ref, "parent_session", e.SessionID, "error", err)
				}
			}()
		}
	}
}

// Wait blocks until all spawned async cascades finish. Used at shutdown.
func (r *Runner) Wait() {
	r.asyncWG.Wait()
}

// mapInputs renames parent scope values per input_map; values are
// template expressions against the parent scope.
func mapInputs(e *echo.Echo, inputMap map[string]string) map[string]any {
	input := make(map[string]any, len(inputMap))
	renderer := template.New(e.Scope())
	for key, expr := range inputMap {
		value, err := renderer.RenderString(expr)
		if err != nil {
			slog.Warn("input_map expression failed", "key", key, "error", err)
			continue
		}
		input[key] = value
	}
	return input
}

// candidateCheckpoint serves human candidate evaluation. It requires the
// interactive HumanInput handler: candidate attempts hold in-flight
// goroutine state that cannot survive a process exit.
func (r *Runner) candidateCheckpoint(ctx context.Context, attempts []*candidates.Attempt, prompt string) (int, error) {
	if r.HumanInput == nil {
		return 0, fmt.Errorf("human candidate evaluation requires an interactive input handler")
	}

	options := make([]map[string]any, len(attempts))
	for i, a := range attempts {
		options[i] = map[string]any{
			"index":    i,
			"model":    a.Model,
			"mutation": a.Mutation,
			"content":  a.Content,
			"cost":     a.Cost,
		}
	}
	cp := &echo.Checkpoint{
		Kind:    echo.CheckpointHumanEval,
		Prompt:  prompt,
		Payload: map[string]any{"candidates": options},
	}
	response, err := r.HumanInput(ctx, cp)
	if err != nil {
		return 0, err
	}
	idx, ok := asInt(response["winner"])
	if !ok {
		return 0, fmt.Errorf("human evaluation response must carry a numeric 'winner'")
	}
	return idx, nil
}

func (r *Runner) scheduleAnalytics(sessionID, cascadeID string) {
	if r.Analytics != nil {
		r.Analytics.Schedule(sessionID, cascadeID)
	}
}

func (r *Runner) publish(eventType bus.EventType, sessionID string, data map[string]any) {
	if r.opts.Events == nil {
		return
	}
	r.opts.Events.Publish(bus.Event{Type: eventType, SessionID: sessionID, Data: data})
}

// validateInputs checks that every name in inputs_schema is present.
func validateInputs(cascade *config.Cascade, input map[string]any) error {
	var missing []string
	for name := range cascade.InputsSchema {
		if _, ok := input[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("cascade '%s' missing required inputs: %v", cascade.CascadeID, missing)
	}
	return nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error": %q}`, err.Error())
	}
	return string(data)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

// durationOr parses the cascade timeout shorthand with a fallback.
func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := config.ParseTimeout(s)
	if err != nil {
		return fallback
	}
	return d
}
