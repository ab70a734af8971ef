// Package analytics post-processes terminated sessions: cost settlement
// waits, session and per-cell aggregates, baseline Z-scores, and context
// cost attribution. The worker only reads the log rows; all output goes
// to the analytics tables.
package analytics

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/rvbbit/lars/pkg/bus"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/logstore"
)

const (
	defaultCostWait     = 10 * time.Second
	defaultPollInterval = 500 * time.Millisecond

	// minBaselineSessions is the smallest prior-session count a tier
	// needs before its Z-scores mean anything.
	minBaselineSessions = 3

	baselineLimit    = 50
	outlierThreshold = 2.0
)

type job struct {
	sessionID string
	cascadeID string
}

// Worker consumes terminated sessions and writes their analytics.
type Worker struct {
	store  *logstore.Store
	models *llms.Registry
	events *bus.Bus

	// CostWait bounds how long to poll for settled costs before
	// computing with whatever is there.
	CostWait     time.Duration
	PollInterval time.Duration

	// RelevanceModel, when set, enables the second LLM pass that scores
	// injected context messages for downstream relevance.
	RelevanceModel string

	// ConfidenceModel, when set, enables post-hoc confidence scoring of
	// the session's final output.
	ConfidenceModel string

	queue chan job
	stop  chan struct{}
	done  chan struct{}
}

func NewWorker(store *logstore.Store, models *llms.Registry, events *bus.Bus) *Worker {
	return &Worker{
		store:        store,
		models:       models,
		events:       events,
		CostWait:     defaultCostWait,
		PollInterval: defaultPollInterval,
		queue:        make(chan job, 256),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go w.run()
}

// Stop drains the queue and shuts the loop down.
func (w *Worker) Stop(ctx context.Context) {
	close(w.stop)
	select {
	case <-w.done:
	case <-ctx.Done():
	}
}

// Schedule enqueues a terminated session. Satisfies the runner's
// AnalyticsScheduler. A full queue drops the job rather than blocking the
// dispatch loop.
func (w *Worker) Schedule(sessionID, cascadeID string) {
	select {
	case w.queue <- job{sessionID: sessionID, cascadeID: cascadeID}:
	default:
		slog.Warn("analytics queue full, dropping session", "session_id", sessionID)
	}
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case j := <-w.queue:
			if err := w.Process(context.Background(), j.sessionID, j.cascadeID); err != nil {
				slog.Error("analytics failed", "session_id", j.sessionID, "error", err)
			}
		case <-w.stop:
			for {
				select {
				case j := <-w.queue:
					if err := w.Process(context.Background(), j.sessionID, j.cascadeID); err != nil {
						slog.Error("analytics failed", "session_id", j.sessionID, "error", err)
					}
				default:
					return
				}
			}
		}
	}
}

// Process runs the full analytics pass for one session, synchronously.
func (w *Worker) Process(ctx context.Context, sessionID, cascadeID string) error {
	w.waitForCosts(ctx, sessionID)

	rows, err := w.store.SessionRows(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	record, err := w.store.SessionRecord(ctx, sessionID)
	if err != nil {
		// Sessions predating the record write still get row-level
		// aggregates.
		record = &logstore.SessionRecord{SessionID: sessionID, CascadeID: cascadeID}
	}

	aggregate := w.aggregate(sessionID, record, rows)
	w.applyBaselines(ctx, aggregate)
	if err := w.store.SaveCascadeAnalytics(ctx, aggregate); err != nil {
		return err
	}

	cells := w.aggregateCells(ctx, sessionID, record.CascadeID, rows)
	if err := w.store.SaveCellAnalytics(ctx, cells); err != nil {
		return err
	}

	if err := w.attributeContext(ctx, sessionID, rows); err != nil {
		slog.Warn("context attribution failed", "session_id", sessionID, "error", err)
	}

	data := map[string]any{
		"cascade_id":    record.CascadeID,
		"total_cost":    deref(aggregate.TotalCost),
		"baseline_tier": aggregate.BaselineTier,
	}
	if w.ConfidenceModel != "" {
		if confidence, ok := w.assessConfidence(ctx, record, rows); ok {
			data["confidence"] = confidence
		}
	}

	if w.events != nil {
		w.events.Publish(bus.Event{
			Type:      bus.EventAnalyticsComplete,
			SessionID: sessionID,
			Data:      data,
		})
	}
	return nil
}

// waitForCosts polls until every model row has a settled cost, the
// session has no model rows at all, or the wait budget runs out.
func (w *Worker) waitForCosts(ctx context.Context, sessionID string) {
	deadline := time.Now().Add(w.CostWait)
	for time.Now().Before(deadline) {
		modelRows, err := w.store.CountModelRows(ctx, sessionID)
		if err != nil || modelRows == 0 {
			return
		}
		settled, err := w.store.HasCostRows(ctx, sessionID)
		if err == nil && settled {
			return
		}
		select {
		case <-time.After(w.PollInterval):
		case <-ctx.Done():
			return
		}
	}
	slog.Warn("cost settlement wait expired, computing with partial costs", "session_id", sessionID)
}

func (w *Worker) aggregate(sessionID string, record *logstore.SessionRecord, rows []*logstore.Row) *logstore.CascadeAnalytics {
	a := &logstore.CascadeAnalytics{
		SessionID: sessionID,
		CascadeID: record.CascadeID,
		GenusHash: record.GenusHash,
	}
	if record.InvocationMetadata != nil {
		a.InputComplexity = ClassifyInput(record.InvocationMetadata)
	} else {
		a.InputComplexity = ComplexityTiny
	}

	var totalCost float64
	haveCost := false
	var first, last time.Time
	for i, row := range rows {
		if i == 0 || row.Timestamp.Before(first) {
			first = row.Timestamp
		}
		if row.Timestamp.After(last) {
			last = row.Timestamp
		}
		if row.Cost != nil {
			totalCost += *row.Cost
			haveCost = true
		}
		if row.TokensIn != nil {
			a.TotalTokensIn += *row.TokensIn
		}
		if row.TokensOut != nil {
			a.TotalTokensOut += *row.TokensOut
		}
		switch row.NodeType {
		case logstore.NodeAgent:
			a.LLMCalls++
		case logstore.NodeToolCall:
			a.ToolCalls++
		case logstore.NodeError:
			a.ErrorCount++
		}
	}
	a.DurationMS = last.Sub(first).Milliseconds()
	if haveCost {
		a.TotalCost = logstore.Float(totalCost)
	}
	return a
}

// applyBaselines picks the most specific tier with enough prior sessions
// and scores the session against it.
func (w *Worker) applyBaselines(ctx context.Context, a *logstore.CascadeAnalytics) {
	tiers := []struct {
		name string
		load func() ([]*logstore.CascadeAnalytics, error)
	}{
		{"cluster", func() ([]*logstore.CascadeAnalytics, error) {
			return w.store.BaselineByComplexity(ctx, a.CascadeID, a.InputComplexity, baselineLimit)
		}},
		{"genus", func() ([]*logstore.CascadeAnalytics, error) {
			if a.GenusHash == "" {
				return nil, nil
			}
			return w.store.BaselineByGenus(ctx, a.GenusHash, baselineLimit)
		}},
		{"global", func() ([]*logstore.CascadeAnalytics, error) {
			return w.store.BaselineByCascade(ctx, a.CascadeID, baselineLimit)
		}},
	}

	for _, tier := range tiers {
		prior, err := tier.load()
		if err != nil {
			slog.Warn("baseline query failed", "tier", tier.name, "error", err)
			continue
		}
		if len(prior) < minBaselineSessions {
			continue
		}

		a.BaselineTier = tier.name
		a.BaselineN = len(prior)

		costs := make([]float64, 0, len(prior))
		durations := make([]float64, 0, len(prior))
		tokens := make([]float64, 0, len(prior))
		for _, p := range prior {
			if p.TotalCost != nil {
				costs = append(costs, *p.TotalCost)
			}
			durations = append(durations, float64(p.DurationMS))
			tokens = append(tokens, float64(p.TotalTokensIn+p.TotalTokensOut))
		}

		if a.TotalCost != nil && len(costs) >= minBaselineSessions {
			a.CostZ = logstore.Float(zScore(*a.TotalCost, costs))
		}
		a.DurationZ = logstore.Float(zScore(float64(a.DurationMS), durations))
		a.TokensZ = logstore.Float(zScore(float64(a.TotalTokensIn+a.TotalTokensOut), tokens))

		if isOutlier(a.CostZ) || isOutlier(a.DurationZ) || isOutlier(a.TokensZ) {
			slog.Warn("session is a baseline outlier",
				"session_id", a.SessionID, "tier", tier.name,
				"cost_z", deref(a.CostZ), "duration_z", deref(a.DurationZ), "tokens_z", deref(a.TokensZ))
		}
		return
	}
}

// aggregateCells rolls the session up per cell and scores each against
// its species baseline.
func (w *Worker) aggregateCells(ctx context.Context, sessionID, cascadeID string, rows []*logstore.Row) []*logstore.CellAnalytics {
	byCell := map[string]*logstore.CellAnalytics{}
	var order []string
	starts := map[string]time.Time{}
	ends := map[string]time.Time{}

	for _, row := range rows {
		if row.CellName == "" {
			continue
		}
		cell, ok := byCell[row.CellName]
		if !ok {
			cell = &logstore.CellAnalytics{
				SessionID: sessionID,
				CellName:  row.CellName,
				CascadeID: cascadeID,
			}
			byCell[row.CellName] = cell
			order = append(order, row.CellName)
			starts[row.CellName] = row.Timestamp
		}
		ends[row.CellName] = row.Timestamp

		if row.SpeciesHash != "" {
			cell.SpeciesHash = row.SpeciesHash
		}
		if row.ModelActual != "" {
			cell.Model = row.ModelActual
		}
		if row.Cost != nil {
			if cell.Cost == nil {
				cell.Cost = logstore.Float(0)
			}
			*cell.Cost += *row.Cost
		}
		if row.TokensIn != nil {
			cell.TokensIn += *row.TokensIn
		}
		if row.TokensOut != nil {
			cell.TokensOut += *row.TokensOut
		}
		if row.NodeType == logstore.NodeAgent {
			cell.Turns++
		}
	}

	cells := make([]*logstore.CellAnalytics, 0, len(order))
	for _, name := range order {
		cell := byCell[name]
		cell.DurationMS = ends[name].Sub(starts[name]).Milliseconds()
		w.applyCellBaseline(ctx, cell)
		cells = append(cells, cell)
	}
	return cells
}

func (w *Worker) applyCellBaseline(ctx context.Context, cell *logstore.CellAnalytics) {
	if cell.SpeciesHash == "" {
		return
	}
	prior, err := w.store.CellBaseline(ctx, cell.SpeciesHash, baselineLimit)
	if err != nil || len(prior) < minBaselineSessions {
		return
	}

	costs := make([]float64, 0, len(prior))
	durations := make([]float64, 0, len(prior))
	for _, p := range prior {
		if p.Cost != nil {
			costs = append(costs, *p.Cost)
		}
		durations = append(durations, float64(p.DurationMS))
	}
	if cell.Cost != nil && len(costs) >= minBaselineSessions {
		cell.CostZ = logstore.Float(zScore(*cell.Cost, costs))
	}
	cell.DurationZ = logstore.Float(zScore(float64(cell.DurationMS), durations))

	if isOutlier(cell.CostZ) || isOutlier(cell.DurationZ) {
		slog.Warn("cell is a species-baseline outlier",
			"session_id", cell.SessionID, "cell", cell.CellName,
			"cost_z", deref(cell.CostZ), "duration_z", deref(cell.DurationZ))
	}
}

// zScore computes (v - mean) / stddev over the sample, 0 when the sample
// has no spread.
func zScore(v float64, sample []float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sample {
		sum += s
	}
	mean := sum / float64(len(sample))

	var variance float64
	for _, s := range sample {
		variance += (s - mean) * (s - mean)
	}
	stddev := math.Sqrt(variance / float64(len(sample)))
	if stddev == 0 {
		return 0
	}
	return (v - mean) / stddev
}

func isOutlier(z *float64) bool {
	return z != nil && math.Abs(*z) > outlierThreshold
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
