package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rvbbit/lars/pkg/bus"
)

// Metrics holds the engine's prometheus collectors. They are fed from
// the event bus so instrumentation never touches the hot path directly.
type Metrics struct {
	CascadesTotal    *prometheus.CounterVec
	CellsTotal       *prometheus.CounterVec
	CheckpointsTotal *prometheus.CounterVec
	CandidatesTotal  prometheus.Counter
	CostDollars      prometheus.Counter
	TokensTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CascadesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lars_cascades_total",
			Help: "Cascade runs by terminal status.",
		}, []string{"status"}),
		CellsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lars_cells_total",
			Help: "Cell executions completed.",
		}, []string{"cell"}),
		CheckpointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lars_checkpoints_total",
			Help: "Checkpoints by lifecycle (suspended, resumed).",
		}, []string{"phase"}),
		CandidatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lars_candidate_batches_total",
			Help: "Candidate fan-out batches completed.",
		}),
		CostDollars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lars_cost_dollars_total",
			Help: "Settled LLM spend in dollars.",
		}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lars_tokens_total",
			Help: "Settled token counts by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.CascadesTotal, m.CellsTotal, m.CheckpointsTotal,
		m.CandidatesTotal, m.CostDollars, m.TokensTotal)
	return m
}

// Observe subscribes to the bus and updates collectors until the context
// is cancelled or the bus shuts down.
func (m *Metrics) Observe(ctx context.Context, events *bus.Bus) {
	sub := events.Subscribe()
	go func() {
		defer sub.Close()
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				m.record(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Metrics) record(ev bus.Event) {
	switch ev.Type {
	case bus.EventCascadeComplete:
		m.CascadesTotal.WithLabelValues("completed").Inc()
	case bus.EventCascadeError:
		m.CascadesTotal.WithLabelValues("failed").Inc()
	case bus.EventCellComplete:
		cell, _ := ev.Data["cell"].(string)
		m.CellsTotal.WithLabelValues(cell).Inc()
	case bus.EventCheckpointSuspended:
		m.CheckpointsTotal.WithLabelValues("suspended").Inc()
	case bus.EventCheckpointResumed:
		m.CheckpointsTotal.WithLabelValues("resumed").Inc()
	case bus.EventCandidateComplete:
		m.CandidatesTotal.Inc()
	case bus.EventCostUpdate:
		if cost, ok := asFloat(ev.Data["cost"]); ok {
			m.CostDollars.Add(cost)
		}
		if in, ok := asFloat(ev.Data["tokens_in"]); ok {
			m.TokensTotal.WithLabelValues("in").Add(in)
		}
		if out, ok := asFloat(ev.Data["tokens_out"]); ok {
			m.TokensTotal.WithLabelValues("out").Add(out)
		}
	}
}

func asFloat(v any) (float64, bool) {
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
