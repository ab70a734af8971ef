package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rvbbit/lars/pkg/bus"
)

// Narrator renders lifecycle events as human-readable log lines. It is a
// plain bus subscriber; dropping it changes nothing about execution.
type Narrator struct {
	log *slog.Logger
}

func NewNarrator(log *slog.Logger) *Narrator {
	if log == nil {
		log = slog.Default()
	}
	return &Narrator{log: log}
}

// Run narrates until the context is cancelled or the bus shuts down.
func (n *Narrator) Run(ctx context.Context, events *bus.Bus) {
	sub := events.Subscribe()
	go func() {
		defer sub.Close()
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				n.narrate(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (n *Narrator) narrate(ev bus.Event) {
	short := ev.SessionID
	if len(short) > 8 {
		short = short[:8]
	}
	log := n.log.With("session", short)

	switch ev.Type {
	case bus.EventCascadeStart:
		log.Info(fmt.Sprintf("cascade %v started", ev.Data["cascade_id"]))
	case bus.EventCellStart:
		log.Info(fmt.Sprintf("cell %v running", ev.Data["cell"]))
	case bus.EventCellComplete:
		log.Info(fmt.Sprintf("cell %v done", ev.Data["cell"]))
	case bus.EventCheckpointSuspended:
		log.Info(fmt.Sprintf("waiting on a human at %v (%v)", ev.Data["cell"], ev.Data["kind"]))
	case bus.EventCheckpointResumed:
		log.Info(fmt.Sprintf("resumed at %v", ev.Data["cell"]))
	case bus.EventCandidateComplete:
		log.Info(fmt.Sprintf("candidate batch settled for %v", ev.Data["cell"]))
	case bus.EventCostUpdate:
		if total, ok := asFloat(ev.Data["session_total"]); ok {
			log.Info(fmt.Sprintf("session spend so far: $%.4f", total))
		}
	case bus.EventCascadeComplete:
		log.Info(fmt.Sprintf("cascade %v completed", ev.Data["cascade_id"]))
	case bus.EventCascadeError:
		log.Warn(fmt.Sprintf("cascade failed: %v", ev.Data["error"]))
	case bus.EventAnalyticsComplete:
		log.Info(fmt.Sprintf("analytics written (tier %v, $%.4f)",
			ev.Data["baseline_tier"], floatOr(ev.Data["total_cost"])))
	}
}

func floatOr(v any) float64 {
	f, _ := asFloat(v)
	return f
}
