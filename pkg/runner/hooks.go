package runner

import "context"

// HookDecision is a hook's verdict on whether the run continues.
type HookDecision int

const (
	Continue HookDecision = iota
	Abort
)

// Hook event types, fired in lifecycle order.
const (
	HookCascadeStart        = "on_cascade_start"
	HookCellStart           = "on_cell_start"
	HookCellComplete        = "on_cell_complete"
	HookCheckpointSuspended = "on_checkpoint_suspended"
	HookCascadeComplete     = "on_cascade_complete"
	HookCascadeError        = "on_cascade_error"
)

// HookEvent carries the lifecycle context to a hook.
type HookEvent struct {
	Type      string
	SessionID string
	CascadeID string
	Cell      string
	Data      map[string]any
}

// Hook observes (and can abort) a cascade run.
type Hook func(ctx context.Context, event HookEvent) HookDecision

// Hooks binds one optional hook per lifecycle event.
type Hooks struct {
	OnCascadeStart        Hook
	OnCellStart           Hook
	OnCellComplete        Hook
	OnCheckpointSuspended Hook
	OnCascadeComplete     Hook
	OnCascadeError        Hook
}

func (h *Hooks) pick(event string) Hook {
	switch event {
	case HookCascadeStart:
		return h.OnCascadeStart
	case HookCellStart:
		return h.OnCellStart
	case HookCellComplete:
		return h.OnCellComplete
	case HookCheckpointSuspended:
		return h.OnCheckpointSuspended
	case HookCascadeComplete:
		return h.OnCascadeComplete
	case HookCascadeError:
		return h.OnCascadeError
	}
	return nil
}

func (h *Hooks) fire(ctx context.Context, event HookEvent) HookDecision {
	hook := h.pick(event.Type)
	if hook == nil {
		return Continue
	}
	return hook(ctx, event)
}
