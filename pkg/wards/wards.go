// Package wards applies validator gates around a cell's main work.
// Blocking wards fail the cell, advisory wards only record, retry wards
// re-enter the work until their attempt budget runs out and then block.
package wards

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rvbbit/lars/pkg/bus"
	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/logstore"
	"github.com/rvbbit/lars/pkg/tools"
	"github.com/rvbbit/lars/pkg/validators"
)

// Decision is what one failed ward asks of the cell.
type Decision int

const (
	Pass Decision = iota
	Fail
	Retry
)

// Check is the outcome of one ward.
type Check struct {
	Ward     config.WardConfig
	Verdict  *validators.Verdict
	Decision Decision
}

// Outcome aggregates a ward group run.
type Outcome struct {
	Checks []Check
}

// Passed reports whether every ward passed (advisory failures count as
// passed).
func (o *Outcome) Passed() bool {
	for _, c := range o.Checks {
		if c.Decision != Pass {
			return false
		}
	}
	return true
}

// ShouldRetry reports whether any failed ward still has retry budget and
// none demands an outright fail.
func (o *Outcome) ShouldRetry() bool {
	retry := false
	for _, c := range o.Checks {
		switch c.Decision {
		case Fail:
			return false
		case Retry:
			retry = true
		}
	}
	return retry
}

// FailureReason joins the reasons of every failed ward.
func (o *Outcome) FailureReason() string {
	var reasons []string
	for _, c := range o.Checks {
		if c.Decision == Pass {
			continue
		}
		reason := c.Verdict.Reason
		if reason == "" {
			reason = "ward failed"
		}
		reasons = append(reasons, reason)
	}
	return strings.Join(reasons, "; ")
}

// RetryInstructions collects retry guidance from failed retry wards, for
// injection into the next turn.
func (o *Outcome) RetryInstructions() string {
	var parts []string
	for _, c := range o.Checks {
		if c.Decision == Retry && c.Ward.RetryInstructions != "" {
			parts = append(parts, c.Ward.RetryInstructions)
		}
	}
	return strings.Join(parts, "\n")
}

// Engine runs ward groups and records every verdict.
type Engine struct {
	dispatcher *validators.Dispatcher
	store      *logstore.Store
	events     *bus.Bus
}

func NewEngine(dispatcher *validators.Dispatcher, store *logstore.Store, events *bus.Bus) *Engine {
	return &Engine{dispatcher: dispatcher, store: store, events: events}
}

// Run checks content against a ward group. position labels the group in
// logs (pre/post/turn); attempt is 1-based and drives retry exhaustion.
func (e *Engine) Run(ctx context.Context, wardGroup []config.WardConfig, position string, content any, bindings *tools.Bindings, attempt int) (*Outcome, error) {
	outcome := &Outcome{}
	for i, ward := range wardGroup {
		verdict, err := e.dispatcher.Dispatch(ctx, ward.Validator, content, bindings)
		if err != nil {
			return nil, fmt.Errorf("%s ward %d: %w", position, i, err)
		}

		decision := Pass
		if !verdict.Valid {
			switch ward.Mode {
			case config.WardModeAdvisory:
				decision = Pass
				slog.Info("advisory ward failed",
					"position", position, "reason", verdict.Reason,
					"cell", cellName(bindings))
			case config.WardModeRetry:
				if attempt < ward.MaxAttempts {
					decision = Retry
				} else {
					decision = Fail
				}
			default:
				decision = Fail
			}
		}

		outcome.Checks = append(outcome.Checks, Check{Ward: ward, Verdict: verdict, Decision: decision})
		e.record(ctx, position, i, ward, verdict, decision, bindings, attempt)

		// A hard failure short-circuits the rest of the group.
		if decision == Fail {
			break
		}
	}
	return outcome, nil
}

func (e *Engine) record(ctx context.Context, position string, index int, ward config.WardConfig, verdict *validators.Verdict, decision Decision, bindings *tools.Bindings, attempt int) {
	payload := map[string]any{
		"position": position,
		"index":    index,
		"mode":     string(ward.Mode),
		"valid":    verdict.Valid,
		"reason":   verdict.Reason,
		"attempt":  attempt,
	}

	if e.store != nil {
		row := logstore.NewRow(sessionID(bindings), logstore.NodeWardResult)
		row.CellName = cellName(bindings)
		row.CascadeID = cascadeID(bindings)
		if data, err := json.Marshal(payload); err == nil {
			row.ContentJSON = string(data)
		}
		if err := e.store.Append(ctx, row); err != nil {
			slog.Error("failed to log ward result", "error", err)
		}
	}

	if e.events != nil {
		e.events.Publish(bus.Event{
			Type:      bus.EventWardResult,
			SessionID: sessionID(bindings),
			Data:      payload,
		})
	}
}

func sessionID(b *tools.Bindings) string {
	if b == nil {
		return ""
	}
	return b.SessionID
}

func cellName(b *tools.Bindings) string {
	if b == nil {
		return ""
	}
	return b.CellName
}

func cascadeID(b *tools.Bindings) string {
	if b == nil {
		return ""
	}
	return b.CascadeID
}
