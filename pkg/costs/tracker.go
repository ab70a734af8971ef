// Package costs settles LLM call costs asynchronously. Gateway providers
// report authoritative cost a few seconds after the response; the tracker
// holds each call until the figure settles, then either appends the
// deferred log row with cost attached or patches the already-written row.
package costs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rvbbit/lars/pkg/bus"
	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/logstore"
)

// maxAttempts bounds how many settle cycles a pending call may retry
// before falling back to price-table estimation.
const maxAttempts = 6

// Pending is one LLM call awaiting cost settlement.
type Pending struct {
	SessionID string
	TraceID   string
	RequestID string

	// Fetcher queries the provider for authoritative cost. Nil when the
	// provider has no cost endpoint.
	Fetcher llms.CostFetcher

	// Usage and prices drive the fallback estimate when no authoritative
	// figure arrives.
	Usage    llms.Usage
	PriceIn  float64
	PriceOut float64

	// Row, when set, is the deferred log row: it has not been appended
	// yet and will be written once cost resolves. When nil the row is
	// already in the store and gets patched instead.
	Row *logstore.Row

	enqueuedAt time.Time
	attempts   int
}

// Tracker is the background settlement worker.
type Tracker struct {
	store  *logstore.Store
	events *bus.Bus
	settle time.Duration
	poll   time.Duration

	mu      sync.Mutex
	pending []*Pending
	totals  map[string]float64

	stop chan struct{}
	done chan struct{}
}

func NewTracker(store *logstore.Store, events *bus.Bus, cfg *config.CostTrackerConfig) *Tracker {
	settle, poll := 5*time.Second, time.Second
	if cfg != nil {
		if cfg.SettleInterval > 0 {
			settle = cfg.SettleInterval
		}
		if cfg.PollInterval > 0 {
			poll = cfg.PollInterval
		}
	}
	return &Tracker{
		store:  store,
		events: events,
		settle: settle,
		poll:   poll,
		totals: make(map[string]float64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the settlement loop.
func (t *Tracker) Start() {
	go t.run()
}

// Stop settles everything still pending and shuts the loop down.
func (t *Tracker) Stop(ctx context.Context) {
	close(t.stop)
	select {
	case <-t.done:
	case <-ctx.Done():
	}
	t.settleAll(ctx, true)
}

// Track enqueues a call for settlement.
func (t *Tracker) Track(p *Pending) {
	p.enqueuedAt = time.Now()
	t.mu.Lock()
	t.pending = append(t.pending, p)
	t.mu.Unlock()
}

// SessionTotal returns the settled cost accumulated for a session so far.
func (t *Tracker) SessionTotal(sessionID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[sessionID]
}

// PendingCount reports how many calls are still unsettled, across all
// sessions.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Flush blocks until every pending call of the session has settled or the
// context expires. The analytics worker calls this before aggregating.
func (t *Tracker) Flush(ctx context.Context, sessionID string) error {
	for {
		t.settleAll(ctx, false)

		t.mu.Lock()
		remaining := 0
		for _, p := range t.pending {
			if p.SessionID == sessionID {
				remaining++
			}
		}
		t.mu.Unlock()

		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.poll):
		}
	}
}

func (t *Tracker) run() {
	defer close(t.done)
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.settleAll(context.Background(), false)
		}
	}
}

// settleAll resolves every pending call past its settle interval. With
// force set, everything is resolved immediately using whatever data is
// available.
func (t *Tracker) settleAll(ctx context.Context, force bool) {
	t.mu.Lock()
	due := make([]*Pending, 0, len(t.pending))
	rest := t.pending[:0]
	now := time.Now()
	for _, p := range t.pending {
		if force || now.Sub(p.enqueuedAt) >= t.settle {
			due = append(due, p)
		} else {
			rest = append(rest, p)
		}
	}
	t.pending = rest
	t.mu.Unlock()

	for _, p := range due {
		if done := t.settleOne(ctx, p, force); !done {
			t.mu.Lock()
			t.pending = append(t.pending, p)
			t.mu.Unlock()
		}
	}
}

// settleOne returns false when the call should be retried next cycle.
func (t *Tracker) settleOne(ctx context.Context, p *Pending, force bool) bool {
	var (
		cost      *float64
		tokensIn  = p.Usage.TokensIn
		tokensOut = p.Usage.TokensOut
	)

	if p.Fetcher != nil && p.RequestID != "" {
		data, err := p.Fetcher.FetchCost(ctx, p.RequestID)
		switch {
		case err != nil:
			p.attempts++
			if !force && p.attempts < maxAttempts {
				slog.Debug("cost fetch retry", "request_id", p.RequestID, "attempt", p.attempts, "error", err)
				return false
			}
			slog.Warn("cost fetch gave up", "request_id", p.RequestID, "error", err)
		case data.Available:
			cost = logstore.Float(data.Cost)
			if data.TokensIn > 0 {
				tokensIn = data.TokensIn
			}
			if data.TokensOut > 0 {
				tokensOut = data.TokensOut
			}
		default:
			p.attempts++
			if !force && p.attempts < maxAttempts {
				return false
			}
		}
	}

	if cost == nil && (p.PriceIn > 0 || p.PriceOut > 0) {
		cost = logstore.Float(llms.PriceCost(llms.Usage{TokensIn: tokensIn, TokensOut: tokensOut}, p.PriceIn, p.PriceOut))
	}

	// No authoritative figure and no price table: the row keeps a null
	// cost rather than a fabricated one.
	if p.Row != nil {
		p.Row.Cost = cost
		p.Row.TokensIn = logstore.Int(tokensIn)
		p.Row.TokensOut = logstore.Int(tokensOut)
		if err := t.store.Append(ctx, p.Row); err != nil {
			slog.Error("failed to append deferred log row", "trace_id", p.TraceID, "error", err)
		}
	} else if cost != nil {
		if err := t.store.PatchCost(ctx, p.TraceID, *cost, tokensIn, tokensOut); err != nil {
			slog.Error("failed to patch cost", "trace_id", p.TraceID, "error", err)
		}
	}

	total := 0.0
	if cost != nil {
		t.mu.Lock()
		t.totals[p.SessionID] += *cost
		total = t.totals[p.SessionID]
		t.mu.Unlock()
	} else {
		t.mu.Lock()
		total = t.totals[p.SessionID]
		t.mu.Unlock()
	}

	if t.events != nil {
		data := map[string]any{
			"trace_id":      p.TraceID,
			"session_total": total,
			"settled":       cost != nil,
		}
		if cost != nil {
			data["cost"] = *cost
		}
		t.events.Publish(bus.Event{
			Type:      bus.EventCostUpdate,
			SessionID: p.SessionID,
			Data:      data,
		})
	}
	return true
}
