package costs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvbbit/lars/pkg/bus"
	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/logstore"
)

type fakeFetcher struct {
	data  llms.CostData
	err   error
	calls int
}

func (f *fakeFetcher) FetchCost(_ context.Context, _ string) (*llms.CostData, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &f.data, nil
}

func newTracker(t *testing.T) (*Tracker, *logstore.Store, *bus.Bus) {
	t.Helper()
	store, err := logstore.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	events := bus.New(16)
	t.Cleanup(events.Shutdown)

	tracker := NewTracker(store, events, &config.CostTrackerConfig{
		SettleInterval: 10 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	return tracker, store, events
}

func TestPatchModeSettlesFromFetcher(t *testing.T) {
	tracker, store, events := newTracker(t)
	ctx := context.Background()

	row := logstore.NewRow("sess-1", logstore.NodeAgent)
	require.NoError(t, store.Append(ctx, row))

	sub := events.Subscribe(bus.WithTypes(bus.EventCostUpdate))
	defer sub.Close()

	tracker.Track(&Pending{
		SessionID: "sess-1",
		TraceID:   row.TraceID,
		RequestID: "req-1",
		Fetcher:   &fakeFetcher{data: llms.CostData{Cost: 0.02, TokensIn: 100, TokensOut: 50, Available: true}},
	})

	tracker.Start()
	defer tracker.Stop(ctx)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "sess-1", ev.SessionID)
		assert.InDelta(t, 0.02, ev.Data["cost"].(float64), 1e-9)
		assert.Equal(t, true, ev.Data["settled"])
	case <-time.After(2 * time.Second):
		t.Fatal("no cost_update event")
	}

	got, err := store.Row(ctx, row.TraceID)
	require.NoError(t, err)
	require.NotNil(t, got.Cost)
	assert.InDelta(t, 0.02, *got.Cost, 1e-9)
	assert.Equal(t, 100, *got.TokensIn)
	assert.InDelta(t, 0.02, tracker.SessionTotal("sess-1"), 1e-9)
}

func TestDeferredModeAppendsRowWithCost(t *testing.T) {
	tracker, store, _ := newTracker(t)
	ctx := context.Background()

	row := logstore.NewRow("sess-2", logstore.NodeAgent)
	tracker.Track(&Pending{
		SessionID: "sess-2",
		TraceID:   row.TraceID,
		RequestID: "req-2",
		Fetcher:   &fakeFetcher{data: llms.CostData{Cost: 0.005, Available: true}},
		Row:       row,
	})

	// Row must not exist before settlement.
	_, err := store.Row(ctx, row.TraceID)
	require.Error(t, err)

	tracker.Start()
	defer tracker.Stop(ctx)

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, tracker.Flush(flushCtx, "sess-2"))

	got, err := store.Row(ctx, row.TraceID)
	require.NoError(t, err)
	require.NotNil(t, got.Cost)
	assert.InDelta(t, 0.005, *got.Cost, 1e-9)
}

func TestFallbackToPriceTable(t *testing.T) {
	tracker, store, _ := newTracker(t)
	ctx := context.Background()

	row := logstore.NewRow("sess-3", logstore.NodeAgent)
	require.NoError(t, store.Append(ctx, row))

	tracker.Track(&Pending{
		SessionID: "sess-3",
		TraceID:   row.TraceID,
		Usage:     llms.Usage{TokensIn: 1_000_000, TokensOut: 0},
		PriceIn:   3.0,
		PriceOut:  15.0,
	})

	tracker.Start()
	defer tracker.Stop(ctx)

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, tracker.Flush(flushCtx, "sess-3"))

	got, err := store.Row(ctx, row.TraceID)
	require.NoError(t, err)
	require.NotNil(t, got.Cost)
	assert.InDelta(t, 3.0, *got.Cost, 1e-9)
}

func TestUnsettlableCostStaysNull(t *testing.T) {
	tracker, store, _ := newTracker(t)
	ctx := context.Background()

	row := logstore.NewRow("sess-4", logstore.NodeAgent)
	require.NoError(t, store.Append(ctx, row))

	// Fetcher always errors and there is no price table.
	tracker.Track(&Pending{
		SessionID: "sess-4",
		TraceID:   row.TraceID,
		RequestID: "req-4",
		Fetcher:   &fakeFetcher{err: fmt.Errorf("gateway down")},
	})

	tracker.Start()
	tracker.Stop(ctx) // force-settles everything

	got, err := store.Row(ctx, row.TraceID)
	require.NoError(t, err)
	assert.Nil(t, got.Cost)
	assert.Zero(t, tracker.SessionTotal("sess-4"))
}

func TestRetriesUntilAvailable(t *testing.T) {
	tracker, store, _ := newTracker(t)
	ctx := context.Background()

	row := logstore.NewRow("sess-5", logstore.NodeAgent)
	require.NoError(t, store.Append(ctx, row))

	fetcher := &fakeFetcher{data: llms.CostData{Available: false}}
	tracker.Track(&Pending{
		SessionID: "sess-5",
		TraceID:   row.TraceID,
		RequestID: "req-5",
		Fetcher:   fetcher,
		Usage:     llms.Usage{TokensIn: 10, TokensOut: 10},
		PriceIn:   1.0,
		PriceOut:  1.0,
	})

	tracker.Start()
	defer tracker.Stop(ctx)

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, tracker.Flush(flushCtx, "sess-5"))

	// Not-yet-available responses are retried before the price fallback.
	assert.GreaterOrEqual(t, fetcher.calls, 2)

	got, err := store.Row(ctx, row.TraceID)
	require.NoError(t, err)
	require.NotNil(t, got.Cost)
}
