package llms

import (
	"context"
	"fmt"
	"sync"
)

// FakeProvider is a scripted provider for tests: it returns queued
// responses in order, recording every request it saw.
type FakeProvider struct {
	mu        sync.Mutex
	name      string
	model     string
	responses []*Response
	calls     [][]Message
	toolDefs  [][]ToolDefinition
	inPrice   float64
	outPrice  float64

	// GenerateFunc, when set, overrides the queued responses entirely.
	GenerateFunc func(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error)
}

func NewFakeProvider(name string, responses ...*Response) *FakeProvider {
	return &FakeProvider{
		name:      name,
		model:     name,
		responses: responses,
	}
}

// WithPrices sets the per-mtok prices reported by the fake.
func (f *FakeProvider) WithPrices(in, out float64) *FakeProvider {
	f.inPrice = in
	f.outPrice = out
	return f
}

// Enqueue appends another scripted response.
func (f *FakeProvider) Enqueue(resp *Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
}

func (f *FakeProvider) Name() string  { return f.name }
func (f *FakeProvider) Model() string { return f.model }

func (f *FakeProvider) Prices() (float64, float64) {
	return f.inPrice, f.outPrice
}

func (f *FakeProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	if f.GenerateFunc != nil {
		return f.GenerateFunc(ctx, messages, tools)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, append([]Message(nil), messages...))
	f.toolDefs = append(f.toolDefs, append([]ToolDefinition(nil), tools...))

	if len(f.responses) == 0 {
		return nil, fmt.Errorf("fake provider '%s': no scripted responses left", f.name)
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	if resp.Model == "" {
		resp.Model = f.model
	}
	return resp, nil
}

// Calls returns the recorded message lists, one per Generate call.
func (f *FakeProvider) Calls() [][]Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]Message(nil), f.calls...)
}

// LastTools returns the tool definitions of the most recent call.
func (f *FakeProvider) LastTools() []ToolDefinition {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.toolDefs) == 0 {
		return nil
	}
	return f.toolDefs[len(f.toolDefs)-1]
}

var _ Provider = (*FakeProvider)(nil)
