package contexts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/echo"
	"github.com/rvbbit/lars/pkg/embedders"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/template"
)

// Metadata keys the runner stamps onto history messages; the builder
// selects on them.
const (
	MetaCell    = "cell"
	MetaKind    = "kind" // output | tool_result | input | error
	MetaCallout = "callout"
	MetaTurn    = "turn"
)

// Built is an assembled context: the messages, the source cell of each,
// and the content hashes of the logged rows whose content was included.
// Hashes always refer to stored row content, never to synthesized
// wrapper strings, so attribution can resolve every entry; material
// without a backing row (input, state) contributes no hash.
type Built struct {
	Messages []llms.Message
	Sources  []string
	Hashes   []string
}

func (b *Built) add(msg llms.Message, source, hash string) {
	b.Messages = append(b.Messages, msg)
	b.Sources = append(b.Sources, source)
	if hash != "" {
		b.Hashes = append(b.Hashes, hash)
	}
}

// Builder selects prior-session material for one cell's LLM calls.
type Builder struct {
	echo *echo.Echo

	// Embedder enables the semantic strategy; Selector the llm and
	// hybrid strategies.
	Embedder embedders.Embedder
	Selector llms.Provider
}

func NewBuilder(e *echo.Echo) *Builder {
	return &Builder{echo: e}
}

// Build assembles the context block for a cell. cellOrder is the cascade's
// cell sequence up to (excluding) the current cell; instructions is the
// cell's rendered prompt, used as the relevance query.
func (b *Builder) Build(ctx context.Context, cellName string, cfg *config.ContextConfig, instructions string, cellOrder []string) (*Built, error) {
	built := &Built{}
	if cfg == nil {
		return built, nil
	}

	if len(cfg.From) > 0 {
		if err := b.buildExplicit(built, cfg, cellOrder); err != nil {
			return nil, err
		}
		return built, nil
	}
	return built, b.buildAuto(ctx, built, cfg, instructions)
}

func (b *Builder) buildExplicit(built *Built, cfg *config.ContextConfig, cellOrder []string) error {
	if cfg.IncludeInput == nil || *cfg.IncludeInput {
		if msg, ok := b.inputMessage(); ok {
			built.add(msg, "input", "")
		}
	}

	renderer := template.New(b.echo.Scope())
	for _, raw := range cfg.From {
		sources, err := b.expandSource(raw, cellOrder)
		if err != nil {
			return err
		}
		for _, src := range sources {
			if src.Condition != "" {
				ok, err := renderer.EvalCondition(src.Condition)
				if err != nil {
					return fmt.Errorf("context source '%s': %w", src.Cell, err)
				}
				if !ok {
					continue
				}
			}
			if err := b.addSource(built, src); err != nil {
				return err
			}
		}
	}
	return nil
}

// expandSource resolves one From entry, including the all/first/previous
// keywords, into concrete source specs.
func (b *Builder) expandSource(raw any, cellOrder []string) ([]config.ContextSource, error) {
	switch v := raw.(type) {
	case string:
		switch v {
		case "all":
			out := make([]config.ContextSource, 0, len(cellOrder))
			for _, cell := range cellOrder {
				out = append(out, config.ContextSource{Cell: cell})
			}
			return out, nil
		case "first":
			if len(cellOrder) == 0 {
				return nil, nil
			}
			return []config.ContextSource{{Cell: cellOrder[0]}}, nil
		case "previous":
			if len(cellOrder) == 0 {
				return nil, nil
			}
			return []config.ContextSource{{Cell: cellOrder[len(cellOrder)-1]}}, nil
		default:
			return []config.ContextSource{{Cell: v}}, nil
		}

	case map[string]any:
		var src config.ContextSource
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName: "yaml",
			Result:  &src,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(v); err != nil {
			return nil, fmt.Errorf("invalid context source: %w", err)
		}
		if src.Cell == "" {
			return nil, fmt.Errorf("structured context source requires a cell")
		}
		return []config.ContextSource{src}, nil

	default:
		return nil, fmt.Errorf("context source must be a string or map (got %T)", raw)
	}
}

func (b *Builder) addSource(built *Built, src config.ContextSource) error {
	include := src.Include
	if len(include) == 0 {
		include = []string{"output"}
	}
	role := src.AsRole
	if role == "" {
		role = "user"
	}

	for _, kind := range include {
		switch kind {
		case "output":
			output, ok := b.echo.Output(src.Cell)
			if !ok {
				continue
			}
			data, err := json.Marshal(output)
			if err != nil {
				return err
			}
			built.add(llms.Message{
				Role:    role,
				Content: fmt.Sprintf("Output from %s: %s", src.Cell, data),
			}, src.Cell, b.outputHash(src.Cell))

		case "messages", "images":
			for _, msg := range b.echo.History() {
				if metaString(msg, MetaCell) != src.Cell {
					continue
				}
				if kind == "images" && metaString(msg, MetaKind) != "image" {
					continue
				}
				if src.MessagesFilter != "" && metaString(msg, MetaCallout) != src.MessagesFilter {
					continue
				}
				outRole := msg.Role
				if src.AsRole != "" {
					outRole = src.AsRole
				}
				built.add(llms.Message{Role: outRole, Content: msg.Content},
					src.Cell, config.ContentHash(msg.Content))
			}

		case "state":
			value, ok := b.echo.State(src.Cell)
			if !ok {
				continue
			}
			data, err := json.Marshal(value)
			if err != nil {
				return err
			}
			built.add(llms.Message{
				Role:    role,
				Content: fmt.Sprintf("State %s: %s", src.Cell, data),
			}, src.Cell, "")

		default:
			return fmt.Errorf("context source '%s': unknown include kind '%s'", src.Cell, kind)
		}
	}
	return nil
}

func (b *Builder) buildAuto(ctx context.Context, built *Built, cfg *config.ContextConfig, instructions string) error {
	anchored := make(map[int]bool)
	history := b.echo.History()

	for _, anchor := range cfg.Anchors {
		b.addAnchor(built, anchor, history, anchored)
	}

	if cfg.Selection == nil {
		return nil
	}

	// Candidates are history messages not already anchored.
	var candidates []int
	for i := range history {
		if !anchored[i] {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	var selected []int
	var err error
	switch cfg.Selection.Strategy {
	case "", "heuristic":
		selected = b.selectHeuristic(history, candidates, instructions, cfg.Selection)
	case "semantic":
		selected, err = b.selectSemantic(ctx, history, candidates, instructions, cfg.Selection)
	case "llm":
		selected, err = b.selectLLM(ctx, history, candidates, instructions, cfg.Selection.MaxMessages)
	case "hybrid":
		prefiltered := b.selectHeuristic(history, candidates, instructions, &config.SelectionConfig{
			MaxMessages: cfg.Selection.MaxMessages * 2,
		})
		selected, err = b.selectLLM(ctx, history, prefiltered, instructions, cfg.Selection.MaxMessages)
	default:
		return fmt.Errorf("unknown selection strategy '%s'", cfg.Selection.Strategy)
	}
	if err != nil {
		return err
	}

	selected = b.capTokens(history, selected, cfg.Selection.MaxTokens)
	sort.Ints(selected)
	for _, i := range selected {
		msg := history[i]
		built.add(llms.Message{Role: msg.Role, Content: msg.Content},
			metaString(msg, MetaCell), config.ContentHash(msg.Content))
	}
	return nil
}

func (b *Builder) addAnchor(built *Built, anchor config.AnchorConfig, history []echo.Message, anchored map[int]bool) {
	switch anchor.Type {
	case "input":
		if msg, ok := b.inputMessage(); ok {
			built.add(msg, "input", "")
		}
		return
	case "output", "callouts", "errors", "":
	default:
		slog.Warn("unknown anchor type", "type", anchor.Type)
		return
	}

	matched := make([]int, 0)
	for i, msg := range history {
		if anchor.Cell != "" && metaString(msg, MetaCell) != anchor.Cell {
			continue
		}
		switch anchor.Type {
		case "output":
			if metaString(msg, MetaKind) != "output" {
				continue
			}
		case "callouts":
			if metaString(msg, MetaCallout) == "" {
				continue
			}
		case "errors":
			if metaString(msg, MetaKind) != "error" {
				continue
			}
		}
		matched = append(matched, i)
	}

	if anchor.LastTurns > 0 && len(matched) > anchor.LastTurns {
		matched = matched[len(matched)-anchor.LastTurns:]
	}
	for _, i := range matched {
		if anchored[i] {
			continue
		}
		anchored[i] = true
		msg := history[i]
		built.add(llms.Message{Role: msg.Role, Content: msg.Content},
			metaString(msg, MetaCell), config.ContentHash(msg.Content))
	}
}

// selectHeuristic scores candidates by keyword overlap with the query,
// recency, and a callout bonus. Ties break toward the most recent.
func (b *Builder) selectHeuristic(history []echo.Message, candidates []int, query string, sel *config.SelectionConfig) []int {
	queryTerms := terms(query)

	type scored struct {
		index int
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for rank, i := range candidates {
		msg := history[i]
		overlap := overlapScore(queryTerms, terms(msg.Content))
		recency := float64(rank+1) / float64(len(candidates))
		callout := 0.0
		if metaString(msg, MetaCallout) != "" {
			callout = 1.0
		}
		ranked = append(ranked, scored{
			index: i,
			score: 0.5*overlap + 0.3*recency + 0.2*callout,
		})
	}

	sort.SliceStable(ranked, func(a, c int) bool {
		if ranked[a].score != ranked[c].score {
			return ranked[a].score > ranked[c].score
		}
		return ranked[a].index > ranked[c].index
	})

	max := sel.MaxMessages
	if max <= 0 {
		max = 20
	}
	if len(ranked) > max {
		ranked = ranked[:max]
	}
	out := make([]int, len(ranked))
	for i, r := range ranked {
		out[i] = r.index
	}
	return out
}

func (b *Builder) selectSemantic(ctx context.Context, history []echo.Message, candidates []int, query string, sel *config.SelectionConfig) ([]int, error) {
	if b.Embedder == nil {
		return nil, fmt.Errorf("semantic selection requires an embedder")
	}

	queryVec, err := b.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed selection query: %w", err)
	}
	texts := make([]string, len(candidates))
	for i, idx := range candidates {
		texts[i] = history[idx].Content
	}
	vectors, err := b.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed candidates: %w", err)
	}

	type scored struct {
		index int
		score float64
	}
	var ranked []scored
	for i, idx := range candidates {
		score := cosine(queryVec, vectors[i])
		if score >= sel.Threshold {
			ranked = append(ranked, scored{index: idx, score: score})
		}
	}
	sort.SliceStable(ranked, func(a, c int) bool {
		if ranked[a].score != ranked[c].score {
			return ranked[a].score > ranked[c].score
		}
		return ranked[a].index > ranked[c].index
	})

	max := sel.MaxMessages
	if max <= 0 {
		max = 20
	}
	if len(ranked) > max {
		ranked = ranked[:max]
	}
	out := make([]int, len(ranked))
	for i, r := range ranked {
		out[i] = r.index
	}
	return out, nil
}

func (b *Builder) selectLLM(ctx context.Context, history []echo.Message, candidates []int, query string, max int) ([]int, error) {
	if b.Selector == nil {
		return nil, fmt.Errorf("llm selection requires a selector model")
	}
	if max <= 0 {
		max = 20
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Current task:\n%s\n\nPrior messages:\n", query)
	for i, idx := range candidates {
		summary := history[idx].Content
		if len(summary) > 200 {
			summary = summary[:200]
		}
		fmt.Fprintf(&sb, "[%d] (%s/%s) %s\n", i,
			metaString(history[idx], MetaCell), history[idx].Role, summary)
	}
	fmt.Fprintf(&sb, "\nReturn a JSON array with the numbers of up to %d messages relevant to the task.", max)

	resp, err := b.Selector.Generate(ctx, []llms.Message{
		{Role: "system", Content: "You select relevant context for an agent. Respond with JSON only."},
		{Role: "user", Content: sb.String()},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("llm selection failed: %w", err)
	}

	var picked []int
	if err := json.Unmarshal([]byte(extractArray(resp.Content)), &picked); err != nil {
		return nil, fmt.Errorf("failed to parse llm selection: %w", err)
	}

	var out []int
	for _, i := range picked {
		if i >= 0 && i < len(candidates) {
			out = append(out, candidates[i])
		}
		if len(out) == max {
			break
		}
	}
	return out, nil
}

// capTokens drops the lowest-priority (latest-ranked) selections until
// the set fits.
func (b *Builder) capTokens(history []echo.Message, selected []int, maxTokens int) []int {
	if maxTokens <= 0 {
		return selected
	}
	counter, err := NewTokenCounter("")
	if err != nil {
		return selected
	}

	total := 0
	out := make([]int, 0, len(selected))
	for _, i := range selected {
		n := counter.Count(history[i].Content)
		if total+n > maxTokens {
			break
		}
		total += n
		out = append(out, i)
	}
	return out
}

// outputHash resolves the "Output from X" wrapper to the content hash of
// the cell's stored output row, via the raw history message.
func (b *Builder) outputHash(cell string) string {
	history := b.echo.History()
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if metaString(msg, MetaCell) == cell && metaString(msg, MetaKind) == "output" {
			return config.ContentHash(msg.Content)
		}
	}
	return ""
}

func (b *Builder) inputMessage() (llms.Message, bool) {
	if len(b.echo.Input) == 0 {
		return llms.Message{}, false
	}
	data, err := json.Marshal(b.echo.Input)
	if err != nil {
		return llms.Message{}, false
	}
	return llms.Message{Role: "user", Content: "Input: " + string(data)}, true
}

func metaString(msg echo.Message, key string) string {
	if msg.Metadata == nil {
		return ""
	}
	s, _ := msg.Metadata[key].(string)
	return s
}

func terms(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

func overlapScore(query, doc map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if doc[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func extractArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
