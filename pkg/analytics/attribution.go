package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rvbbit/lars/pkg/contexts"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/logstore"
)

// attributeContext splits each LLM call's prompt cost into injected
// context versus new generation: every hash in context_hashes is traced
// back to its source row, token-counted, and priced at the invoking
// model's input rate.
func (w *Worker) attributeContext(ctx context.Context, sessionID string, rows []*logstore.Row) error {
	byHash := map[string]*logstore.Row{}
	for _, row := range rows {
		if row.ContentHash != "" {
			byHash[row.ContentHash] = row
		}
	}

	var messages []*logstore.ContextMessage
	var contextCost, newCost float64

	for _, row := range rows {
		if row.NodeType != logstore.NodeAgent || len(row.ContextHashes) == 0 {
			continue
		}

		counter, err := contexts.NewTokenCounter(row.ModelActual)
		if err != nil {
			return err
		}
		priceIn := w.inputPrice(row.ModelRequested)

		contextTokens := 0
		for rank, hash := range row.ContextHashes {
			msg := &logstore.ContextMessage{
				SessionID:     sessionID,
				TraceID:       row.TraceID,
				ContextHash:   hash,
				SourceSession: sessionID,
				Rank:          rank,
			}
			if source, ok := byHash[hash]; ok {
				msg.SourceCell = source.CellName
				msg.TokenCount = counter.Count(source.ContentJSON)
			}
			contextTokens += msg.TokenCount
			messages = append(messages, msg)
		}

		if row.TokensIn != nil {
			newTokens := *row.TokensIn - contextTokens
			if newTokens < 0 {
				newTokens = 0
			}
			contextCost += float64(contextTokens) * priceIn / 1e6
			newCost += float64(newTokens) * priceIn / 1e6
		}
	}

	if len(messages) == 0 {
		return nil
	}

	if w.RelevanceModel != "" {
		w.scoreRelevance(ctx, messages, byHash, rows)
	}

	if err := w.store.SaveContextMessages(ctx, messages); err != nil {
		return err
	}
	slog.Info("context cost attribution",
		"session_id", sessionID,
		"context_cost", contextCost,
		"new_cost", newCost,
		"messages", len(messages))
	return nil
}

func (w *Worker) inputPrice(model string) float64 {
	if w.models == nil {
		return 0
	}
	provider, err := w.models.Resolve(model)
	if err != nil {
		return 0
	}
	in, _ := provider.Prices()
	return in
}

// scoreRelevance asks a model how much each injected message actually
// contributed to the session's final output, in one batched call.
func (w *Worker) scoreRelevance(ctx context.Context, messages []*logstore.ContextMessage, byHash map[string]*logstore.Row, rows []*logstore.Row) {
	if w.models == nil {
		return
	}
	provider, err := w.models.Resolve(w.RelevanceModel)
	if err != nil {
		slog.Warn("relevance model unavailable", "model", w.RelevanceModel, "error", err)
		return
	}

	finalOutput := ""
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].NodeType == logstore.NodeAgent {
			finalOutput = rows[i].ContentJSON
			break
		}
	}

	var b strings.Builder
	b.WriteString("Final output:\n")
	b.WriteString(truncate(finalOutput, 2000))
	b.WriteString("\n\nInjected context messages:\n")
	scored := 0
	for i, msg := range messages {
		source, ok := byHash[msg.ContextHash]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%d. [from %s] %s\n", i, source.CellName, truncate(source.ContentJSON, 300))
		scored++
	}
	if scored == 0 {
		return
	}
	b.WriteString("\nScore each message 0.0-1.0 for how much it contributed to the final output. ")
	b.WriteString(`Respond with JSON only: {"scores": {"<index>": <score>, ...}}`)

	resp, err := provider.Generate(ctx, []llms.Message{{Role: "user", Content: b.String()}}, nil)
	if err != nil {
		slog.Warn("relevance pass failed", "error", err)
		return
	}

	var parsed struct {
		Scores map[string]float64 `json:"scores"`
	}
	body := resp.Content
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		slog.Warn("unparseable relevance scores", "error", err)
		return
	}
	for key, score := range parsed.Scores {
		var idx int
		if _, err := fmt.Sscanf(key, "%d", &idx); err != nil {
			continue
		}
		if idx >= 0 && idx < len(messages) {
			messages[idx].RelevanceScore = logstore.Float(score)
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
