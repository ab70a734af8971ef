package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/logstore"
)

// assessConfidence asks a model how confident the session's final output
// looks given its input and error history. One call per session, after
// the aggregates are saved.
func (w *Worker) assessConfidence(ctx context.Context, record *logstore.SessionRecord, rows []*logstore.Row) (float64, bool) {
	if w.models == nil {
		return 0, false
	}
	provider, err := w.models.Resolve(w.ConfidenceModel)
	if err != nil {
		slog.Warn("confidence model unavailable", "model", w.ConfidenceModel, "error", err)
		return 0, false
	}

	finalOutput := ""
	errorCount := 0
	for i := len(rows) - 1; i >= 0; i-- {
		if finalOutput == "" && rows[i].NodeType == logstore.NodeAgent {
			finalOutput = rows[i].ContentJSON
		}
		if rows[i].NodeType == logstore.NodeError {
			errorCount++
		}
	}
	if finalOutput == "" {
		return 0, false
	}

	var b strings.Builder
	b.WriteString("Assess how confident you are that this workflow output correctly answers its input.\n\n")
	if len(record.InvocationMetadata) > 0 {
		input, _ := json.Marshal(record.InvocationMetadata)
		fmt.Fprintf(&b, "Input:\n%s\n\n", truncate(string(input), 1500))
	}
	fmt.Fprintf(&b, "Final output:\n%s\n\n", truncate(finalOutput, 3000))
	if errorCount > 0 {
		fmt.Fprintf(&b, "The session recovered from %d errors along the way.\n\n", errorCount)
	}
	b.WriteString(`Respond with JSON only: {"confidence": <0.0-1.0>, "reason": "<one sentence>"}`)

	resp, err := provider.Generate(ctx, []llms.Message{{Role: "user", Content: b.String()}}, nil)
	if err != nil {
		slog.Warn("confidence pass failed", "error", err)
		return 0, false
	}

	var parsed struct {
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	body := resp.Content
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		slog.Warn("unparseable confidence assessment", "error", err)
		return 0, false
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return 0, false
	}

	slog.Info("confidence assessment",
		"session_id", record.SessionID,
		"confidence", parsed.Confidence,
		"reason", parsed.Reason)
	return parsed.Confidence, true
}
