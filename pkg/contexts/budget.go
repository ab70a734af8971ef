package contexts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/llms"
)

// ErrBudgetExceeded is returned by the fail strategy when the assembled
// context cannot fit the budget.
var ErrBudgetExceeded = fmt.Errorf("context exceeds token budget")

// ApplyBudget fits messages into the configured token budget. The first
// system message is always kept; summarize needs a summarizer model and
// degrades to sliding_window without one.
func ApplyBudget(ctx context.Context, messages []llms.Message, budget *config.TokenBudgetConfig, counter *TokenCounter, summarizer llms.Provider) ([]llms.Message, error) {
	if budget == nil || budget.MaxTotal <= 0 {
		return messages, nil
	}

	limit := budget.MaxTotal - budget.ReserveForOutput
	if limit <= 0 {
		return nil, fmt.Errorf("token budget leaves no room for input (max_total=%d reserve_for_output=%d)",
			budget.MaxTotal, budget.ReserveForOutput)
	}
	if counter.CountMessages(messages) <= limit {
		return messages, nil
	}

	switch budget.Strategy {
	case "fail":
		return nil, fmt.Errorf("%w: %d tokens over a limit of %d",
			ErrBudgetExceeded, counter.CountMessages(messages), limit)

	case "summarize":
		if summarizer != nil {
			return summarizeOverflow(ctx, messages, limit, counter, summarizer)
		}
		slog.Warn("summarize budget strategy has no summarizer model, falling back to sliding window")
		fallthrough

	case "", "sliding_window", "prune_oldest":
		return slidingWindow(messages, limit, counter), nil

	default:
		return nil, fmt.Errorf("unknown token budget strategy '%s'", budget.Strategy)
	}
}

// slidingWindow keeps the pinned system prefix and the newest suffix
// that fits.
func slidingWindow(messages []llms.Message, limit int, counter *TokenCounter) []llms.Message {
	pinned, rest := splitPinned(messages)

	used := counter.CountMessages(pinned)
	var kept []llms.Message
	for i := len(rest) - 1; i >= 0; i-- {
		cost := counter.CountMessages([]llms.Message{rest[i]})
		if used+cost > limit {
			break
		}
		used += cost
		kept = append([]llms.Message{rest[i]}, kept...)
	}
	return append(pinned, kept...)
}

// summarizeOverflow collapses the oldest half of the non-pinned messages
// into one summary note, then window-fits the remainder.
func summarizeOverflow(ctx context.Context, messages []llms.Message, limit int, counter *TokenCounter, summarizer llms.Provider) ([]llms.Message, error) {
	pinned, rest := splitPinned(messages)
	if len(rest) < 2 {
		return slidingWindow(messages, limit, counter), nil
	}

	cut := len(rest) / 2
	var sb strings.Builder
	for _, msg := range rest[:cut] {
		fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, msg.Content)
	}

	resp, err := summarizer.Generate(ctx, []llms.Message{
		{Role: "system", Content: "Summarize the following conversation fragment in a compact form that preserves facts, decisions and open items."},
		{Role: "user", Content: sb.String()},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("context summarization failed: %w", err)
	}

	out := append(pinned, llms.Message{
		Role:    "system",
		Content: "Summary of earlier conversation: " + resp.Content,
	})
	out = append(out, rest[cut:]...)
	if counter.CountMessages(out) > limit {
		return slidingWindow(out, limit, counter), nil
	}
	return out, nil
}

func splitPinned(messages []llms.Message) (pinned, rest []llms.Message) {
	for i, msg := range messages {
		if i == 0 && msg.Role == "system" {
			pinned = append(pinned, msg)
			continue
		}
		rest = append(rest, msg)
	}
	return pinned, rest
}
