package contexts

import (
	"fmt"

	"github.com/rvbbit/lars/pkg/llms"
)

// MaskOldToolResults replaces tool results older than window turns with a
// short placeholder so long turn loops do not drag every raw payload
// forward. turns holds the turn number each message was produced in and
// must be parallel to messages.
func MaskOldToolResults(messages []llms.Message, turns []int, currentTurn, window int) []llms.Message {
	if window <= 0 || len(messages) != len(turns) {
		return messages
	}

	out := make([]llms.Message, len(messages))
	copy(out, messages)
	for i, msg := range out {
		if msg.Role != "tool" {
			continue
		}
		if turns[i] > currentTurn-window {
			continue
		}
		out[i].Content = fmt.Sprintf("[tool result from turn %d elided: %d chars]",
			turns[i], len(msg.Content))
	}
	return out
}

// TrimLoopAttempts keeps only the last limit loop attempts of a
// loop_until cell. attemptStarts holds the message index where each
// attempt begins; everything before the first attempt (the fixed prompt
// prefix) is always kept.
func TrimLoopAttempts(messages []llms.Message, attemptStarts []int, limit int) []llms.Message {
	if limit <= 0 || len(attemptStarts) <= limit {
		return messages
	}

	prefix := messages[:attemptStarts[0]]
	keepFrom := attemptStarts[len(attemptStarts)-limit]
	out := make([]llms.Message, 0, len(prefix)+len(messages)-keepFrom)
	out = append(out, prefix...)
	return append(out, messages[keepFrom:]...)
}
