// Package contexts assembles the message list each LLM cell sees:
// explicit and auto inter-cell selection, anchors, token budgets, and
// intra-cell turn compression.
package contexts

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/rvbbit/lars/pkg/llms"
)

// TokenCounter counts tokens with the model's encoding, falling back to
// cl100k_base for models tiktoken does not know.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &TokenCounter{encoding: cached}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to load token encoding: %w", err)
		}
	}
	encodingCache[model] = encoding
	return &TokenCounter{encoding: encoding}, nil
}

// Count returns the token count of one text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts a message list including per-message role
// overhead.
func (tc *TokenCounter) CountMessages(messages []llms.Message) int {
	total := 3 // reply priming
	for _, msg := range messages {
		total += 3
		total += len(tc.encoding.Encode(msg.Role, nil, nil))
		total += len(tc.encoding.Encode(msg.Content, nil, nil))
	}
	return total
}
