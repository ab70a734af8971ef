// Package rag implements the retrieval layer: chunking, the vector
// store, session-scoped ephemeral indexes for oversized content, and
// persistent directory indexes.
package rag

import "strings"

// TextChunk is one slice of a source document with its character span.
type TextChunk struct {
	Index int
	Text  string
	Start int
	End   int
}

// ChunkText splits text into overlapping chunks of roughly size
// characters. Within the last 30% of each chunk it prefers to break on a
// paragraph, then a line, then a sentence boundary, so chunks end on
// natural seams instead of mid-word.
func ChunkText(text string, size, overlap int) []TextChunk {
	if size <= 0 {
		size = 1200
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	if text == "" {
		return nil
	}

	var chunks []TextChunk
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			end = len(text)
		} else {
			end = boundary(text, start, end)
		}

		chunk := strings.TrimSpace(text[start:end])
		if chunk != "" {
			chunks = append(chunks, TextChunk{
				Index: len(chunks),
				Text:  chunk,
				Start: start,
				End:   end,
			})
		}

		if end == len(text) {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// boundary moves end back to the best break point within the final 30%
// of the chunk, when one exists.
func boundary(text string, start, end int) int {
	window := start + (end-start)*7/10
	slice := text[window:end]

	if idx := strings.LastIndex(slice, "\n\n"); idx >= 0 {
		return window + idx + 2
	}
	if idx := strings.LastIndex(slice, "\n"); idx >= 0 {
		return window + idx + 1
	}
	best := -1
	for _, sep := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(slice, sep); idx > best {
			best = idx + len(sep)
		}
	}
	if best > 0 {
		return window + best
	}
	return end
}
