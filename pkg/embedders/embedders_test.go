package embedders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvbbit/lars/pkg/config"
)

func TestOpenAIEmbedBatchPreservesOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Return vectors out of order; Index must restore it.
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"embedding": []float32{float32(i), float32(i)},
				"index":     i,
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(&config.EmbedderConfig{
		Type: "openai", APIKey: "k", Host: server.URL, BatchSize: 2,
	})
	require.NoError(t, err)

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, float32(0), vectors[0][0])
	assert.Equal(t, float32(1), vectors[1][0])
	// Third text lands in its own batch, index 0 again.
	assert.Equal(t, float32(0), vectors[2][0])
}

func TestOpenAIEmbedderRequiresKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(&config.EmbedderConfig{Type: "openai"})
	assert.Error(t, err)
}

func TestOllamaEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.5, 0.25}})
	}))
	defer server.Close()

	e, err := NewOllamaEmbedder(&config.EmbedderConfig{Type: "ollama", Host: server.URL})
	require.NoError(t, err)

	vector, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vector)
}

func TestFakeEmbedderDeterministic(t *testing.T) {
	e := NewFakeEmbedder(16)

	a1, err := e.Embed(context.Background(), "same text")
	require.NoError(t, err)
	a2, err := e.Embed(context.Background(), "same text")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "different text")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Len(t, a1, 16)
}

func TestNewUnsupportedType(t *testing.T) {
	_, err := New(&config.EmbedderConfig{Type: "cohere"})
	assert.Error(t, err)
}
