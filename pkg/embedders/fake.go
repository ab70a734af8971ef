package embedders

import (
	"context"
	"hash/fnv"
)

// FakeEmbedder produces deterministic pseudo-vectors from the input text,
// so vector plumbing can be tested without a model. Identical texts get
// identical vectors.
type FakeEmbedder struct {
	dimension int
}

func NewFakeEmbedder(dimension int) *FakeEmbedder {
	if dimension <= 0 {
		dimension = 8
	}
	return &FakeEmbedder{dimension: dimension}
}

func (f *FakeEmbedder) Model() string  { return "fake" }
func (f *FakeEmbedder) Dimension() int { return f.dimension }

func (f *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vector := make([]float32, f.dimension)
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	for i := range vector {
		seed = seed*6364136223846793005 + 1442695040888963407
		vector[i] = float32(int64(seed>>33))/float32(1<<31) - 0.5
	}
	return vector, nil
}

func (f *FakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vector, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vector)
	}
	return out, nil
}

var _ Embedder = (*FakeEmbedder)(nil)
