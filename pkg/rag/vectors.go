package rag

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// VectorStore wraps chromem with pre-computed embeddings: one collection
// per rag_id, persisted to disk when a path is configured.
type VectorStore struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// identityEmbed refuses implicit embedding; every document arrives with
// its vector already computed by the configured embedder.
func identityEmbed(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("vector store requires pre-computed embeddings")
}

func NewVectorStore(persistPath string) (*VectorStore, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &VectorStore{db: db, collections: make(map[string]*chromem.Collection)}, nil
}

var collectionNameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func collectionName(ragID string) string {
	name := collectionNameRe.ReplaceAllString(ragID, "_")
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func (s *VectorStore) collection(ragID string) (*chromem.Collection, error) {
	name := collectionName(ragID)

	s.mu.RLock()
	if col, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(name, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection '%s': %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// Hit is one vector search result.
type Hit struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]string
}

// Add inserts documents with their embeddings into the rag_id's
// collection.
func (s *VectorStore) Add(ctx context.Context, ragID string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := s.collection(ragID)
	if err != nil {
		return err
	}

	converted := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		converted = append(converted, chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Embedding: d.Embedding,
		})
	}
	if err := col.AddDocuments(ctx, converted, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

// Document is one embedded chunk headed for the store.
type Document struct {
	ID        string
	Content   string
	Metadata  map[string]string
	Embedding []float32
}

// Query runs cosine-similarity search against one collection.
func (s *VectorStore) Query(ctx context.Context, ragID string, embedding []float32, topK int) ([]Hit, error) {
	col, err := s.collection(ragID)
	if err != nil {
		return nil, err
	}

	if count := col.Count(); count < topK {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:       r.ID,
			Score:    r.Similarity,
			Content:  r.Content,
			Metadata: r.Metadata,
		})
	}
	return hits, nil
}

// DeleteDocs removes specific documents from a collection.
func (s *VectorStore) DeleteDocs(ctx context.Context, ragID string, where map[string]string) error {
	col, err := s.collection(ragID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

// Drop removes a whole collection. Ephemeral cleanup path.
func (s *VectorStore) Drop(ragID string) error {
	name := collectionName(ragID)

	s.mu.Lock()
	delete(s.collections, name)
	s.mu.Unlock()

	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to drop collection '%s': %w", name, err)
	}
	return nil
}
