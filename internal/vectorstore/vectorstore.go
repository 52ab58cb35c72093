// Package vectorstore is the retrieval index: document chunks embedded and
// stored in a chromem-go collection.
package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/philippgille/chromem-go"
)

// Chunk is one piece of text to index.
type Chunk struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Match is one query result, most similar first.
type Match struct {
	ID         string
	Content    string
	Metadata   map[string]string
	Similarity float32
}

// Store wraps one collection.
type Store struct {
	coll *chromem.Collection
}

// OpenAIEmbedding returns an embedding function backed by the OpenAI embeddings API.
func OpenAIEmbedding(apiKey, model string) chromem.EmbeddingFunc {
	return chromem.NewEmbeddingFuncOpenAI(apiKey, chromem.EmbeddingModelOpenAI(model))
}

// Open opens collection name in a persistent database under dir. An empty dir
// keeps the index in memory.
func Open(dir, name string, compress bool, embed chromem.EmbeddingFunc) (*Store, error) {
	var db *chromem.DB
	if dir == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(dir, compress)
		if err != nil {
			return nil, fmt.Errorf("open vector db %s: %w", dir, err)
		}
	}

	coll, err := db.GetOrCreateCollection(name, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", name, err)
	}

	slog.Info("Vector index opened", "dir", dir, "collection", name, "documents", coll.Count())
	return &Store{coll: coll}, nil
}

// Add embeds and stores chunks.
func (s *Store) Add(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = chromem.Document{
			ID:       c.ID,
			Content:  c.Content,
			Metadata: c.Metadata,
		}
	}
	if err := s.coll.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add %d chunks: %w", len(chunks), err)
	}
	return nil
}

// Query returns up to k chunks most similar to text. k is clamped to the
// collection size; an empty collection yields no matches.
func (s *Store) Query(ctx context.Context, text string, k int) ([]Match, error) {
	n := s.coll.Count()
	if n == 0 || k <= 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	results, err := s.coll.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{
			ID:         r.ID,
			Content:    r.Content,
			Metadata:   r.Metadata,
			Similarity: r.Similarity,
		}
	}
	return matches, nil
}

// Delete removes the chunks with the given ids. Unknown ids are ignored.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.coll.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete %d chunks: %w", len(ids), err)
	}
	return nil
}

// Count returns the number of stored chunks.
func (s *Store) Count() int {
	return s.coll.Count()
}
