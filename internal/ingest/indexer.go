package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ashureev/askstream/internal/domain"
	"github.com/ashureev/askstream/internal/vectorstore"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/tmc/langchaingo/textsplitter"
)

// Index stores and removes chunks.
type Index interface {
	Add(ctx context.Context, chunks []vectorstore.Chunk) error
	Delete(ctx context.Context, ids ...string) error
}

// Indexer splits documents into chunks and keeps them in an Index.
type Indexer struct {
	index    Index
	splitter textsplitter.TextSplitter
}

// NewIndexer creates an indexer splitting text into chunkSize-rune chunks
// overlapping by chunkOverlap runes.
func NewIndexer(index Index, chunkSize, chunkOverlap int) *Indexer {
	return &Indexer{
		index: index,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
	}
}

// Index extracts, splits and stores every document, setting VectorIDs to the
// ids of its chunks. Documents of an unsupported type are skipped. A failing
// document is logged and left with its VectorIDs unchanged; the rest of the
// batch is still processed. The returned error collects the per-document
// failures.
func (ix *Indexer) Index(ctx context.Context, docs []domain.Document) ([]domain.Document, error) {
	var errs *multierror.Error
	out := make([]domain.Document, len(docs))
	for i, doc := range docs {
		out[i] = doc
		ids, err := ix.indexOne(ctx, doc)
		if errors.Is(err, ErrUnsupportedType) {
			slog.Debug("Skipping document of unsupported type", "document_id", doc.ID, "type", doc.Type)
			continue
		}
		if err != nil {
			slog.Warn("Failed to index document",
				"document_id", doc.ID,
				"name", doc.Name,
				"type", doc.Type,
				"error", err)
			errs = multierror.Append(errs, fmt.Errorf("document %q: %w", doc.ID, err))
			continue
		}
		out[i].VectorIDs = ids
		slog.Info("Indexed document", "document_id", doc.ID, "type", doc.Type, "chunks", len(ids))
	}
	return out, errs.ErrorOrNil()
}

func (ix *Indexer) indexOne(ctx context.Context, doc domain.Document) ([]string, error) {
	text, err := Extract(ctx, doc)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return []string{}, nil
	}

	parts, err := ix.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}

	chunks := make([]vectorstore.Chunk, 0, len(parts))
	ids := make([]string, 0, len(parts))
	for i, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		id := uuid.NewString()
		ids = append(ids, id)
		chunks = append(chunks, vectorstore.Chunk{
			ID:      id,
			Content: part,
			Metadata: map[string]string{
				"document_id": doc.ID,
				"name":        doc.Name,
				"type":        doc.Type.String(),
				"chunk":       strconv.Itoa(i),
			},
		})
	}

	if err := ix.index.Add(ctx, chunks); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove deletes the chunks of every document. Failures are logged and the
// rest of the batch is still processed.
func (ix *Indexer) Remove(ctx context.Context, docs []domain.Document) error {
	var errs *multierror.Error
	for _, doc := range docs {
		if len(doc.VectorIDs) == 0 {
			continue
		}
		if err := ix.index.Delete(ctx, doc.VectorIDs...); err != nil {
			slog.Warn("Failed to remove document from index",
				"document_id", doc.ID,
				"chunks", len(doc.VectorIDs),
				"error", err)
			errs = multierror.Append(errs, fmt.Errorf("document %q: %w", doc.ID, err))
			continue
		}
		slog.Info("Removed document from index", "document_id", doc.ID, "chunks", len(doc.VectorIDs))
	}
	return errs.ErrorOrNil()
}
