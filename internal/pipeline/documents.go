package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/askstream/internal/broker"
	"github.com/ashureev/askstream/internal/dispatch"
	"github.com/ashureev/askstream/internal/domain"
)

// Indexer stores and removes document chunks.
type Indexer interface {
	Index(ctx context.Context, docs []domain.Document) ([]domain.Document, error)
	Remove(ctx context.Context, docs []domain.Document) error
}

// IngestFlow indexes document batches and publishes them, enriched with their
// chunk ids, to the save queue.
type IngestFlow struct {
	indexer Indexer
	pub     broker.Publisher
	queue   string
}

// NewIngestFlow creates the ingest flow.
func NewIngestFlow(indexer Indexer, pub broker.Publisher, saveQueue string) *IngestFlow {
	return &IngestFlow{indexer: indexer, pub: pub, queue: saveQueue}
}

// Name implements dispatch.Flow.
func (f *IngestFlow) Name() string { return "ingest" }

// Decode implements dispatch.Flow.
func (f *IngestFlow) Decode(body []byte) (dispatch.Unit, dispatch.Info, error) {
	docs, err := domain.DecodeDocuments(body)
	if err != nil {
		return nil, dispatch.Info{}, dispatch.Fail(dispatch.KindDecode, err)
	}
	return &ingestUnit{flow: f, docs: docs}, dispatch.Info{}, nil
}

type ingestUnit struct {
	flow *IngestFlow
	docs []domain.Document
}

// Run publishes the batch even when some documents failed; those keep their
// previous VectorIDs. The indexing failures are still reported to the journal.
func (u *ingestUnit) Run(ctx context.Context) error {
	out, indexErr := u.flow.indexer.Index(ctx, u.docs)
	if err := u.flow.pub.PublishJSON(ctx, u.flow.queue, out); err != nil {
		slog.Error("Failed to publish indexed documents",
			"queue", u.flow.queue,
			"documents", len(out),
			"error", err)
		return dispatch.Fail(dispatch.KindPublish, fmt.Errorf("publish documents: %w", err))
	}
	slog.Info("Indexed documents published", "queue", u.flow.queue, "documents", len(out))
	if indexErr != nil {
		return dispatch.Fail(dispatch.KindBackend, indexErr)
	}
	return nil
}

// RetractFlow removes document chunks from the index. Nothing is published.
type RetractFlow struct {
	indexer Indexer
}

// NewRetractFlow creates the retract flow.
func NewRetractFlow(indexer Indexer) *RetractFlow {
	return &RetractFlow{indexer: indexer}
}

// Name implements dispatch.Flow.
func (f *RetractFlow) Name() string { return "retract" }

// Decode implements dispatch.Flow.
func (f *RetractFlow) Decode(body []byte) (dispatch.Unit, dispatch.Info, error) {
	docs, err := domain.DecodeDocuments(body)
	if err != nil {
		return nil, dispatch.Info{}, dispatch.Fail(dispatch.KindDecode, err)
	}
	return retractUnit(func(ctx context.Context) error {
		if err := f.indexer.Remove(ctx, docs); err != nil {
			return dispatch.Fail(dispatch.KindBackend, err)
		}
		return nil
	}), dispatch.Info{}, nil
}

type retractUnit func(ctx context.Context) error

func (r retractUnit) Run(ctx context.Context) error { return r(ctx) }
