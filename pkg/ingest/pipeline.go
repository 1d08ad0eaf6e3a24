package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/docuchat/docuchat/internal/models"
	"github.com/docuchat/docuchat/internal/types"
	"github.com/docuchat/docuchat/pkg/chunker"
)

type Config struct {
	MaxAttempts  int           // attempts per external call before the run fails
	RetryBackoff time.Duration // base backoff, doubled per attempt
	RateLimit    float64       // embedding calls per second
}

// Pipeline drives a document through pending -> processing -> {indexed,
// error}. The compare-and-set into processing is the linearization point:
// at most one run is in flight per document id, everything after it is one
// logical unit that either fully replaces the chunk set or leaves the
// previous one untouched.
type Pipeline struct {
	store    types.Store
	embedder types.Embedder
	index    types.VectorIndex
	chunker  chunker.Chunker
	config   Config
	limiter  *rate.Limiter
}

func NewWithConfig(store types.Store, embedder types.Embedder, index types.VectorIndex, ch chunker.Chunker, config Config) *Pipeline {
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 3
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10
	}

	return &Pipeline{
		store:    store,
		embedder: embedder,
		index:    index,
		chunker:  ch,
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}
}

// Ingest runs one ingestion for the document using its extracted text.
// A document already processing is rejected with ErrIngestionConflict.
// Run failures are recorded on the document (status error plus reason in
// metadata) and also returned so callers can log them.
func (p *Pipeline) Ingest(ctx context.Context, documentID int64, text string) error {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	if doc.Status == models.StatusProcessing || !doc.Status.CanTransition(models.StatusProcessing) {
		return types.ErrIngestionConflict
	}
	ok, err := p.store.CompareAndSetStatus(ctx, documentID, doc.Status, models.StatusProcessing)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race to a concurrent run.
		return types.ErrIngestionConflict
	}

	if err := p.run(ctx, doc, text); err != nil {
		p.recordFailure(documentID, err)
		return err
	}
	return nil
}

// run executes chunk -> embed -> index -> persist as one unit. Partial
// vectors written before a failure are removed again so the index never
// holds entries without a backing chunk.
func (p *Pipeline) run(ctx context.Context, doc *models.Document, text string) error {
	segments := p.chunker.Split(text)

	chunks := make([]*models.Chunk, 0, len(segments))
	var upserted []string
	for _, segment := range segments {
		vector, err := p.embed(ctx, segment.Content)
		if err != nil {
			p.cleanup(upserted)
			return err
		}

		vectorID := uuid.New().String()
		err = p.withRetry(ctx, func() error {
			return p.index.Upsert(ctx, vectorID, vector, types.IndexMetadata{
				DocumentID:   doc.ID,
				CollectionID: doc.CollectionID,
				OwnerID:      doc.OwnerID,
				ChunkIndex:   segment.Index,
			})
		})
		if err != nil {
			p.cleanup(upserted)
			return fmt.Errorf("failed to index chunk %d: %w", segment.Index, err)
		}
		upserted = append(upserted, vectorID)

		chunks = append(chunks, &models.Chunk{
			DocumentID: doc.ID,
			Content:    segment.Content,
			ChunkIndex: segment.Index,
			VectorID:   vectorID,
		})
	}

	old, err := p.store.ReplaceChunks(ctx, doc.ID, chunks)
	if err != nil {
		p.cleanup(upserted)
		return fmt.Errorf("failed to persist chunks: %w", err)
	}

	// Old vectors go away only after the new set is committed, so readers
	// never see a retrieval-visible gap.
	oldIDs := make([]string, 0, len(old))
	for _, chunk := range old {
		oldIDs = append(oldIDs, chunk.VectorID)
	}
	p.cleanup(oldIDs)

	meta := map[string]interface{}{
		models.MetaChunkCount:  len(chunks),
		models.MetaErrorReason: "",
		models.MetaRetryCount:  0,
	}
	if err := p.store.UpdateDocumentMetadata(ctx, doc.ID, meta); err != nil {
		return fmt.Errorf("failed to update document metadata: %w", err)
	}

	ok, err := p.store.CompareAndSetStatus(ctx, doc.ID, models.StatusProcessing, models.StatusIndexed)
	if err != nil {
		return fmt.Errorf("failed to mark document indexed: %w", err)
	}
	if !ok {
		log.Printf("ingest: document %d left processing before the run finished, not marking indexed", doc.ID)
	}
	return nil
}

// DeleteDocument removes the document, its chunks, and their vectors.
func (p *Pipeline) DeleteDocument(ctx context.Context, documentID int64) error {
	chunks, err := p.store.ListChunksByDocument(ctx, documentID)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		ids = append(ids, chunk.VectorID)
	}
	if err := p.index.Delete(ctx, ids); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}

	return p.store.DeleteDocument(ctx, documentID)
}

// embed wraps the embedding call with the rate limiter and retry policy.
func (p *Pipeline) embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := p.withRetry(ctx, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		var embedErr error
		vector, embedErr = p.embedder.Embed(ctx, text)
		return embedErr
	})
	return vector, err
}

// withRetry runs fn up to MaxAttempts times with exponential backoff.
func (p *Pipeline) withRetry(ctx context.Context, fn func() error) error {
	var err error
	backoff := p.config.RetryBackoff
	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == p.config.MaxAttempts {
			break
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

// cleanup deletes vectors outside the request path; failures here leave
// orphans the next re-ingestion heals, so they are only logged.
func (p *Pipeline) cleanup(ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := p.index.Delete(context.Background(), ids); err != nil {
		log.Printf("ingest: failed to clean up %d vectors: %v", len(ids), err)
	}
}

func (p *Pipeline) recordFailure(documentID int64, cause error) {
	ctx := context.Background()

	retries := 0
	if doc, err := p.store.GetDocument(ctx, documentID); err == nil {
		retries = metaInt(doc.Metadata, models.MetaRetryCount)
	}

	meta := map[string]interface{}{
		models.MetaErrorReason: cause.Error(),
		models.MetaRetryCount:  retries + 1,
	}
	if err := p.store.UpdateDocumentMetadata(ctx, documentID, meta); err != nil {
		log.Printf("ingest: failed to record failure for document %d: %v", documentID, err)
	}
	if _, err := p.store.CompareAndSetStatus(ctx, documentID, models.StatusProcessing, models.StatusError); err != nil {
		log.Printf("ingest: failed to mark document %d errored: %v", documentID, err)
	}
}

// metaInt reads a numeric metadata value. Values written in-process are
// ints; values read back through a JSON column decode as float64.
func metaInt(meta map[string]interface{}, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
