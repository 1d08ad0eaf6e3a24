package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuchat/docuchat/internal/models"
	"github.com/docuchat/docuchat/internal/types"
	"github.com/docuchat/docuchat/pkg/chunker"
	"github.com/docuchat/docuchat/pkg/ingest"
	"github.com/docuchat/docuchat/pkg/store"
)

// fakeEmbedder returns a deterministic vector per text and can be told to
// fail its next N calls.
type fakeEmbedder struct {
	mu       sync.Mutex
	failNext int
	calls    int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return nil, &types.EmbeddingUnavailableError{Err: errors.New("service down")}
	}
	h := fnv.New32a()
	h.Write([]byte(text))
	v := h.Sum32()
	return []float32{float32(v%97) + 1, float32(v%31) + 1, 1}, nil
}

// failingIndex wraps the in-memory index and fails every upsert once the
// allowance runs out. A negative allowance never fails.
type failingIndex struct {
	*store.MemoryIndex
	mu        sync.Mutex
	allowance int
}

func (f *failingIndex) Upsert(ctx context.Context, id string, vector []float32, meta types.IndexMetadata) error {
	f.mu.Lock()
	fail := f.allowance == 0
	if f.allowance > 0 {
		f.allowance--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("index down")
	}
	return f.MemoryIndex.Upsert(ctx, id, vector, meta)
}

func newPipeline(t *testing.T) (*ingest.Pipeline, *store.MemoryStore, *store.MemoryIndex, *fakeEmbedder) {
	t.Helper()
	s := store.NewMemoryStore()
	idx := store.NewMemoryIndex()
	emb := &fakeEmbedder{}
	ch := chunker.NewWithConfig(chunker.Config{MaxChunkSize: 1000, Overlap: 100})
	p := ingest.NewWithConfig(s, emb, idx, ch, ingest.Config{
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		RateLimit:    10000,
	})
	return p, s, idx, emb
}

func createDoc(t *testing.T, s *store.MemoryStore) *models.Document {
	t.Helper()
	doc := &models.Document{Title: "Doc", OwnerID: 1}
	require.NoError(t, s.CreateDocument(context.Background(), doc))
	return doc
}

func TestIngest_Success(t *testing.T) {
	ctx := context.Background()
	p, s, idx, _ := newPipeline(t)
	doc := createDoc(t, s)

	// 3000 unbroken characters with chunk size 1000 / overlap 100.
	require.NoError(t, p.Ingest(ctx, doc.ID, strings.Repeat("a", 3000)))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIndexed, got.Status)
	assert.Equal(t, 4, got.Metadata[models.MetaChunkCount])

	chunks, err := s.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.NotEmpty(t, chunk.VectorID)
	}

	matches, err := idx.Query(ctx, []float32{1, 1, 1}, types.IndexFilter{OwnerID: 1}, 50)
	require.NoError(t, err)
	assert.Len(t, matches, 4)
}

func TestIngest_EmptyText(t *testing.T) {
	ctx := context.Background()
	p, s, _, _ := newPipeline(t)
	doc := createDoc(t, s)

	require.NoError(t, p.Ingest(ctx, doc.ID, ""))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIndexed, got.Status)
	assert.Equal(t, 0, got.Metadata[models.MetaChunkCount])

	chunks, err := s.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestIngest_UnknownDocument(t *testing.T) {
	p, _, _, _ := newPipeline(t)
	err := p.Ingest(context.Background(), 9999, "text")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestIngest_ConflictWhileProcessing(t *testing.T) {
	ctx := context.Background()
	p, s, _, _ := newPipeline(t)
	doc := createDoc(t, s)

	ok, err := s.CompareAndSetStatus(ctx, doc.ID, models.StatusPending, models.StatusProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	err = p.Ingest(ctx, doc.ID, "some text")
	assert.ErrorIs(t, err, types.ErrIngestionConflict)
}

// blockingEmbedder parks the first call until released, so a test can hold
// one ingestion run mid-flight while it starts another.
type blockingEmbedder struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	b.once.Do(func() {
		close(b.started)
		<-b.release
	})
	return []float32{1, 2, 3}, nil
}

func TestIngest_ConcurrentRunsExcludeEachOther(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	idx := store.NewMemoryIndex()
	emb := &blockingEmbedder{started: make(chan struct{}), release: make(chan struct{})}
	ch := chunker.NewWithConfig(chunker.Config{MaxChunkSize: 1000, Overlap: 100})
	p := ingest.NewWithConfig(s, emb, idx, ch, ingest.Config{
		MaxAttempts:  1,
		RetryBackoff: time.Millisecond,
		RateLimit:    10000,
	})
	doc := createDoc(t, s)

	done := make(chan error, 1)
	go func() {
		done <- p.Ingest(ctx, doc.ID, strings.Repeat("b", 500))
	}()

	// Once the first run is inside its embedding call the document is
	// processing, and a second request must be rejected.
	<-emb.started
	err := p.Ingest(ctx, doc.ID, strings.Repeat("b", 500))
	assert.ErrorIs(t, err, types.ErrIngestionConflict)

	close(emb.release)
	require.NoError(t, <-done)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIndexed, got.Status)
}

func TestIngest_EmbeddingFailureSetsError(t *testing.T) {
	ctx := context.Background()
	p, s, idx, emb := newPipeline(t)
	doc := createDoc(t, s)

	emb.failNext = 100 // more than MaxAttempts, every call fails

	err := p.Ingest(ctx, doc.ID, strings.Repeat("c", 500))
	require.Error(t, err)
	var unavailable *types.EmbeddingUnavailableError
	assert.ErrorAs(t, err, &unavailable)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.NotEmpty(t, got.Metadata[models.MetaErrorReason])
	assert.Equal(t, 1, got.Metadata[models.MetaRetryCount])

	chunks, err := s.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	matches, err := idx.Query(ctx, []float32{1, 1, 1}, types.IndexFilter{OwnerID: 1}, 50)
	require.NoError(t, err)
	assert.Empty(t, matches, "no partial vectors may survive a failed run")
}

func TestIngest_TransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	p, s, _, emb := newPipeline(t)
	doc := createDoc(t, s)

	emb.failNext = 2 // third attempt succeeds

	require.NoError(t, p.Ingest(ctx, doc.ID, strings.Repeat("d", 500)))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIndexed, got.Status)
}

func TestIngest_IndexFailureCleansUpPartialVectors(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	idx := &failingIndex{MemoryIndex: store.NewMemoryIndex()}
	emb := &fakeEmbedder{}
	ch := chunker.NewWithConfig(chunker.Config{MaxChunkSize: 100, Overlap: 0})
	p := ingest.NewWithConfig(s, emb, idx, ch, ingest.Config{
		MaxAttempts:  2,
		RetryBackoff: time.Millisecond,
		RateLimit:    10000,
	})
	doc := createDoc(t, s)

	// Successful first run establishes a chunk set.
	idx.allowance = -1
	require.NoError(t, p.Ingest(ctx, doc.ID, strings.Repeat("x", 50)))
	firstSet, err := s.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, firstSet, 1)

	// Re-ingest two chunks; the first upsert succeeds, the second fails
	// both attempts, so the run must roll its partial vector back.
	idx.allowance = 1
	err = p.Ingest(ctx, doc.ID, strings.Repeat("x", 100)+strings.Repeat("y", 100))
	require.Error(t, err)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)

	// The previous successful chunk set is untouched, and only its vector
	// remains in the index.
	chunks, err := s.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, strings.Repeat("x", 50), chunks[0].Content)

	matches, err := idx.Query(ctx, []float32{1, 1, 1}, types.IndexFilter{OwnerID: 1}, 50)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, firstSet[0].VectorID, matches[0].VectorID)
}

func TestIngest_ReingestReplacesChunkSet(t *testing.T) {
	ctx := context.Background()
	p, s, idx, _ := newPipeline(t)
	doc := createDoc(t, s)

	require.NoError(t, p.Ingest(ctx, doc.ID, strings.Repeat("a", 1500)))
	first, err := s.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, first, 2)

	require.NoError(t, p.Ingest(ctx, doc.ID, strings.Repeat("b", 500)))
	second, err := s.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].VectorID, second[0].VectorID)

	// Only the new vectors remain in the index.
	matches, err := idx.Query(ctx, []float32{1, 1, 1}, types.IndexFilter{OwnerID: 1}, 50)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, second[0].VectorID, matches[0].VectorID)
}

func TestIngest_Deterministic(t *testing.T) {
	ctx := context.Background()
	p, s, _, _ := newPipeline(t)
	doc := createDoc(t, s)

	text := strings.Repeat("Ingestion must be deterministic. ", 100)

	require.NoError(t, p.Ingest(ctx, doc.ID, text))
	first, err := s.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)

	require.NoError(t, p.Ingest(ctx, doc.ID, text))
	second, err := s.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Content, second[i].Content)
		assert.Equal(t, first[i].ChunkIndex, second[i].ChunkIndex)
	}
}

func TestDeleteDocument_RemovesVectors(t *testing.T) {
	ctx := context.Background()
	p, s, idx, _ := newPipeline(t)
	doc := createDoc(t, s)

	require.NoError(t, p.Ingest(ctx, doc.ID, strings.Repeat("a", 2000)))

	require.NoError(t, p.DeleteDocument(ctx, doc.ID))

	_, err := s.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	matches, err := idx.Query(ctx, []float32{1, 1, 1}, types.IndexFilter{OwnerID: 1}, 50)
	require.NoError(t, err)
	assert.Empty(t, matches, "no orphaned vector ids may remain")
}

// jsonMetaStore round-trips document metadata through JSON on reads, the
// way a JSONB column hands it back: numbers decode as float64.
type jsonMetaStore struct {
	*store.MemoryStore
}

func (s *jsonMetaStore) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	doc, err := s.MemoryStore.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Metadata == nil {
		return doc, nil
	}
	raw, err := json.Marshal(doc.Metadata)
	if err != nil {
		return nil, err
	}
	meta := map[string]interface{}{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	clone := *doc
	clone.Metadata = meta
	return &clone, nil
}

func TestIngest_RetryCountSurvivesJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := &jsonMetaStore{store.NewMemoryStore()}
	emb := &fakeEmbedder{failNext: 1000}
	ch := chunker.NewWithConfig(chunker.Config{MaxChunkSize: 1000, Overlap: 100})
	p := ingest.NewWithConfig(s, emb, store.NewMemoryIndex(), ch, ingest.Config{
		MaxAttempts:  2,
		RetryBackoff: time.Millisecond,
		RateLimit:    10000,
	})

	doc := &models.Document{Title: "Doc", OwnerID: 1}
	require.NoError(t, s.CreateDocument(ctx, doc))

	require.Error(t, p.Ingest(ctx, doc.ID, strings.Repeat("a", 200)))
	require.Error(t, p.Ingest(ctx, doc.ID, strings.Repeat("a", 200)))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Metadata[models.MetaRetryCount])
}

// hijackingStore flips the document out of processing right before the
// pipeline's final status transition.
type hijackingStore struct {
	*store.MemoryStore
	once sync.Once
}

func (s *hijackingStore) UpdateDocumentMetadata(ctx context.Context, id int64, meta map[string]interface{}) error {
	if err := s.MemoryStore.UpdateDocumentMetadata(ctx, id, meta); err != nil {
		return err
	}
	var hijackErr error
	s.once.Do(func() {
		_, hijackErr = s.MemoryStore.CompareAndSetStatus(ctx, id, models.StatusProcessing, models.StatusError)
	})
	return hijackErr
}

func TestIngest_ExternalStatusChangeDoesNotMarkIndexed(t *testing.T) {
	ctx := context.Background()
	s := &hijackingStore{MemoryStore: store.NewMemoryStore()}
	ch := chunker.NewWithConfig(chunker.Config{MaxChunkSize: 1000, Overlap: 100})
	p := ingest.NewWithConfig(s, &fakeEmbedder{}, store.NewMemoryIndex(), ch, ingest.Config{
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		RateLimit:    10000,
	})

	doc := &models.Document{Title: "Doc", OwnerID: 1}
	require.NoError(t, s.CreateDocument(ctx, doc))

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	require.NoError(t, p.Ingest(ctx, doc.ID, strings.Repeat("a", 500)))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status, "a lost final transition must not be overwritten")
	assert.Contains(t, buf.String(), "left processing")
}
