package types

import (
	"context"

	"github.com/docuchat/docuchat/internal/models"
)

// Embedder turns text into a fixed-dimensionality vector. Failures are
// reported as *EmbeddingUnavailableError.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator produces an answer from a prompt plus the retrieved context
// snippets backing it. Failures are reported as
// *GenerationUnavailableError.
type Generator interface {
	Generate(ctx context.Context, prompt string, snippets []ContextSnippet) (string, error)
}

// ContextSnippet is one piece of retrieved context handed to the generator.
type ContextSnippet struct {
	Content string
	Score   float64
}

// IndexFilter restricts a vector index query. OwnerID is always set by the
// retrieval engine; empty id slices mean no restriction on that axis.
type IndexFilter struct {
	OwnerID       int64
	DocumentIDs   []int64
	CollectionIDs []int64
}

// IndexMatch is one vector index query hit. Score is similarity in [0,1],
// higher is more relevant.
type IndexMatch struct {
	VectorID string
	Score    float64
}

// IndexMetadata is stored alongside each vector and drives filtering.
type IndexMetadata struct {
	DocumentID   int64
	CollectionID *int64
	OwnerID      int64
	ChunkIndex   int
}

// VectorIndex stores embeddings under string ids and supports filtered
// similarity search. Query results are sorted by score descending, ties
// broken by insertion recency (most recently indexed first).
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, meta IndexMetadata) error
	Delete(ctx context.Context, ids []string) error
	Query(ctx context.Context, vector []float32, filter IndexFilter, k int) ([]IndexMatch, error)
}

// Store is the transactional record store the core persists into. User and
// role storage, auth, and file storage live outside the core; everything
// here is keyed by stable integer ids assigned on create.
type Store interface {
	// Documents.
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
	UpdateDocumentMetadata(ctx context.Context, id int64, meta map[string]interface{}) error
	// CompareAndSetStatus atomically moves a document from one status to
	// another. It returns false (and no error) when the document's current
	// status is not `from`.
	CompareAndSetStatus(ctx context.Context, id int64, from, to models.DocumentStatus) (bool, error)
	DeleteDocument(ctx context.Context, id int64) error

	// Chunks. ReplaceChunks atomically swaps a document's chunk set and
	// returns the replaced chunks; readers see either the old set or the
	// new one, never a mix.
	ReplaceChunks(ctx context.Context, documentID int64, chunks []*models.Chunk) (old []*models.Chunk, err error)
	GetChunk(ctx context.Context, id int64) (*models.Chunk, error)
	GetChunkByVectorID(ctx context.Context, vectorID string) (*models.Chunk, error)
	ListChunksByDocument(ctx context.Context, documentID int64) ([]*models.Chunk, error)
	ListChunksByOwner(ctx context.Context, ownerID int64, collectionIDs []int64) ([]*models.Chunk, error)

	// Collections.
	CreateCollection(ctx context.Context, c *models.Collection) error
	GetCollection(ctx context.Context, id int64) (*models.Collection, error)

	// Conversations and messages.
	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	TouchConversation(ctx context.Context, id int64) error
	DeleteConversation(ctx context.Context, id int64) error
	CreateMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, conversationID int64) ([]*models.Message, error)

	// Chunk references, retrievable in descending relevance order.
	CreateChunkReferences(ctx context.Context, refs []*models.ChunkReference) error
	ListChunkReferences(ctx context.Context, messageID int64) ([]*models.ChunkReference, error)

	Close()
}
