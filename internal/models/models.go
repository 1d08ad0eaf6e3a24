package models

import "time"

// DocumentStatus tracks a document through the ingestion lifecycle.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusIndexed    DocumentStatus = "indexed"
	StatusError      DocumentStatus = "error"
)

// CanTransition reports whether moving from s to next is a legal
// lifecycle step. Only the ingestion pipeline moves documents between
// states; anything outside pending -> processing -> {indexed, error}
// (plus re-ingestion restarts from indexed/error) is rejected.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusIndexed || next == StatusError
	case StatusIndexed, StatusError:
		return next == StatusProcessing
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusIndexed, StatusError:
		return true
	}
	return false
}

// Metadata keys written by the ingestion pipeline.
const (
	MetaErrorReason = "error_reason"
	MetaRetryCount  = "retry_count"
	MetaChunkCount  = "chunk_count"
)

type Document struct {
	ID           int64
	Title        string
	Description  string
	FileName     string
	FileType     string
	FileSize     int64
	OwnerID      int64
	CollectionID *int64
	Status       DocumentStatus
	Metadata     map[string]interface{}
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chunk is one contiguous slice of a document's extracted text. ChunkIndex
// is 0-based and contiguous within a document; VectorID is the key the
// chunk's embedding is stored under in the vector index and is unique
// system-wide.
type Chunk struct {
	ID         int64
	DocumentID int64
	Content    string
	ChunkIndex int
	Metadata   map[string]interface{}
	VectorID   string
}

// Collection groups documents under one owner.
type Collection struct {
	ID          int64
	Name        string
	Description string
	OwnerID     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Conversation struct {
	ID        int64
	UserID    int64
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is immutable once persisted.
type Message struct {
	ID             int64
	ConversationID int64
	Role           string
	Content        string
	Metadata       map[string]interface{}
	CreatedAt      time.Time
}

// ChunkReference records that a chunk backed an assistant message, with
// the relevance score the retrieval engine assigned it at the time.
type ChunkReference struct {
	ID             int64
	MessageID      int64
	ChunkID        int64
	RelevanceScore float64
}
