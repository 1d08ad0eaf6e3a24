package types

import (
	"errors"
	"fmt"
)

// ErrNotFound covers unknown ids and cross-user access attempts; callers
// surface it as a client error.
var ErrNotFound = errors.New("not found")

// ErrIngestionConflict means an ingestion run is already in flight for the
// document. It is a rejection of the request, not a document state change.
var ErrIngestionConflict = errors.New("ingestion already in progress")

// EmbeddingUnavailableError wraps transport/quota failures of the embedding
// service.
type EmbeddingUnavailableError struct {
	Err error
}

func (e *EmbeddingUnavailableError) Error() string {
	return fmt.Sprintf("embedding unavailable: %v", e.Err)
}

func (e *EmbeddingUnavailableError) Unwrap() error { return e.Err }

// GenerationUnavailableError wraps failures of the generation service.
type GenerationUnavailableError struct {
	Err error
}

func (e *GenerationUnavailableError) Error() string {
	return fmt.Sprintf("generation unavailable: %v", e.Err)
}

func (e *GenerationUnavailableError) Unwrap() error { return e.Err }

// CorruptedError marks an index/storage disagreement: a chunk references a
// vector id the index no longer has, or the index returned an id with no
// backing chunk. Reads log and skip it; the next re-ingestion heals it.
type CorruptedError struct {
	VectorID string
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("vector %s has no backing chunk", e.VectorID)
}
