package retrieval

import (
	"context"
	"log"
	"sort"
	"strings"

	"github.com/docuchat/docuchat/internal/models"
	"github.com/docuchat/docuchat/internal/types"
)

type Config struct {
	DefaultLimit int // results returned when the caller asks for none
	MaxLimit     int // hard cap on requested results
}

// SearchOptions control one retrieval call. Use DefaultSearchOptions as
// the base; the zero value disables semantic search.
type SearchOptions struct {
	CollectionIDs     []int64 // empty = no restriction
	UseSemanticSearch bool
	MaxResults        int
}

func DefaultSearchOptions() SearchOptions {
	return SearchOptions{UseSemanticSearch: true}
}

// ScoredChunk pairs a chunk with its relevance score in [0,1].
type ScoredChunk struct {
	Chunk *models.Chunk
	Score float64
}

// Results is one ranked result set. Degraded is set when semantic search
// was requested but the engine had to fall back to lexical matching.
type Results struct {
	Chunks   []ScoredChunk
	Degraded bool
}

// Engine answers queries against the vector index, falling back to a
// lexical substring match when embeddings are unavailable. It never
// surfaces a chunk the querying user cannot read: every index query and
// lexical scan is restricted to the user's own documents.
type Engine struct {
	store    types.Store
	embedder types.Embedder
	index    types.VectorIndex
	config   Config
}

func NewWithConfig(store types.Store, embedder types.Embedder, index types.VectorIndex, config Config) *Engine {
	if config.DefaultLimit == 0 {
		config.DefaultLimit = 5
	}
	if config.MaxLimit == 0 {
		config.MaxLimit = 50
	}

	return &Engine{
		store:    store,
		embedder: embedder,
		index:    index,
		config:   config,
	}
}

// Retrieve returns the ranked chunks relevant to the query, sorted by
// score descending with chunk id ascending as the tie-break.
func (e *Engine) Retrieve(ctx context.Context, userID int64, query string, opts SearchOptions) (*Results, error) {
	limit := opts.MaxResults
	if limit <= 0 {
		limit = e.config.DefaultLimit
	}
	if limit > e.config.MaxLimit {
		limit = e.config.MaxLimit
	}

	if !opts.UseSemanticSearch {
		return e.lexical(ctx, userID, query, opts.CollectionIDs, limit)
	}

	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return e.fallback(ctx, userID, query, opts.CollectionIDs, limit, err)
	}

	matches, err := e.index.Query(ctx, vector, types.IndexFilter{
		OwnerID:       userID,
		CollectionIDs: opts.CollectionIDs,
	}, limit)
	if err != nil {
		return e.fallback(ctx, userID, query, opts.CollectionIDs, limit, err)
	}

	results := &Results{}
	for _, match := range matches {
		chunk, err := e.store.GetChunkByVectorID(ctx, match.VectorID)
		if err != nil {
			// Index and storage can transiently disagree; skip the hit and
			// let the next re-ingestion heal it.
			log.Printf("retrieval: %v", &types.CorruptedError{VectorID: match.VectorID})
			continue
		}
		if _, err := e.store.GetDocument(ctx, chunk.DocumentID); err != nil {
			log.Printf("retrieval: chunk %d references missing document %d", chunk.ID, chunk.DocumentID)
			continue
		}
		results.Chunks = append(results.Chunks, ScoredChunk{Chunk: chunk, Score: match.Score})
	}

	sortResults(results.Chunks)
	return results, nil
}

func (e *Engine) fallback(ctx context.Context, userID int64, query string, collectionIDs []int64, limit int, cause error) (*Results, error) {
	log.Printf("retrieval: semantic search unavailable, falling back to lexical: %v", cause)

	results, err := e.lexical(ctx, userID, query, collectionIDs, limit)
	if err != nil {
		return nil, err
	}
	results.Degraded = true
	return results, nil
}

// lexical is the always-available degraded mode: case-insensitive term
// matching over the user's chunk content. Scores are the fraction of
// query terms present, so they stay within [0,1].
func (e *Engine) lexical(ctx context.Context, userID int64, query string, collectionIDs []int64, limit int) (*Results, error) {
	chunks, err := e.store.ListChunksByOwner(ctx, userID, collectionIDs)
	if err != nil {
		return nil, err
	}

	terms := strings.Fields(strings.ToLower(query))
	results := &Results{}
	if len(terms) == 0 {
		return results, nil
	}

	for _, chunk := range chunks {
		content := strings.ToLower(chunk.Content)
		matched := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		results.Chunks = append(results.Chunks, ScoredChunk{
			Chunk: chunk,
			Score: float64(matched) / float64(len(terms)),
		})
	}

	sortResults(results.Chunks)
	if len(results.Chunks) > limit {
		results.Chunks = results.Chunks[:limit]
	}
	return results, nil
}

func sortResults(chunks []ScoredChunk) {
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].Chunk.ID < chunks[j].Chunk.ID
	})
}
