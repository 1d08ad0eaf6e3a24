package store

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/docuchat/docuchat/internal/types"
)

type memVector struct {
	id     string
	vector []float32
	meta   types.IndexMetadata
	seq    int64 // insertion recency, higher is newer
}

// MemoryIndex is an in-memory vector index using brute-force cosine
// similarity. Scores are normalized into [0,1]; ties are broken by
// insertion recency (most recently indexed wins) so query ordering is
// deterministic.
type MemoryIndex struct {
	mu      sync.RWMutex
	seq     int64
	vectors map[string]*memVector
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		vectors: make(map[string]*memVector),
	}
}

func (m *MemoryIndex) Upsert(ctx context.Context, id string, vector []float32, meta types.IndexMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.vectors[id] = &memVector{
		id:     id,
		vector: append([]float32(nil), vector...),
		meta:   meta,
		seq:    m.seq,
	}
	return nil
}

func (m *MemoryIndex) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		delete(m.vectors, id)
	}
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, vector []float32, filter types.IndexFilter, k int) ([]types.IndexMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if k <= 0 {
		k = 5
	}

	documents := make(map[int64]bool, len(filter.DocumentIDs))
	for _, id := range filter.DocumentIDs {
		documents[id] = true
	}
	collections := make(map[int64]bool, len(filter.CollectionIDs))
	for _, id := range filter.CollectionIDs {
		collections[id] = true
	}

	type scored struct {
		match types.IndexMatch
		seq   int64
	}
	var results []scored
	for _, v := range m.vectors {
		if v.meta.OwnerID != filter.OwnerID {
			continue
		}
		if len(documents) > 0 && !documents[v.meta.DocumentID] {
			continue
		}
		if len(collections) > 0 && (v.meta.CollectionID == nil || !collections[*v.meta.CollectionID]) {
			continue
		}
		results = append(results, scored{
			match: types.IndexMatch{VectorID: v.id, Score: similarity(v.vector, vector)},
			seq:   v.seq,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].match.Score != results[j].match.Score {
			return results[i].match.Score > results[j].match.Score
		}
		return results[i].seq > results[j].seq
	})

	if len(results) > k {
		results = results[:k]
	}
	out := make([]types.IndexMatch, 0, len(results))
	for _, r := range results {
		out = append(out, r.match)
	}
	return out, nil
}

// similarity maps cosine similarity from [-1,1] into [0,1].
func similarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	cos := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	return (cos + 1) / 2
}
