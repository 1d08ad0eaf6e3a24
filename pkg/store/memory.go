package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docuchat/docuchat/internal/models"
	"github.com/docuchat/docuchat/internal/types"
)

// MemoryStore is an in-memory record store guarded by a single mutex. It
// backs tests and the single-process CLI; the Postgres store is the
// production implementation of the same interface.
type MemoryStore struct {
	mu sync.Mutex

	nextID        int64
	documents     map[int64]*models.Document
	chunks        map[int64]*models.Chunk
	chunksByDoc   map[int64][]int64
	collections   map[int64]*models.Collection
	conversations map[int64]*models.Conversation
	messages      map[int64][]*models.Message // keyed by conversation id, insertion order
	references    map[int64][]*models.ChunkReference
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:        1,
		documents:     make(map[int64]*models.Document),
		chunks:        make(map[int64]*models.Chunk),
		chunksByDoc:   make(map[int64][]int64),
		collections:   make(map[int64]*models.Collection),
		conversations: make(map[int64]*models.Conversation),
		messages:      make(map[int64][]*models.Message),
		references:    make(map[int64][]*models.ChunkReference),
	}
}

func (s *MemoryStore) allocID() int64 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *MemoryStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.ID = s.allocID()
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	s.documents[doc.ID] = doc
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (s *MemoryStore) UpdateDocumentMetadata(ctx context.Context, id int64, meta map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return types.ErrNotFound
	}
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]interface{})
	}
	for k, v := range meta {
		doc.Metadata[k] = v
	}
	doc.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CompareAndSetStatus(ctx context.Context, id int64, from, to models.DocumentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return false, types.ErrNotFound
	}
	if doc.Status != from {
		return false, nil
	}
	doc.Status = to
	doc.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[id]; !ok {
		return types.ErrNotFound
	}
	for _, chunkID := range s.chunksByDoc[id] {
		delete(s.chunks, chunkID)
	}
	delete(s.chunksByDoc, id)
	delete(s.documents, id)
	return nil
}

func (s *MemoryStore) ReplaceChunks(ctx context.Context, documentID int64, chunks []*models.Chunk) ([]*models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[documentID]; !ok {
		return nil, types.ErrNotFound
	}

	var old []*models.Chunk
	for _, chunkID := range s.chunksByDoc[documentID] {
		old = append(old, s.chunks[chunkID])
		delete(s.chunks, chunkID)
	}

	ids := make([]int64, 0, len(chunks))
	for _, chunk := range chunks {
		chunk.ID = s.allocID()
		chunk.DocumentID = documentID
		s.chunks[chunk.ID] = chunk
		ids = append(ids, chunk.ID)
	}
	s.chunksByDoc[documentID] = ids
	return old, nil
}

func (s *MemoryStore) GetChunk(ctx context.Context, id int64) (*models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk, ok := s.chunks[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *chunk
	return &copied, nil
}

func (s *MemoryStore) GetChunkByVectorID(ctx context.Context, vectorID string) (*models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range s.chunks {
		if chunk.VectorID == vectorID {
			copied := *chunk
			return &copied, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *MemoryStore) ListChunksByDocument(ctx context.Context, documentID int64) ([]*models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Chunk
	for _, chunkID := range s.chunksByDoc[documentID] {
		copied := *s.chunks[chunkID]
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (s *MemoryStore) ListChunksByOwner(ctx context.Context, ownerID int64, collectionIDs []int64) ([]*models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[int64]bool, len(collectionIDs))
	for _, id := range collectionIDs {
		wanted[id] = true
	}

	var out []*models.Chunk
	for _, chunk := range s.chunks {
		doc, ok := s.documents[chunk.DocumentID]
		if !ok || doc.OwnerID != ownerID {
			continue
		}
		if len(wanted) > 0 && (doc.CollectionID == nil || !wanted[*doc.CollectionID]) {
			continue
		}
		copied := *chunk
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateCollection(ctx context.Context, c *models.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.ID = s.allocID()
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.collections[c.ID] = c
	return nil
}

func (s *MemoryStore) GetCollection(ctx context.Context, id int64) (*models.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.ID = s.allocID()
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.conversations[c.ID] = c
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *MemoryStore) TouchConversation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return types.ErrNotFound
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return types.ErrNotFound
	}
	for _, msg := range s.messages[id] {
		delete(s.references, msg.ID)
	}
	delete(s.messages, id)
	delete(s.conversations, id)
	return nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[m.ConversationID]; !ok {
		return types.ErrNotFound
	}
	m.ID = s.allocID()
	m.CreatedAt = time.Now()
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID int64) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		copied := *m
		out = append(out, &copied)
	}
	// Insertion order already matches creation order; a stable sort keeps
	// ties deterministic.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateChunkReferences(ctx context.Context, refs []*models.ChunkReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range refs {
		ref.ID = s.allocID()
		s.references[ref.MessageID] = append(s.references[ref.MessageID], ref)
	}
	return nil
}

func (s *MemoryStore) ListChunkReferences(ctx context.Context, messageID int64) ([]*models.ChunkReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := s.references[messageID]
	out := make([]*models.ChunkReference, 0, len(refs))
	for _, ref := range refs {
		copied := *ref
		out = append(out, &copied)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RelevanceScore > out[j].RelevanceScore })
	return out, nil
}

func (s *MemoryStore) Close() {}
