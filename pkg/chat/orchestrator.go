package chat

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/docuchat/docuchat/internal/models"
	"github.com/docuchat/docuchat/internal/types"
	"github.com/docuchat/docuchat/pkg/retrieval"
)

// Metadata keys written on assistant messages.
const (
	MetaFailed      = "failed"
	MetaFailReason  = "fail_reason"
	MetaDegraded    = "degraded"
	MetaLatencyMS   = "latency_ms"
	MetaChunksUsed  = "chunks_used"
	failureResponse = "I wasn't able to generate a response. Please try again."
)

const maxTitleLength = 60

type Config struct {
	ContextBudget int
	HistoryWindow int
}

// Request is one chat turn. A nil ConversationID starts a new
// conversation; nil Options means defaults.
type Request struct {
	ConversationID *int64
	Message        string
	Options        *retrieval.SearchOptions
}

// UsedChunk reports one chunk that backed the answer.
type UsedChunk struct {
	ChunkID int64
	Score   float64
}

type Response struct {
	ConversationID int64
	Message        *models.Message
	ChunksUsed     []UsedChunk
}

// Orchestrator owns the conversation/message lifecycle. Turns within one
// conversation are serialized behind a per-conversation lock; turns
// across conversations proceed concurrently.
type Orchestrator struct {
	store     types.Store
	engine    *retrieval.Engine
	generator types.Generator
	prompts   *PromptBuilder

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewWithConfig(store types.Store, engine *retrieval.Engine, generator types.Generator, config Config) *Orchestrator {
	return &Orchestrator{
		store:     store,
		engine:    engine,
		generator: generator,
		prompts:   NewPromptBuilder(config.ContextBudget, config.HistoryWindow),
		locks:     make(map[int64]*sync.Mutex),
	}
}

// Send runs one chat turn for the user: persist the user message,
// retrieve context, generate, persist the assistant message with its
// chunk references. The user message is never rolled back; generation
// failure produces an assistant message flagged as failed instead of an
// unanswered turn.
func (o *Orchestrator) Send(ctx context.Context, userID int64, req Request) (*Response, error) {
	conv, err := o.resolveConversation(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	lock := o.lockFor(conv.ID)
	lock.Lock()
	defer lock.Unlock()

	history, err := o.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	userMsg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        req.Message,
	}
	if err := o.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	opts := retrieval.DefaultSearchOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	results, err := o.engine.Retrieve(ctx, userID, req.Message, opts)
	if err != nil {
		// Retrieval is best-effort; the turn continues without context.
		log.Printf("chat: retrieval failed for conversation %d: %v", conv.ID, err)
		results = &retrieval.Results{}
	}

	selected := o.prompts.SelectChunks(results.Chunks)
	snippets := make([]types.ContextSnippet, 0, len(selected))
	for _, sc := range selected {
		snippets = append(snippets, types.ContextSnippet{Content: sc.Chunk.Content, Score: sc.Score})
	}

	prompt := o.prompts.BuildPrompt(history, req.Message)

	start := time.Now()
	answer, genErr := o.generator.Generate(ctx, prompt, snippets)
	latency := time.Since(start).Milliseconds()

	if genErr != nil {
		assistantMsg := &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleAssistant,
			Content:        failureResponse,
			Metadata: map[string]interface{}{
				MetaFailed:     true,
				MetaFailReason: genErr.Error(),
			},
		}
		if err := o.store.CreateMessage(ctx, assistantMsg); err != nil {
			return nil, err
		}
		o.touch(ctx, conv.ID)
		return &Response{ConversationID: conv.ID, Message: assistantMsg}, nil
	}

	assistantMsg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        answer,
		Metadata: map[string]interface{}{
			MetaDegraded:   results.Degraded,
			MetaLatencyMS:  latency,
			MetaChunksUsed: len(selected),
		},
	}
	if err := o.store.CreateMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}

	used := make([]UsedChunk, 0, len(selected))
	refs := make([]*models.ChunkReference, 0, len(selected))
	for _, sc := range selected {
		used = append(used, UsedChunk{ChunkID: sc.Chunk.ID, Score: sc.Score})
		refs = append(refs, &models.ChunkReference{
			MessageID:      assistantMsg.ID,
			ChunkID:        sc.Chunk.ID,
			RelevanceScore: sc.Score,
		})
	}
	if err := o.store.CreateChunkReferences(ctx, refs); err != nil {
		return nil, err
	}

	o.touch(ctx, conv.ID)
	return &Response{
		ConversationID: conv.ID,
		Message:        assistantMsg,
		ChunksUsed:     used,
	}, nil
}

// History returns the conversation's messages after an ownership check.
func (o *Orchestrator) History(ctx context.Context, userID, conversationID int64) ([]*models.Message, error) {
	if _, err := o.ownedConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return o.store.ListMessages(ctx, conversationID)
}

// DeleteConversation removes the conversation with its messages and
// references after an ownership check.
func (o *Orchestrator) DeleteConversation(ctx context.Context, userID, conversationID int64) error {
	if _, err := o.ownedConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := o.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.locks, conversationID)
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) resolveConversation(ctx context.Context, userID int64, req Request) (*models.Conversation, error) {
	if req.ConversationID != nil {
		return o.ownedConversation(ctx, userID, *req.ConversationID)
	}

	conv := &models.Conversation{
		UserID: userID,
		Title:  titleFrom(req.Message),
	}
	if err := o.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (o *Orchestrator) ownedConversation(ctx context.Context, userID, conversationID int64) (*models.Conversation, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	// A foreign conversation is indistinguishable from a missing one.
	if conv.UserID != userID {
		return nil, types.ErrNotFound
	}
	return conv, nil
}

func (o *Orchestrator) lockFor(conversationID int64) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[conversationID] = lock
	}
	return lock
}

func (o *Orchestrator) touch(ctx context.Context, conversationID int64) {
	if err := o.store.TouchConversation(ctx, conversationID); err != nil {
		log.Printf("chat: failed to touch conversation %d: %v", conversationID, err)
	}
}

func titleFrom(message string) string {
	title := strings.TrimSpace(message)
	runes := []rune(title)
	if len(runes) > maxTitleLength {
		title = strings.TrimSpace(string(runes[:maxTitleLength])) + "..."
	}
	if title == "" {
		title = "New conversation"
	}
	return title
}
