package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docuchat/docuchat/internal/models"
	"github.com/docuchat/docuchat/internal/types"
	"github.com/docuchat/docuchat/pkg/chat"
	"github.com/docuchat/docuchat/pkg/ingest"
	"github.com/docuchat/docuchat/pkg/retrieval"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

type Config struct {
	Port int
}

// Server exposes the document and chat pipeline over HTTP and
// WebSocket. It trusts the X-User-ID header for identity; an
// authenticating proxy is expected in front of it.
type Server struct {
	config   Config
	store    types.Store
	pipeline *ingest.Pipeline
	chat     *chat.Orchestrator
}

func NewWithConfig(store types.Store, pipeline *ingest.Pipeline, orchestrator *chat.Orchestrator, config Config) *Server {
	if config.Port == 0 {
		config.Port = 8080
	}
	return &Server{
		config:   config,
		store:    store,
		pipeline: pipeline,
		chat:     orchestrator,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("POST /api/documents", s.handleCreateDocument)
	mux.HandleFunc("GET /api/documents/{id}", s.handleGetDocument)
	mux.HandleFunc("DELETE /api/documents/{id}", s.handleDeleteDocument)
	mux.HandleFunc("POST /api/collections", s.handleCreateCollection)
	mux.HandleFunc("GET /api/collections/{id}", s.handleGetCollection)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Printf("Starting server on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type chatRequest struct {
	ConversationID *int64         `json:"conversation_id,omitempty"`
	Message        string         `json:"message"`
	SearchOptions  *searchOptions `json:"search_options,omitempty"`
}

type searchOptions struct {
	CollectionIDs     []int64 `json:"collection_ids,omitempty"`
	UseSemanticSearch *bool   `json:"use_semantic_search,omitempty"`
	MaxResults        int     `json:"max_results,omitempty"`
}

type messageJSON struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Failed    bool      `json:"failed,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type chunkUsedJSON struct {
	ChunkID        int64   `json:"chunk_id"`
	RelevanceScore float64 `json:"relevance_score"`
}

type chatResponse struct {
	ConversationID int64           `json:"conversation_id"`
	Message        messageJSON     `json:"message"`
	ChunksUsed     []chunkUsedJSON `json:"chunks_used"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	resp, err := s.chat.Send(r.Context(), userID, chat.Request{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Options:        req.SearchOptions.toRetrieval(),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toChatResponse(resp))
}

func (so *searchOptions) toRetrieval() *retrieval.SearchOptions {
	if so == nil {
		return nil
	}
	opts := retrieval.DefaultSearchOptions()
	opts.CollectionIDs = so.CollectionIDs
	opts.MaxResults = so.MaxResults
	if so.UseSemanticSearch != nil {
		opts.UseSemanticSearch = *so.UseSemanticSearch
	}
	return &opts
}

func toChatResponse(resp *chat.Response) chatResponse {
	out := chatResponse{
		ConversationID: resp.ConversationID,
		Message: messageJSON{
			ID:        resp.Message.ID,
			Role:      resp.Message.Role,
			Content:   resp.Message.Content,
			CreatedAt: resp.Message.CreatedAt,
		},
		ChunksUsed: make([]chunkUsedJSON, 0, len(resp.ChunksUsed)),
	}
	if failed, _ := resp.Message.Metadata[chat.MetaFailed].(bool); failed {
		out.Message.Failed = true
	}
	for _, used := range resp.ChunksUsed {
		out.ChunksUsed = append(out.ChunksUsed, chunkUsedJSON{
			ChunkID:        used.ChunkID,
			RelevanceScore: used.Score,
		})
	}
	return out
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	messages, err := s.chat.History(r.Context(), userID, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := make([]messageJSON, 0, len(messages))
	for _, msg := range messages {
		mj := messageJSON{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		}
		if failed, _ := msg.Metadata[chat.MetaFailed].(bool); failed {
			mj.Failed = true
		}
		out = append(out, mj)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": id,
		"messages":        out,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.chat.DeleteConversation(r.Context(), userID, id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createDocumentRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	FileName     string `json:"file_name"`
	FileType     string `json:"file_type"`
	CollectionID *int64 `json:"collection_id,omitempty"`
	Content      string `json:"content"`
}

type documentJSON struct {
	ID           int64                  `json:"id"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description,omitempty"`
	FileName     string                 `json:"file_name"`
	FileType     string                 `json:"file_type"`
	CollectionID *int64                 `json:"collection_id,omitempty"`
	Status       string                 `json:"status"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func toDocumentJSON(doc *models.Document) documentJSON {
	return documentJSON{
		ID:           doc.ID,
		Title:        doc.Title,
		Description:  doc.Description,
		FileName:     doc.FileName,
		FileType:     doc.FileType,
		CollectionID: doc.CollectionID,
		Status:       string(doc.Status),
		Metadata:     doc.Metadata,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

// handleCreateDocument registers the document and kicks off ingestion in
// the background. The client polls GET /api/documents/{id} for the
// status transition to indexed or error.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.CollectionID != nil {
		if _, err := s.ownedCollection(r.Context(), userID, *req.CollectionID); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}

	doc := &models.Document{
		Title:        req.Title,
		Description:  req.Description,
		FileName:     req.FileName,
		FileType:     req.FileType,
		FileSize:     int64(len(req.Content)),
		OwnerID:      userID,
		CollectionID: req.CollectionID,
		Status:       models.StatusPending,
	}
	if err := s.store.CreateDocument(r.Context(), doc); err != nil {
		s.writeStoreError(w, err)
		return
	}

	go func() {
		if err := s.pipeline.Ingest(context.Background(), doc.ID, req.Content); err != nil {
			log.Printf("Ingestion failed for document %d: %v", doc.ID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, toDocumentJSON(doc))
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	doc, err := s.ownedDocument(r.Context(), userID, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentJSON(doc))
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if _, err := s.ownedDocument(r.Context(), userID, id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.pipeline.DeleteDocument(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createCollectionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type collectionJSON struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toCollectionJSON(c *models.Collection) collectionJSON {
	return collectionJSON{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req createCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	collection := &models.Collection{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     userID,
	}
	if err := s.store.CreateCollection(r.Context(), collection); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCollectionJSON(collection))
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	collection, err := s.ownedCollection(r.Context(), userID, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCollectionJSON(collection))
}

func (s *Server) ownedCollection(ctx context.Context, userID, id int64) (*models.Collection, error) {
	collection, err := s.store.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	if collection.OwnerID != userID {
		return nil, types.ErrNotFound
	}
	return collection, nil
}

func (s *Server) ownedDocument(ctx context.Context, userID, id int64) (*models.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != userID {
		return nil, types.ErrNotFound
	}
	return doc, nil
}

type wsMessage struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

type wsChatData struct {
	ConversationID *int64 `json:"conversation_id,omitempty"`
}

// handleWebSocket serves interactive chat. Each inbound message of type
// "chat" runs one turn and replies with a "response" message carrying
// the same payload as POST /api/chat.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.sendWS(conn, wsMessage{Type: "error", Content: "invalid message"})
			continue
		}
		if msg.Type != "chat" {
			s.sendWS(conn, wsMessage{Type: "error", Content: fmt.Sprintf("unknown message type %q", msg.Type)})
			continue
		}

		var data wsChatData
		if raw, err := json.Marshal(msg.Data); err == nil {
			json.Unmarshal(raw, &data)
		}

		s.sendWS(conn, wsMessage{Type: "status", Content: "thinking"})

		resp, err := s.chat.Send(r.Context(), userID, chat.Request{
			ConversationID: data.ConversationID,
			Message:        msg.Content,
		})
		if err != nil {
			s.sendWS(conn, wsMessage{Type: "error", Content: err.Error()})
			continue
		}

		s.sendWS(conn, wsMessage{
			Type:    "response",
			Content: resp.Message.Content,
			Data:    toChatResponse(resp),
		})
	}
}

func (s *Server) sendWS(conn *websocket.Conn, msg wsMessage) {
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("Error sending message: %v", err)
	}
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnauthorized, "invalid X-User-ID header")
		return 0, false
	}
	return id, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, types.ErrIngestionConflict):
		writeError(w, http.StatusConflict, "document is already being ingested")
	default:
		log.Printf("Internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
