package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuchat/docuchat/internal/models"
	"github.com/docuchat/docuchat/internal/types"
	"github.com/docuchat/docuchat/pkg/chat"
	"github.com/docuchat/docuchat/pkg/chunker"
	"github.com/docuchat/docuchat/pkg/ingest"
	"github.com/docuchat/docuchat/pkg/retrieval"
	"github.com/docuchat/docuchat/server"
	"github.com/docuchat/docuchat/pkg/store"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()
	vector := make([]float32, 4)
	for i := range vector {
		vector[i] = float32((seed>>(i*8))&0xff) / 255.0
	}
	return vector, nil
}

type fakeGenerator struct{}

func (fakeGenerator) Generate(_ context.Context, _ string, _ []types.ContextSnippet) (string, error) {
	return "stub answer", nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore()
	idx := store.NewMemoryIndex()
	embedder := fakeEmbedder{}

	pipeline := ingest.NewWithConfig(st, embedder, idx,
		chunker.NewWithConfig(chunker.Config{MaxChunkSize: 100, Overlap: 10}),
		ingest.Config{})
	engine := retrieval.NewWithConfig(st, embedder, idx, retrieval.Config{})
	orchestrator := chat.NewWithConfig(st, engine, fakeGenerator{}, chat.Config{})

	srv := server.NewWithConfig(st, pipeline, orchestrator, server.Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, method, url string, userID int64, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if userID != 0 {
		req.Header.Set("X-User-ID", fmt.Sprintf("%d", userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChat_RequiresIdentity(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/chat", 0, map[string]string{"message": "hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChat_NewConversation(t *testing.T) {
	ts, st := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/chat", 1, map[string]string{"message": "Hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		ConversationID int64 `json:"conversation_id"`
		Message        struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		ChunksUsed []struct {
			ChunkID        int64   `json:"chunk_id"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"chunks_used"`
	}
	decode(t, resp, &out)

	assert.NotZero(t, out.ConversationID)
	assert.Equal(t, "assistant", out.Message.Role)
	assert.Equal(t, "stub answer", out.Message.Content)

	messages, err := st.ListMessages(context.Background(), out.ConversationID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
}

func TestChat_MissingMessageRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/chat", 1, map[string]string{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDocuments_CreateAndIngest(t *testing.T) {
	ts, st := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/documents", 1, map[string]interface{}{
		"title":     "Notes",
		"file_name": "notes.txt",
		"file_type": "text/plain",
		"content":   "Gophers are small burrowing rodents. They are found in North America.",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var doc struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	decode(t, resp, &doc)
	require.NotZero(t, doc.ID)

	require.Eventually(t, func() bool {
		d, err := st.GetDocument(context.Background(), doc.ID)
		return err == nil && d.Status == models.StatusIndexed
	}, 5*time.Second, 10*time.Millisecond)

	chunks, err := st.ListChunksByDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
}

func TestDocuments_OwnershipEnforced(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/documents", 1, map[string]interface{}{
		"title":   "Private",
		"content": "secret",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var doc struct {
		ID int64 `json:"id"`
	}
	decode(t, resp, &doc)

	other := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/documents/%d", ts.URL, doc.ID), 2, nil)
	defer other.Body.Close()
	assert.Equal(t, http.StatusNotFound, other.StatusCode)

	owner := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/documents/%d", ts.URL, doc.ID), 1, nil)
	defer owner.Body.Close()
	assert.Equal(t, http.StatusOK, owner.StatusCode)
}

func TestDocuments_Delete(t *testing.T) {
	ts, st := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/documents", 1, map[string]interface{}{
		"title":   "Ephemeral",
		"content": "short lived content",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var doc struct {
		ID int64 `json:"id"`
	}
	decode(t, resp, &doc)

	require.Eventually(t, func() bool {
		d, err := st.GetDocument(context.Background(), doc.ID)
		return err == nil && d.Status == models.StatusIndexed
	}, 5*time.Second, 10*time.Millisecond)

	del := doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/documents/%d", ts.URL, doc.ID), 1, nil)
	defer del.Body.Close()
	require.Equal(t, http.StatusNoContent, del.StatusCode)

	_, err := st.GetDocument(context.Background(), doc.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCollections_CreateAndGet(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/collections", 1, map[string]string{
		"name":        "Research",
		"description": "papers and notes",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	decode(t, resp, &created)
	require.NotZero(t, created.ID)
	assert.Equal(t, "Research", created.Name)

	got := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/collections/%d", ts.URL, created.ID), 1, nil)
	require.Equal(t, http.StatusOK, got.StatusCode)

	var fetched struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	decode(t, got, &fetched)
	assert.Equal(t, "Research", fetched.Name)
	assert.Equal(t, "papers and notes", fetched.Description)

	foreign := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/collections/%d", ts.URL, created.ID), 2, nil)
	defer foreign.Body.Close()
	assert.Equal(t, http.StatusNotFound, foreign.StatusCode)
}

func TestCollections_NameRequired(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/collections", 1, map[string]string{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDocuments_CollectionMustBelongToOwner(t *testing.T) {
	ts, st := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/collections", 1, map[string]string{"name": "Mine"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var collection struct {
		ID int64 `json:"id"`
	}
	decode(t, resp, &collection)

	rejected := doJSON(t, http.MethodPost, ts.URL+"/api/documents", 2, map[string]interface{}{
		"title":         "Intruder",
		"collection_id": collection.ID,
		"content":       "text",
	})
	defer rejected.Body.Close()
	assert.Equal(t, http.StatusNotFound, rejected.StatusCode)

	accepted := doJSON(t, http.MethodPost, ts.URL+"/api/documents", 1, map[string]interface{}{
		"title":         "Filed",
		"collection_id": collection.ID,
		"content":       "text",
	})
	require.Equal(t, http.StatusAccepted, accepted.StatusCode)

	var doc struct {
		ID           int64  `json:"id"`
		CollectionID *int64 `json:"collection_id"`
	}
	decode(t, accepted, &doc)
	require.NotNil(t, doc.CollectionID)
	assert.Equal(t, collection.ID, *doc.CollectionID)

	stored, err := st.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CollectionID)
	assert.Equal(t, collection.ID, *stored.CollectionID)
}

func TestConversations_HistoryAndDelete(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/chat", 1, map[string]string{"message": "Hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		ConversationID int64 `json:"conversation_id"`
	}
	decode(t, resp, &out)

	hist := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/conversations/%d", ts.URL, out.ConversationID), 1, nil)
	require.Equal(t, http.StatusOK, hist.StatusCode)

	var histOut struct {
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	decode(t, hist, &histOut)
	assert.Len(t, histOut.Messages, 2)

	foreign := doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/conversations/%d", ts.URL, out.ConversationID), 2, nil)
	defer foreign.Body.Close()
	assert.Equal(t, http.StatusNotFound, foreign.StatusCode)

	del := doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/conversations/%d", ts.URL, out.ConversationID), 1, nil)
	defer del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
}
