package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuchat/docuchat/internal/models"
	"github.com/docuchat/docuchat/pkg/retrieval"
	"github.com/docuchat/docuchat/pkg/store"
)

func TestDeleteConversation_PrunesLock(t *testing.T) {
	st := store.NewMemoryStore()
	engine := retrieval.NewWithConfig(st, nil, store.NewMemoryIndex(), retrieval.Config{})
	o := NewWithConfig(st, engine, nil, Config{})
	ctx := context.Background()

	conv := &models.Conversation{UserID: 1, Title: "ephemeral"}
	require.NoError(t, st.CreateConversation(ctx, conv))

	o.lockFor(conv.ID)
	o.mu.Lock()
	assert.Len(t, o.locks, 1)
	o.mu.Unlock()

	require.NoError(t, o.DeleteConversation(ctx, 1, conv.ID))

	o.mu.Lock()
	assert.Empty(t, o.locks)
	o.mu.Unlock()
}
