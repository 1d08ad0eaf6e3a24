package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docuchat/docuchat/internal/models"
	"github.com/docuchat/docuchat/internal/types"
)

// PostgresStore is the production record store. Schema management is kept
// inline the way the vector index does it; migrations are out of scope.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initialize(); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initialize() error {
	ctx := context.Background()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			owner_id BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			file_name TEXT NOT NULL DEFAULT '',
			file_type TEXT NOT NULL DEFAULT '',
			file_size BIGINT NOT NULL DEFAULT 0,
			owner_id BIGINT NOT NULL,
			collection_id BIGINT REFERENCES collections(id),
			status TEXT NOT NULL DEFAULT 'pending',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id BIGSERIAL PRIMARY KEY,
			document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			metadata JSONB,
			vector_id TEXT NOT NULL UNIQUE,
			UNIQUE (document_id, chunk_index)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			title TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chunk_references (
			id BIGSERIAL PRIMARY KEY,
			message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			chunk_id BIGINT NOT NULL,
			relevance_score DOUBLE PRECISION NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %v", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO documents (title, description, file_name, file_type, file_size, owner_id, collection_id, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		doc.Title, doc.Description, doc.FileName, doc.FileType, doc.FileSize,
		doc.OwnerID, doc.CollectionID, doc.Status, doc.Metadata)
	if err := row.Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert document: %v", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	var doc models.Document
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, description, file_name, file_type, file_size, owner_id, collection_id, status, metadata, created_at, updated_at
		FROM documents WHERE id = $1`, id)
	err := row.Scan(&doc.ID, &doc.Title, &doc.Description, &doc.FileName, &doc.FileType,
		&doc.FileSize, &doc.OwnerID, &doc.CollectionID, &doc.Status, &doc.Metadata,
		&doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %v", err)
	}
	return &doc, nil
}

func (s *PostgresStore) UpdateDocumentMetadata(ctx context.Context, id int64, meta map[string]interface{}) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $2, updated_at = now()
		WHERE id = $1`, id, meta)
	if err != nil {
		return fmt.Errorf("failed to update document metadata: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, id int64, from, to models.DocumentStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to update document status: %v", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Distinguish a lost CAS race from an unknown document.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check document: %v", err)
	}
	if !exists {
		return false, types.ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ReplaceChunks(ctx context.Context, documentID int64, chunks []*models.Chunk) ([]*models.Chunk, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	old, err := scanChunks(tx.Query(ctx, `
		SELECT id, document_id, content, chunk_index, metadata, vector_id
		FROM chunks WHERE document_id = $1 ORDER BY chunk_index`, documentID))
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return nil, fmt.Errorf("failed to delete old chunks: %v", err)
	}

	for _, chunk := range chunks {
		chunk.DocumentID = documentID
		row := tx.QueryRow(ctx, `
			INSERT INTO chunks (document_id, content, chunk_index, metadata, vector_id)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			chunk.DocumentID, chunk.Content, chunk.ChunkIndex, chunk.Metadata, chunk.VectorID)
		if err := row.Scan(&chunk.ID); err != nil {
			return nil, fmt.Errorf("failed to insert chunk: %v", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %v", err)
	}
	return old, nil
}

func (s *PostgresStore) GetChunk(ctx context.Context, id int64) (*models.Chunk, error) {
	return s.getChunk(ctx, `
		SELECT id, document_id, content, chunk_index, metadata, vector_id
		FROM chunks WHERE id = $1`, id)
}

func (s *PostgresStore) GetChunkByVectorID(ctx context.Context, vectorID string) (*models.Chunk, error) {
	return s.getChunk(ctx, `
		SELECT id, document_id, content, chunk_index, metadata, vector_id
		FROM chunks WHERE vector_id = $1`, vectorID)
}

func (s *PostgresStore) getChunk(ctx context.Context, query string, arg interface{}) (*models.Chunk, error) {
	var chunk models.Chunk
	row := s.pool.QueryRow(ctx, query, arg)
	err := row.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Content, &chunk.ChunkIndex,
		&chunk.Metadata, &chunk.VectorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %v", err)
	}
	return &chunk, nil
}

func (s *PostgresStore) ListChunksByDocument(ctx context.Context, documentID int64) ([]*models.Chunk, error) {
	return scanChunks(s.pool.Query(ctx, `
		SELECT id, document_id, content, chunk_index, metadata, vector_id
		FROM chunks WHERE document_id = $1 ORDER BY chunk_index`, documentID))
}

func (s *PostgresStore) ListChunksByOwner(ctx context.Context, ownerID int64, collectionIDs []int64) ([]*models.Chunk, error) {
	query := `
		SELECT c.id, c.document_id, c.content, c.chunk_index, c.metadata, c.vector_id
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.owner_id = $1`
	args := []interface{}{ownerID}
	if len(collectionIDs) > 0 {
		args = append(args, collectionIDs)
		query += " AND d.collection_id = ANY($2)"
	}
	query += " ORDER BY c.id"
	return scanChunks(s.pool.Query(ctx, query, args...))
}

func scanChunks(rows pgx.Rows, err error) ([]*models.Chunk, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %v", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		var chunk models.Chunk
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Content,
			&chunk.ChunkIndex, &chunk.Metadata, &chunk.VectorID); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %v", err)
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

func (s *PostgresStore) CreateCollection(ctx context.Context, c *models.Collection) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO collections (name, description, owner_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		c.Name, c.Description, c.OwnerID)
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert collection: %v", err)
	}
	return nil
}

func (s *PostgresStore) GetCollection(ctx context.Context, id int64) (*models.Collection, error) {
	var c models.Collection
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, owner_id, created_at, updated_at
		FROM collections WHERE id = $1`, id)
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan collection: %v", err)
	}
	return &c, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (user_id, title)
		VALUES ($1, $2)
		RETURNING id, created_at, updated_at`, c.UserID, c.Title)
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert conversation: %v", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	var c models.Conversation
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE id = $1`, id)
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %v", err)
	}
	return &c, nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *models.Message) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, content, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		m.ConversationID, m.Role, m.Content, m.Metadata)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert message: %v", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID int64) ([]*models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, metadata, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %v", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %v", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) CreateChunkReferences(ctx context.Context, refs []*models.ChunkReference) error {
	for _, ref := range refs {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO chunk_references (message_id, chunk_id, relevance_score)
			VALUES ($1, $2, $3)
			RETURNING id`, ref.MessageID, ref.ChunkID, ref.RelevanceScore)
		if err := row.Scan(&ref.ID); err != nil {
			return fmt.Errorf("failed to insert chunk reference: %v", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListChunkReferences(ctx context.Context, messageID int64) ([]*models.ChunkReference, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, chunk_id, relevance_score
		FROM chunk_references WHERE message_id = $1
		ORDER BY relevance_score DESC, id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk references: %v", err)
	}
	defer rows.Close()

	var refs []*models.ChunkReference
	for rows.Next() {
		var ref models.ChunkReference
		if err := rows.Scan(&ref.ID, &ref.MessageID, &ref.ChunkID, &ref.RelevanceScore); err != nil {
			return nil, fmt.Errorf("failed to scan chunk reference: %v", err)
		}
		refs = append(refs, &ref)
	}
	return refs, rows.Err()
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
