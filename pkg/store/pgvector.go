package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/docuchat/docuchat/internal/types"
)

type VectorIndexConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
	BatchSize  int
}

// PgVectorIndex implements types.VectorIndex on Postgres with the pgvector
// extension. Scores are cosine similarity normalized into [0,1]; a serial
// column records insertion recency for deterministic tie-breaks.
type PgVectorIndex struct {
	config VectorIndexConfig
	pool   *pgxpool.Pool
}

func NewPgVectorIndex(config VectorIndexConfig) (*PgVectorIndex, error) {
	if config.TableName == "" {
		config.TableName = "chunk_vectors"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}

	pool, err := pgxpool.New(context.Background(), config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	idx := &PgVectorIndex{
		config: config,
		pool:   pool,
	}

	if err := idx.initialize(); err != nil {
		pool.Close()
		return nil, err
	}

	return idx, nil
}

func (idx *PgVectorIndex) initialize() error {
	ctx := context.Background()

	_, err := idx.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %v", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document_id BIGINT NOT NULL,
			collection_id BIGINT,
			owner_id BIGINT NOT NULL,
			chunk_index INTEGER NOT NULL,
			embedding vector(%d),
			seq BIGSERIAL
		)`, idx.config.TableName, idx.config.VectorDim)

	_, err = idx.pool.Exec(ctx, createTable)
	if err != nil {
		return fmt.Errorf("failed to create table: %v", err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`,
		idx.config.TableName, idx.config.TableName)

	_, err = idx.pool.Exec(ctx, createIndex)
	if err != nil {
		return fmt.Errorf("failed to create index: %v", err)
	}

	return nil
}

func (idx *PgVectorIndex) Upsert(ctx context.Context, id string, vector []float32, meta types.IndexMetadata) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, document_id, collection_id, owner_id, chunk_index, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			collection_id = EXCLUDED.collection_id,
			owner_id = EXCLUDED.owner_id,
			chunk_index = EXCLUDED.chunk_index,
			embedding = EXCLUDED.embedding,
			seq = nextval('%s_seq_seq')`,
		idx.config.TableName, idx.config.TableName)

	_, err := idx.pool.Exec(ctx, stmt,
		id,
		meta.DocumentID,
		meta.CollectionID,
		meta.OwnerID,
		meta.ChunkIndex,
		pgvector.NewVector(vector),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %v", err)
	}
	return nil
}

func (idx *PgVectorIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", idx.config.TableName)
	if _, err := idx.pool.Exec(ctx, stmt, ids); err != nil {
		return fmt.Errorf("failed to delete vectors: %v", err)
	}
	return nil
}

func (idx *PgVectorIndex) Query(ctx context.Context, vector []float32, filter types.IndexFilter, k int) ([]types.IndexMatch, error) {
	if k <= 0 {
		k = 5
	}

	where := "owner_id = $2"
	args := []interface{}{pgvector.NewVector(vector), filter.OwnerID}
	if len(filter.DocumentIDs) > 0 {
		args = append(args, filter.DocumentIDs)
		where += fmt.Sprintf(" AND document_id = ANY($%d)", len(args))
	}
	if len(filter.CollectionIDs) > 0 {
		args = append(args, filter.CollectionIDs)
		where += fmt.Sprintf(" AND collection_id = ANY($%d)", len(args))
	}
	args = append(args, k)

	// <=> is cosine distance in [0,2]; 1 - d/2 maps it to [0,1] similarity.
	query := fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $1) / 2 AS score
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $1 ASC, seq DESC
		LIMIT $%d`,
		idx.config.TableName, where, len(args))

	rows, err := idx.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %v", err)
	}
	defer rows.Close()

	var matches []types.IndexMatch
	for rows.Next() {
		var match types.IndexMatch
		if err := rows.Scan(&match.VectorID, &match.Score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %v", err)
		}
		matches = append(matches, match)
	}
	return matches, rows.Err()
}

func (idx *PgVectorIndex) Close() {
	if idx.pool != nil {
		idx.pool.Close()
	}
}
