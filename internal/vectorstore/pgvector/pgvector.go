// Package pgvector stores collections as PostgreSQL tables with a pgvector
// column. Collections are tracked in the kb_collections registry created by
// the database migrations.
package pgvector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// hnsw indexes are limited to 2000 dimensions.
const maxIndexedDimensions = 2000

const pgUndefinedTable = "42P01"

// hnsw.ef_search bounds; pgvector rejects values above 1000.
const (
	defaultEfSearch = 40
	maxEfSearch     = 1000
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a pgvector-backed vector store.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// TableName derives the points table for a collection. The hash suffix keeps
// names that sanitize to the same prefix apart.
func TableName(collection string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(collection) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= 24 {
			break
		}
	}
	sum := sha256.Sum256([]byte(collection))
	return "kb_points_" + b.String() + "_" + hex.EncodeToString(sum[:4])
}

type collectionInfo struct {
	table      string
	vectorSize int
}

func lookupCollection(ctx context.Context, db dbtx, name string) (collectionInfo, error) {
	var info collectionInfo
	err := db.QueryRow(ctx,
		`SELECT table_name, vector_size FROM kb_collections WHERE name = $1`,
		name,
	).Scan(&info.table, &info.vectorSize)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return info, domain.ErrCollectionNotFound
		}
		return info, mapError(err)
	}
	return info, nil
}

// searchSettings returns the SET LOCAL statements for one similarity query.
// An hnsw scan yields at most ef_search rows before WHERE is applied, so
// ef_search follows the limit and a uri filter disables plain index scans.
// The planner then reads the uri index with a bitmap scan and sorts the
// matching rows by exact distance.
func searchSettings(filter domain.ChunkFilter, limit int) []string {
	ef := min(max(limit, defaultEfSearch), maxEfSearch)
	stmts := []string{fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", ef)}
	if filter.URI != "" {
		stmts = append(stmts, "SET LOCAL enable_indexscan = off")
	}
	return stmts
}

func (s *Store) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	if vectorSize <= 0 {
		return fmt.Errorf("invalid vector size %d", vectorSize)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialise concurrent creators of the same collection.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('kubekb:' || $1))`, name); err != nil {
		return fmt.Errorf("failed to lock collection %s: %w", name, err)
	}

	info, err := lookupCollection(ctx, tx, name)
	switch {
	case err == nil:
		if info.vectorSize != vectorSize {
			return fmt.Errorf("%w: collection %s has %d dimensions, got %d",
				domain.ErrDimensionMismatch, name, info.vectorSize, vectorSize)
		}
		return nil
	case !errors.Is(err, domain.ErrCollectionNotFound):
		return err
	}

	table := TableName(name)
	ident := pgx.Identifier{table}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id           TEXT PRIMARY KEY,
			uri          TEXT NOT NULL,
			content      TEXT NOT NULL,
			chunk_index  INTEGER NOT NULL,
			total_chunks INTEGER NOT NULL,
			checksum     TEXT NOT NULL,
			ingested_at  TIMESTAMPTZ NOT NULL,
			metadata     JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding    vector(%d) NOT NULL
		)`, ident, vectorSize),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (uri)`,
			pgx.Identifier{table + "_uri_idx"}.Sanitize(), ident),
	}
	if vectorSize <= maxIndexedDimensions {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`,
			pgx.Identifier{table + "_embedding_idx"}.Sanitize(), ident))
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO kb_collections (name, table_name, vector_size) VALUES ($1, $2, $3)`,
		name, table, vectorSize,
	); err != nil {
		return fmt.Errorf("failed to register collection %s: %w", name, err)
	}

	return tx.Commit(ctx)
}

func (s *Store) Upsert(ctx context.Context, name string, chunks []domain.KnowledgeChunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	info, err := lookupCollection(ctx, tx, name)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s
			(id, uri, content, chunk_index, total_chunks, checksum, ingested_at, metadata, embedding)
		 VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			uri = EXCLUDED.uri,
			content = EXCLUDED.content,
			chunk_index = EXCLUDED.chunk_index,
			total_chunks = EXCLUDED.total_chunks,
			checksum = EXCLUDED.checksum,
			ingested_at = EXCLUDED.ingested_at,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, pgx.Identifier{info.table}.Sanitize())

	for _, c := range chunks {
		if len(c.Embedding) != info.vectorSize {
			return fmt.Errorf("%w: chunk %s has %d dimensions, collection has %d",
				domain.ErrDimensionMismatch, c.ID, len(c.Embedding), info.vectorSize)
		}
		meta, err := json.Marshal(nonNilMetadata(c.Metadata))
		if err != nil {
			return fmt.Errorf("failed to encode metadata for chunk %s: %w", c.ID, err)
		}
		_, err = tx.Exec(ctx, query,
			c.ID,
			c.URI,
			c.Content,
			c.ChunkIndex,
			c.TotalChunks,
			c.Checksum,
			c.IngestedAt,
			meta,
			pgvector.NewVector(c.Embedding),
		)
		if err != nil {
			return mapError(err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) Query(ctx context.Context, name string, vector []float32, filter domain.ChunkFilter, limit int, scoreThreshold float32) ([]domain.ScoredChunk, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	info, err := lookupCollection(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	if len(vector) != info.vectorSize {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection has %d",
			domain.ErrDimensionMismatch, len(vector), info.vectorSize)
	}

	for _, stmt := range searchSettings(filter, limit) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to configure search: %w", err)
		}
	}

	query := fmt.Sprintf(`
		SELECT id, uri, content, chunk_index, total_chunks, checksum, ingested_at, metadata,
		       1 - (embedding <=> $1) AS score
		FROM %s
		WHERE ($2 = '' OR uri = $2)
		  AND 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1
		LIMIT $4`, pgx.Identifier{info.table}.Sanitize())

	rows, err := tx.Query(ctx, query, pgvector.NewVector(vector), filter.URI, float64(scoreThreshold), limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	results := make([]domain.ScoredChunk, 0)
	for rows.Next() {
		var hit domain.ScoredChunk
		var meta []byte
		var score float64
		if err := rows.Scan(
			&hit.ID,
			&hit.URI,
			&hit.Content,
			&hit.ChunkIndex,
			&hit.TotalChunks,
			&hit.Checksum,
			&hit.IngestedAt,
			&meta,
			&score,
		); err != nil {
			return nil, err
		}
		hit.Metadata = map[string]any{}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &hit.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for chunk %s: %w", hit.ID, err)
			}
		}
		hit.IngestedAt = hit.IngestedAt.UTC()
		hit.Score = float32(score)
		results = append(results, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return results, nil
}

func (s *Store) QueryIDsByFilter(ctx context.Context, name string, filter domain.ChunkFilter) ([]string, error) {
	info, err := lookupCollection(ctx, s.pool, name)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE ($1 = '' OR uri = $1) ORDER BY id`, pgx.Identifier{info.table}.Sanitize()),
		filter.URI,
	)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, mapError(rows.Err())
}

func (s *Store) DeletePoints(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	info, err := lookupCollection(ctx, s.pool, name)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, pgx.Identifier{info.table}.Sanitize()),
		ids,
	)
	return mapError(err)
}

func nonNilMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// mapError turns a dropped points table into domain.ErrCollectionNotFound.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		return fmt.Errorf("%w: %v", domain.ErrCollectionNotFound, err)
	}
	return err
}
