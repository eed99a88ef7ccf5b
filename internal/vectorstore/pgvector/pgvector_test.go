package pgvector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableName(t *testing.T) {
	name := TableName("knowledge_base")
	assert.True(t, strings.HasPrefix(name, "kb_points_knowledge_base_"))
	assert.Equal(t, name, TableName("knowledge_base"))

	assert.NotEqual(t, TableName("ops-kb"), TableName("ops_kb"))
	assert.Regexp(t, `^kb_points_[a-z0-9_]+_[0-9a-f]{8}$`, TableName("Ops KB/プロダクション"))
	assert.LessOrEqual(t, len(TableName(strings.Repeat("x", 200))), 63)
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))

	undefined := fmt.Errorf("query: %w", &pgconn.PgError{Code: pgUndefinedTable})
	assert.ErrorIs(t, mapError(undefined), domain.ErrCollectionNotFound)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapError(other))
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// registryDB answers every registry lookup with err.
type registryDB struct{ err error }

func (d registryDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, d.err
}

func (d registryDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, d.err
}

func (d registryDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{err: d.err}
}

func TestLookupCollection_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := lookupCollection(ctx, registryDB{err: pgx.ErrNoRows}, "kb")
	assert.ErrorIs(t, err, domain.ErrCollectionNotFound)

	missingRegistry := &pgconn.PgError{Code: pgUndefinedTable, Message: `relation "kb_collections" does not exist`}
	_, err = lookupCollection(ctx, registryDB{err: missingRegistry}, "kb")
	assert.ErrorIs(t, err, domain.ErrCollectionNotFound)

	broken := errors.New("connection refused")
	_, err = lookupCollection(ctx, registryDB{err: broken}, "kb")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrCollectionNotFound)
	assert.ErrorIs(t, err, broken)
}

func TestSearchSettings(t *testing.T) {
	tests := []struct {
		name   string
		filter domain.ChunkFilter
		limit  int
		want   []string
	}{
		{
			name:  "small limit keeps default ef_search",
			limit: 10,
			want:  []string{"SET LOCAL hnsw.ef_search = 40"},
		},
		{
			name:  "ef_search follows large limits",
			limit: 100,
			want:  []string{"SET LOCAL hnsw.ef_search = 100"},
		},
		{
			name:  "ef_search is capped",
			limit: 5000,
			want:  []string{"SET LOCAL hnsw.ef_search = 1000"},
		},
		{
			name:   "uri filter forces an exact scan",
			filter: domain.ChunkFilter{URI: "runbooks/dns.md"},
			limit:  10,
			want: []string{
				"SET LOCAL hnsw.ef_search = 40",
				"SET LOCAL enable_indexscan = off",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, searchSettings(tt.filter, tt.limit))
		})
	}
}
