// Package storetest is a behavioural suite every vector store backend must
// pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Store mirrors service.VectorStore.
type Store interface {
	EnsureCollection(ctx context.Context, name string, vectorSize int) error
	Upsert(ctx context.Context, name string, chunks []domain.KnowledgeChunk) error
	Query(ctx context.Context, name string, vector []float32, filter domain.ChunkFilter, limit int, scoreThreshold float32) ([]domain.ScoredChunk, error)
	QueryIDsByFilter(ctx context.Context, name string, filter domain.ChunkFilter) ([]string, error)
	DeletePoints(ctx context.Context, name string, ids []string) error
}

func newChunk(uri string, idx, total int, vec ...float32) domain.KnowledgeChunk {
	content := uri + " chunk"
	return domain.KnowledgeChunk{
		ID:          domain.ChunkID(uri, idx),
		Content:     content,
		URI:         uri,
		Checksum:    domain.Checksum(content),
		ChunkIndex:  idx,
		TotalChunks: total,
		IngestedAt:  time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC),
		Metadata:    map[string]any{"source": "runbook"},
		Embedding:   vec,
	}
}

// Run exercises a backend. newStore must return an empty store each call;
// collection names are unique per subtest.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("MissingCollection", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Query(ctx, "missing", []float32{1, 0, 0}, domain.ChunkFilter{}, 10, 0)
		assert.ErrorIs(t, err, domain.ErrCollectionNotFound)

		_, err = s.QueryIDsByFilter(ctx, "missing", domain.ChunkFilter{URI: "u"})
		assert.ErrorIs(t, err, domain.ErrCollectionNotFound)
	})

	t.Run("EnsureCollection", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.EnsureCollection(ctx, "ensure", 3))
		require.NoError(t, s.EnsureCollection(ctx, "ensure", 3))
		assert.ErrorIs(t, s.EnsureCollection(ctx, "ensure", 5), domain.ErrDimensionMismatch)
	})

	t.Run("ConcurrentEnsureCollection", func(t *testing.T) {
		s := newStore(t)
		const writers = 8

		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				uri := fmt.Sprintf("doc-%d", i)
				if err := s.EnsureCollection(ctx, "concurrent", 3); err != nil {
					errs[i] = err
					return
				}
				errs[i] = s.Upsert(ctx, "concurrent", []domain.KnowledgeChunk{newChunk(uri, 0, 1, 1, float32(i), 0)})
			}()
		}
		wg.Wait()
		for i, err := range errs {
			assert.NoError(t, err, "writer %d", i)
		}

		ids, err := s.QueryIDsByFilter(ctx, "concurrent", domain.ChunkFilter{})
		require.NoError(t, err)
		assert.Len(t, ids, writers)
	})

	t.Run("UpsertAndQuery", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.EnsureCollection(ctx, "query", 3))
		require.NoError(t, s.Upsert(ctx, "query", []domain.KnowledgeChunk{
			newChunk("doc-a", 0, 2, 1, 0, 0),
			newChunk("doc-a", 1, 2, 0.8, 0.6, 0),
			newChunk("doc-b", 0, 1, 0, 0, 1),
		}))

		hits, err := s.Query(ctx, "query", []float32{1, 0, 0}, domain.ChunkFilter{}, 10, 0.5)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, domain.ChunkID("doc-a", 0), hits[0].ID)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-4)
		assert.Equal(t, domain.ChunkID("doc-a", 1), hits[1].ID)
		assert.InDelta(t, 0.8, hits[1].Score, 1e-4)

		first := hits[0]
		assert.Equal(t, "doc-a", first.URI)
		assert.Equal(t, "doc-a chunk", first.Content)
		assert.Equal(t, 0, first.ChunkIndex)
		assert.Equal(t, 2, first.TotalChunks)
		assert.Equal(t, domain.Checksum("doc-a chunk"), first.Checksum)
		assert.Equal(t, "runbook", first.Metadata["source"])
		assert.True(t, first.IngestedAt.Equal(time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)))

		limited, err := s.Query(ctx, "query", []float32{1, 0, 0}, domain.ChunkFilter{}, 1, -1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		filtered, err := s.Query(ctx, "query", []float32{1, 0, 0}, domain.ChunkFilter{URI: "doc-b"}, 10, -1)
		require.NoError(t, err)
		require.Len(t, filtered, 1)
		assert.Equal(t, "doc-b", filtered[0].URI)
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.EnsureCollection(ctx, "idempotent", 3))
		chunks := []domain.KnowledgeChunk{newChunk("doc", 0, 1, 1, 1, 0)}
		require.NoError(t, s.Upsert(ctx, "idempotent", chunks))
		require.NoError(t, s.Upsert(ctx, "idempotent", chunks))

		ids, err := s.QueryIDsByFilter(ctx, "idempotent", domain.ChunkFilter{URI: "doc"})
		require.NoError(t, err)
		assert.Equal(t, []string{domain.ChunkID("doc", 0)}, ids)
	})

	t.Run("DeleteByFilter", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.EnsureCollection(ctx, "delete", 3))
		require.NoError(t, s.Upsert(ctx, "delete", []domain.KnowledgeChunk{
			newChunk("keep", 0, 1, 1, 0, 0),
			newChunk("drop", 0, 2, 0, 1, 0),
			newChunk("drop", 1, 2, 0, 0, 1),
		}))

		ids, err := s.QueryIDsByFilter(ctx, "delete", domain.ChunkFilter{URI: "drop"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{domain.ChunkID("drop", 0), domain.ChunkID("drop", 1)}, ids)

		require.NoError(t, s.DeletePoints(ctx, "delete", ids))

		ids, err = s.QueryIDsByFilter(ctx, "delete", domain.ChunkFilter{URI: "drop"})
		require.NoError(t, err)
		assert.Empty(t, ids)

		ids, err = s.QueryIDsByFilter(ctx, "delete", domain.ChunkFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{domain.ChunkID("keep", 0)}, ids)
	})
}
