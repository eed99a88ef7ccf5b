//go:build integration

package pgvector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/cloo-solutions/kubekb/internal/testutil"
	"github.com/cloo-solutions/kubekb/internal/vectorstore/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreIntegration(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc)
	defer pool.Close()

	storetest.Run(t, func(t *testing.T) storetest.Store {
		require.NoError(t, testutil.DropCollections(ctx, pool))
		return NewStore(pool)
	})

	t.Run("ConcurrentEnsureCollectionRegistersOnce", func(t *testing.T) {
		require.NoError(t, testutil.DropCollections(ctx, pool))
		s := NewStore(pool)

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = s.EnsureCollection(ctx, "race", 4)
			}()
		}
		wg.Wait()
		for _, err := range errs {
			assert.NoError(t, err)
		}

		var count int
		require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM kb_collections WHERE name = 'race'`).Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("DroppedTableIsMissingCollection", func(t *testing.T) {
		require.NoError(t, testutil.DropCollections(ctx, pool))
		s := NewStore(pool)
		require.NoError(t, s.EnsureCollection(ctx, "dropped", 2))
		_, err := pool.Exec(ctx, "DROP TABLE "+TableName("dropped"))
		require.NoError(t, err)

		_, err = s.QueryIDsByFilter(ctx, "dropped", domain.ChunkFilter{})
		assert.ErrorIs(t, err, domain.ErrCollectionNotFound)
	})

	t.Run("URIFilterFindsChunksOutsideNearestNeighbours", func(t *testing.T) {
		require.NoError(t, testutil.DropCollections(ctx, pool))
		s := NewStore(pool)
		require.NoError(t, s.EnsureCollection(ctx, "recall", 3))

		var chunks []domain.KnowledgeChunk
		for i := range 200 {
			chunks = append(chunks, pointAt(fmt.Sprintf("noise-%d", i), 0, 1, float32(i)/1000, 0))
		}
		for i := range 3 {
			chunks = append(chunks, pointAt("target", i, 0.6, 0.8, float32(i)/100))
		}
		require.NoError(t, s.Upsert(ctx, "recall", chunks))
		_, err := pool.Exec(ctx, "ANALYZE "+TableName("recall"))
		require.NoError(t, err)

		hits, err := s.Query(ctx, "recall", []float32{1, 0, 0}, domain.ChunkFilter{URI: "target"}, 10, 0.3)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		for _, h := range hits {
			assert.Equal(t, "target", h.URI)
			assert.InDelta(t, 0.6, h.Score, 0.01)
		}

		all, err := s.Query(ctx, "recall", []float32{1, 0, 0}, domain.ChunkFilter{}, 100, -1)
		require.NoError(t, err)
		assert.Len(t, all, 100)
	})

	t.Run("MissingRegistryIsMissingCollection", func(t *testing.T) {
		_, err := pool.Exec(ctx, "ALTER TABLE kb_collections RENAME TO kb_collections_moved")
		require.NoError(t, err)
		defer func() {
			_, err := pool.Exec(ctx, "ALTER TABLE kb_collections_moved RENAME TO kb_collections")
			require.NoError(t, err)
		}()

		s := NewStore(pool)
		_, err = s.Query(ctx, "knowledge_base", []float32{1, 0, 0}, domain.ChunkFilter{}, 10, 0)
		assert.ErrorIs(t, err, domain.ErrCollectionNotFound)

		_, err = s.QueryIDsByFilter(ctx, "knowledge_base", domain.ChunkFilter{URI: "u1"})
		assert.ErrorIs(t, err, domain.ErrCollectionNotFound)
	})
}

func pointAt(uri string, idx int, vec ...float32) domain.KnowledgeChunk {
	content := fmt.Sprintf("%s chunk %d", uri, idx)
	return domain.KnowledgeChunk{
		ID:          domain.ChunkID(uri, idx),
		Content:     content,
		URI:         uri,
		Checksum:    domain.Checksum(content),
		ChunkIndex:  idx,
		TotalChunks: 3,
		IngestedAt:  time.Now().UTC(),
		Metadata:    map[string]any{},
		Embedding:   vec,
	}
}
