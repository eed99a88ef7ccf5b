//go:build integration

package qdrant

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/cloo-solutions/kubekb/internal/testutil"
	"github.com/cloo-solutions/kubekb/internal/vectorstore/storetest"
)

// scopedStore gives every subtest its own collections on a shared server.
type scopedStore struct {
	inner  *Store
	prefix string
}

func (s *scopedStore) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	return s.inner.EnsureCollection(ctx, s.prefix+name, vectorSize)
}

func (s *scopedStore) Upsert(ctx context.Context, name string, chunks []domain.KnowledgeChunk) error {
	return s.inner.Upsert(ctx, s.prefix+name, chunks)
}

func (s *scopedStore) Query(ctx context.Context, name string, vector []float32, filter domain.ChunkFilter, limit int, scoreThreshold float32) ([]domain.ScoredChunk, error) {
	return s.inner.Query(ctx, s.prefix+name, vector, filter, limit, scoreThreshold)
}

func (s *scopedStore) QueryIDsByFilter(ctx context.Context, name string, filter domain.ChunkFilter) ([]string, error) {
	return s.inner.QueryIDsByFilter(ctx, s.prefix+name, filter)
}

func (s *scopedStore) DeletePoints(ctx context.Context, name string, ids []string) error {
	return s.inner.DeletePoints(ctx, s.prefix+name, ids)
}

func TestStoreIntegration(t *testing.T) {
	ctx := context.Background()
	qc := testutil.NewQdrantContainer(ctx, t)
	defer qc.Terminate(ctx)

	var n atomic.Int32
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return &scopedStore{
			inner:  NewStore(Config{URL: qc.URL()}),
			prefix: fmt.Sprintf("t%d_", n.Add(1)),
		}
	})
}
