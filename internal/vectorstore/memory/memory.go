// Package memory is an in-process vector store using brute-force cosine
// similarity. It is meant for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/cloo-solutions/kubekb/internal/vectorstore"
)

type collection struct {
	vectorSize int
	points     map[string]domain.KnowledgeChunk
}

// Store keeps collections in memory.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

func NewStore() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if vectorSize <= 0 {
		return fmt.Errorf("invalid vector size %d", vectorSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		if c.vectorSize != vectorSize {
			return fmt.Errorf("%w: collection %s has %d dimensions, got %d",
				domain.ErrDimensionMismatch, name, c.vectorSize, vectorSize)
		}
		return nil
	}
	s.collections[name] = &collection{
		vectorSize: vectorSize,
		points:     make(map[string]domain.KnowledgeChunk),
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, name string, chunks []domain.KnowledgeChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return domain.ErrCollectionNotFound
	}
	if err := vectorstore.CheckDimensions(chunks, c.vectorSize); err != nil {
		return err
	}
	for i := range chunks {
		c.points[chunks[i].ID] = vectorstore.Clone(chunks[i])
	}
	return nil
}

func (s *Store) Query(ctx context.Context, name string, vector []float32, filter domain.ChunkFilter, limit int, scoreThreshold float32) ([]domain.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return nil, domain.ErrCollectionNotFound
	}
	if len(vector) != c.vectorSize {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection has %d",
			domain.ErrDimensionMismatch, len(vector), c.vectorSize)
	}

	hits := make([]domain.ScoredChunk, 0)
	for _, p := range c.points {
		if !filter.Matches(&p) {
			continue
		}
		score := vectorstore.Cosine(vector, p.Embedding)
		if score < scoreThreshold {
			continue
		}
		hit := vectorstore.Clone(p)
		hit.Embedding = nil
		hits = append(hits, domain.ScoredChunk{KnowledgeChunk: hit, Score: score})
	}
	// Map iteration is random; order by id first so equal scores are stable.
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	return vectorstore.TopK(hits, limit), nil
}

func (s *Store) QueryIDsByFilter(ctx context.Context, name string, filter domain.ChunkFilter) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return nil, domain.ErrCollectionNotFound
	}
	ids := make([]string, 0)
	for id, p := range c.points {
		if filter.Matches(&p) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) DeletePoints(ctx context.Context, name string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return domain.ErrCollectionNotFound
	}
	for _, id := range ids {
		delete(c.points, id)
	}
	return nil
}

// Count returns the number of points in a collection, or 0 when it does
// not exist.
func (s *Store) Count(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[name]; ok {
		return len(c.points)
	}
	return 0
}
