package service

import (
	"sort"

	"github.com/cloo-solutions/kubekb/internal/domain"
)

// Ranker orders the candidates returned by the vector store. A keyword or
// hybrid ranker plugs in here without changing the search response shape.
type Ranker interface {
	MatchType() domain.MatchType
	Rank(query string, candidates []domain.ScoredChunk) []domain.ScoredChunk
}

// DenseRanker keeps the vector store's cosine scores.
type DenseRanker struct{}

func (DenseRanker) MatchType() domain.MatchType {
	return domain.MatchTypeSemantic
}

// Rank sorts by descending score. Ties break on uri then chunk index so the
// order is stable across stores.
func (DenseRanker) Rank(_ string, candidates []domain.ScoredChunk) []domain.ScoredChunk {
	out := make([]domain.ScoredChunk, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].URI != out[j].URI {
			return out[i].URI < out[j].URI
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	return out
}
