package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/cloo-solutions/kubekb/internal/metrics"
	"github.com/cloo-solutions/kubekb/internal/telemetry"
	"go.uber.org/zap"
)

// SearchInput represents input for the search operation
type SearchInput struct {
	Query string
	Limit int
	// ScoreThreshold overrides the configured default when set.
	ScoreThreshold *float32
	URIFilter      string
	MatchType      domain.MatchType
}

// SearchChunk is a single ranked search hit.
type SearchChunk struct {
	ID          string
	Content     string
	Score       float32
	URI         string
	ChunkIndex  int
	TotalChunks int
	Metadata    map[string]any
	MatchType   domain.MatchType
}

// SearchOutput represents output from the search operation
type SearchOutput struct {
	Chunks       []SearchChunk
	TotalMatches int
}

type searchParams struct {
	query     string
	limit     int
	threshold float32
	filter    domain.ChunkFilter
}

func (s *KnowledgeService) searchParams(input SearchInput) (searchParams, error) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return searchParams{}, domain.ErrMissingQuery
	}

	if input.MatchType != "" && input.MatchType != s.ranker.MatchType() {
		if !domain.IsValidMatchType(input.MatchType) {
			return searchParams{}, domain.NewDomainErrorWithCause(domain.ErrCodeValidation,
				domain.ErrUnsupportedMatchType.Message, fmt.Errorf("unknown match type %q", input.MatchType))
		}
		return searchParams{}, domain.NewDomainErrorWithCause(domain.ErrCodeValidation,
			domain.ErrUnsupportedMatchType.Message, fmt.Errorf("%q search is not available", input.MatchType))
	}

	limit := input.Limit
	switch {
	case limit < 0:
		return searchParams{}, domain.ErrInvalidLimit
	case limit == 0:
		limit = s.cfg.DefaultSearchLimit
	case limit > MaxSearchLimit:
		limit = MaxSearchLimit
	}

	threshold := s.cfg.DefaultScoreThreshold
	if input.ScoreThreshold != nil {
		threshold = *input.ScoreThreshold
		if threshold < -1 || threshold > 1 {
			return searchParams{}, domain.ErrInvalidScoreThreshold
		}
	}

	return searchParams{
		query:     query,
		limit:     limit,
		threshold: threshold,
		filter:    domain.ChunkFilter{URI: strings.TrimSpace(input.URIFilter)},
	}, nil
}

// Search embeds the query and returns the closest chunks scoring at least
// the effective threshold, best first. Searching before anything has been
// ingested returns no chunks.
func (s *KnowledgeService) Search(ctx context.Context, input SearchInput) (out *SearchOutput, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "knowledge.search", telemetry.SpanAttributes{
		URI:        input.URIFilter,
		Collection: s.cfg.Collection,
		Operation:  "search",
	})
	defer func() {
		metrics.ObserveOperation("search", start, err)
		if err != nil {
			span.SetError(err)
		}
		span.End()
	}()

	params, err := s.searchParams(input)
	if err != nil {
		return nil, err
	}

	vector, err := s.embed(ctx, params.query)
	if err != nil {
		return nil, domain.NewProviderError("failed to generate query embedding", err)
	}

	queryCtx, cancel := s.storeContext(ctx)
	defer cancel()
	candidates, err := s.store.Query(queryCtx, s.cfg.Collection, vector, params.filter, params.limit, params.threshold)
	if err != nil {
		if errors.Is(err, domain.ErrCollectionNotFound) {
			return &SearchOutput{Chunks: []SearchChunk{}}, nil
		}
		return nil, domain.NewProviderError("failed to query vector store", err)
	}

	ranked := s.ranker.Rank(params.query, candidates)
	matchType := s.ranker.MatchType()

	chunks := make([]SearchChunk, 0, min(len(ranked), params.limit))
	for i := range ranked {
		c := &ranked[i]
		if c.Score < params.threshold || !params.filter.Matches(&c.KnowledgeChunk) {
			continue
		}
		chunks = append(chunks, SearchChunk{
			ID:          c.ID,
			Content:     c.Content,
			Score:       c.Score,
			URI:         c.URI,
			ChunkIndex:  c.ChunkIndex,
			TotalChunks: c.TotalChunks,
			Metadata:    c.Metadata,
			MatchType:   matchType,
		})
		if len(chunks) == params.limit {
			break
		}
	}

	s.logger.Debug("search completed",
		zap.String("uri_filter", params.filter.URI),
		zap.Int("candidates", len(candidates)),
		zap.Int("returned", len(chunks)),
		zap.Duration("duration", time.Since(start)),
	)
	return &SearchOutput{
		Chunks:       chunks,
		TotalMatches: len(chunks),
	}, nil
}
