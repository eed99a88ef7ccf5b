package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/cloo-solutions/kubekb/internal/metrics"
	"github.com/cloo-solutions/kubekb/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IngestInput represents input for the ingest operation
type IngestInput struct {
	URI      string
	Content  string
	Metadata map[string]any
	// Replace removes chunks of a previous version that the new content no
	// longer produces.
	Replace bool
}

// IngestOutput represents output from the ingest operation
type IngestOutput struct {
	Success        bool
	ChunksCreated  int
	ChunkIDs       []string
	URI            string
	Message        string
	ChunksReplaced int
}

// Ingest chunks, embeds and upserts a document. Either every chunk is
// written or the call fails before the store is touched.
func (s *KnowledgeService) Ingest(ctx context.Context, input IngestInput) (out *IngestOutput, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "knowledge.ingest", telemetry.SpanAttributes{
		URI:        input.URI,
		Collection: s.cfg.Collection,
		Operation:  "ingest",
	})
	defer func() {
		metrics.ObserveOperation("ingest", start, err)
		if err != nil {
			span.SetError(err)
		}
		span.End()
	}()

	uri := strings.TrimSpace(input.URI)
	if uri == "" {
		return nil, domain.ErrMissingURI
	}
	if input.Content == "" {
		return nil, domain.ErrMissingContent
	}

	texts, err := s.chunker.Chunk(input.Content)
	if err != nil {
		return nil, err
	}

	if len(texts) == 0 {
		empty := &IngestOutput{
			Success:  true,
			ChunkIDs: []string{},
			URI:      uri,
			Message:  "content is empty after trimming whitespace; no chunks were created",
		}
		if input.Replace {
			removed, err := s.removeStale(ctx, uri, nil)
			if err != nil {
				return nil, err
			}
			empty.ChunksReplaced = removed
		}
		return empty, nil
	}

	chunks, err := s.buildChunks(ctx, uri, texts, input.Metadata)
	if err != nil {
		return nil, err
	}

	if err := s.writeChunks(ctx, chunks); err != nil {
		return nil, err
	}

	ids := make([]string, len(chunks))
	for i := range chunks {
		ids[i] = chunks[i].ID
	}

	out = &IngestOutput{
		Success:       true,
		ChunksCreated: len(chunks),
		ChunkIDs:      ids,
		URI:           uri,
		Message:       fmt.Sprintf("ingested %d chunks from %s", len(chunks), uri),
	}

	if input.Replace {
		removed, err := s.removeStale(ctx, uri, ids)
		if err != nil {
			return nil, err
		}
		out.ChunksReplaced = removed
	}

	s.archiveDocument(ctx, uri, input.Content)

	metrics.ChunksIngestedTotal.Add(float64(len(chunks)))
	s.logger.Info("ingested document",
		zap.String("uri", uri),
		zap.Int("chunks", len(chunks)),
		zap.Int("replaced", out.ChunksReplaced),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// buildChunks embeds every text concurrently, bounded by
// EmbeddingConcurrency. The first failure cancels the rest.
func (s *KnowledgeService) buildChunks(ctx context.Context, uri string, texts []string, metadata map[string]any) ([]domain.KnowledgeChunk, error) {
	ingestedAt := s.now()
	meta := maps.Clone(metadata)
	if meta == nil {
		meta = map[string]any{}
	}

	chunks := make([]domain.KnowledgeChunk, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EmbeddingConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			vector, err := s.embed(gctx, text)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			chunks[i] = domain.KnowledgeChunk{
				ID:          domain.ChunkID(uri, i),
				Content:     text,
				URI:         uri,
				Checksum:    domain.Checksum(text),
				ChunkIndex:  i,
				TotalChunks: len(texts),
				IngestedAt:  ingestedAt,
				Metadata:    meta,
				Embedding:   vector,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, domain.NewProviderError("failed to generate chunk embedding", err)
	}

	dim := len(chunks[0].Embedding)
	for i := range chunks {
		if len(chunks[i].Embedding) != dim {
			return nil, domain.NewProviderError("embedding provider returned inconsistent dimensions",
				fmt.Errorf("chunk %d has %d dimensions, chunk 0 has %d", i, len(chunks[i].Embedding), dim))
		}
	}
	return chunks, nil
}

func (s *KnowledgeService) writeChunks(ctx context.Context, chunks []domain.KnowledgeChunk) error {
	dim := len(chunks[0].Embedding)

	ensureCtx, cancel := s.storeContext(ctx)
	err := s.store.EnsureCollection(ensureCtx, s.cfg.Collection, dim)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrDimensionMismatch) {
			return fmt.Errorf("collection %s: %w", s.cfg.Collection, err)
		}
		return domain.NewProviderError("failed to ensure collection", err)
	}

	upsertCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.store.Upsert(upsertCtx, s.cfg.Collection, chunks); err != nil {
		return domain.NewProviderError("failed to upsert chunks", err)
	}
	return nil
}

// removeStale deletes chunks stored for uri whose ids are not in keep.
func (s *KnowledgeService) removeStale(ctx context.Context, uri string, keep []string) (int, error) {
	ids, err := s.idsForURI(ctx, uri)
	if err != nil {
		return 0, err
	}

	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	stale := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := keepSet[id]; !ok {
			stale = append(stale, id)
		}
	}

	if err := s.deletePoints(ctx, stale); err != nil {
		return 0, err
	}
	if len(stale) > 0 {
		telemetry.AddBreadcrumb(ctx, "knowledge", fmt.Sprintf("removed %d stale chunks for %s", len(stale), uri))
	}
	metrics.ChunksDeletedTotal.Add(float64(len(stale)))
	return len(stale), nil
}

func (s *KnowledgeService) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := s.embeddingContext(ctx)
	defer cancel()

	start := time.Now()
	vector, err := s.embedding.GenerateEmbedding(ctx, text)
	metrics.ObserveEmbedding(s.cfg.Provider, start, err)
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, errors.New("embedding provider returned an empty vector")
	}
	return vector, nil
}

func (s *KnowledgeService) archiveDocument(ctx context.Context, uri, content string) {
	if s.archive == nil {
		return
	}
	archiveCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.archive.PutDocument(archiveCtx, uri, content); err != nil {
		s.logger.Warn("failed to archive document", zap.String("uri", uri), zap.Error(err))
		telemetry.CaptureError(ctx, err)
	}
}
