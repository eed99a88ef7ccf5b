package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/cloo-solutions/kubekb/internal/metrics"
	"github.com/cloo-solutions/kubekb/internal/telemetry"
	"go.uber.org/zap"
)

// DeleteOutput represents output from the deleteByUri operation
type DeleteOutput struct {
	Success       bool
	ChunksDeleted int
	URI           string
}

// DeleteByURI removes every chunk stored for uri. A missing collection or
// an unknown uri deletes nothing and succeeds.
func (s *KnowledgeService) DeleteByURI(ctx context.Context, uri string) (out *DeleteOutput, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "knowledge.delete", telemetry.SpanAttributes{
		URI:        uri,
		Collection: s.cfg.Collection,
		Operation:  "deleteByUri",
	})
	defer func() {
		metrics.ObserveOperation("deleteByUri", start, err)
		if err != nil {
			span.SetError(err)
		}
		span.End()
	}()

	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, domain.ErrMissingURI
	}

	ids, err := s.idsForURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	if err := s.deletePoints(ctx, ids); err != nil {
		return nil, err
	}

	s.deleteArchivedDocument(ctx, uri)

	metrics.ChunksDeletedTotal.Add(float64(len(ids)))
	s.logger.Info("deleted document",
		zap.String("uri", uri),
		zap.Int("chunks", len(ids)),
		zap.Duration("duration", time.Since(start)),
	)
	return &DeleteOutput{
		Success:       true,
		ChunksDeleted: len(ids),
		URI:           uri,
	}, nil
}

func (s *KnowledgeService) idsForURI(ctx context.Context, uri string) ([]string, error) {
	queryCtx, cancel := s.storeContext(ctx)
	defer cancel()

	ids, err := s.store.QueryIDsByFilter(queryCtx, s.cfg.Collection, domain.ChunkFilter{URI: uri})
	if err != nil {
		if errors.Is(err, domain.ErrCollectionNotFound) {
			return nil, nil
		}
		return nil, domain.NewProviderError("failed to look up chunks", err)
	}
	return ids, nil
}

func (s *KnowledgeService) deletePoints(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	deleteCtx, cancel := s.storeContext(ctx)
	defer cancel()

	if err := s.store.DeletePoints(deleteCtx, s.cfg.Collection, ids); err != nil {
		if errors.Is(err, domain.ErrCollectionNotFound) {
			return nil
		}
		return domain.NewProviderError("failed to delete chunks", err)
	}
	return nil
}

func (s *KnowledgeService) deleteArchivedDocument(ctx context.Context, uri string) {
	if s.archive == nil {
		return
	}
	archiveCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.archive.DeleteDocument(archiveCtx, uri); err != nil {
		s.logger.Warn("failed to delete archived document", zap.String("uri", uri), zap.Error(err))
	}
}
