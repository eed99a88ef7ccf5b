package service

import (
	"context"
	"time"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultCollection           = "knowledge_base"
	DefaultSearchLimit          = 10
	MaxSearchLimit              = 100
	DefaultScoreThreshold       = float32(0.3)
	DefaultEmbeddingConcurrency = 4
	DefaultEmbeddingTimeout     = 30 * time.Second
	DefaultStoreTimeout         = 15 * time.Second
)

// EmbeddingClient defines the interface for generating embeddings
type EmbeddingClient interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// VectorStore persists chunks as points in a named collection.
// Query and QueryIDsByFilter return domain.ErrCollectionNotFound when the
// collection has never been created.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, vectorSize int) error
	Upsert(ctx context.Context, name string, chunks []domain.KnowledgeChunk) error
	Query(ctx context.Context, name string, vector []float32, filter domain.ChunkFilter, limit int, scoreThreshold float32) ([]domain.ScoredChunk, error)
	QueryIDsByFilter(ctx context.Context, name string, filter domain.ChunkFilter) ([]string, error)
	DeletePoints(ctx context.Context, name string, ids []string) error
}

// DocumentArchive keeps a copy of raw ingested documents. Optional.
type DocumentArchive interface {
	PutDocument(ctx context.Context, uri, content string) error
	DeleteDocument(ctx context.Context, uri string) error
}

// KnowledgeConfig tunes the knowledge base pipelines.
type KnowledgeConfig struct {
	Collection            string
	Chunk                 ChunkConfig
	EmbeddingConcurrency  int
	EmbeddingTimeout      time.Duration
	StoreTimeout          time.Duration
	DefaultSearchLimit    int
	DefaultScoreThreshold float32
	// Provider labels embedding metrics.
	Provider string
}

// DefaultKnowledgeConfig returns the documented defaults.
func DefaultKnowledgeConfig() KnowledgeConfig {
	return KnowledgeConfig{
		Collection:            DefaultCollection,
		Chunk:                 DefaultChunkConfig(),
		EmbeddingConcurrency:  DefaultEmbeddingConcurrency,
		EmbeddingTimeout:      DefaultEmbeddingTimeout,
		StoreTimeout:          DefaultStoreTimeout,
		DefaultSearchLimit:    DefaultSearchLimit,
		DefaultScoreThreshold: DefaultScoreThreshold,
	}
}

func (c KnowledgeConfig) normalized() KnowledgeConfig {
	def := DefaultKnowledgeConfig()
	if c.Collection == "" {
		c.Collection = def.Collection
	}
	if c.Chunk == (ChunkConfig{}) {
		c.Chunk = def.Chunk
	}
	if c.EmbeddingConcurrency <= 0 {
		c.EmbeddingConcurrency = def.EmbeddingConcurrency
	}
	if c.EmbeddingTimeout <= 0 {
		c.EmbeddingTimeout = def.EmbeddingTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	if c.DefaultSearchLimit <= 0 {
		c.DefaultSearchLimit = def.DefaultSearchLimit
	}
	if c.DefaultSearchLimit > MaxSearchLimit {
		c.DefaultSearchLimit = MaxSearchLimit
	}
	if c.DefaultScoreThreshold < -1 || c.DefaultScoreThreshold > 1 {
		c.DefaultScoreThreshold = def.DefaultScoreThreshold
	}
	if c.Provider == "" {
		c.Provider = "unknown"
	}
	return c
}

// KnowledgeService implements ingestion, search and deletion over an
// embedding client and a vector store. It holds no per-request state.
type KnowledgeService struct {
	embedding EmbeddingClient
	store     VectorStore
	archive   DocumentArchive
	chunker   *Chunker
	ranker    Ranker
	cfg       KnowledgeConfig
	logger    *zap.Logger
	now       func() time.Time
}

// KnowledgeOption customises a KnowledgeService.
type KnowledgeOption func(*KnowledgeService)

// WithArchive stores raw documents alongside their chunks.
func WithArchive(archive DocumentArchive) KnowledgeOption {
	return func(s *KnowledgeService) {
		s.archive = archive
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) KnowledgeOption {
	return func(s *KnowledgeService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRanker replaces the ranking step applied to store results.
func WithRanker(r Ranker) KnowledgeOption {
	return func(s *KnowledgeService) {
		if r != nil {
			s.ranker = r
		}
	}
}

// WithClock overrides the ingestion timestamp source.
func WithClock(now func() time.Time) KnowledgeOption {
	return func(s *KnowledgeService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewKnowledgeService creates a new KnowledgeService instance
func NewKnowledgeService(embedding EmbeddingClient, store VectorStore, cfg KnowledgeConfig, opts ...KnowledgeOption) *KnowledgeService {
	cfg = cfg.normalized()
	s := &KnowledgeService{
		embedding: embedding,
		store:     store,
		chunker:   NewChunker(cfg.Chunk),
		ranker:    DenseRanker{},
		cfg:       cfg,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *KnowledgeService) Config() KnowledgeConfig {
	return s.cfg
}

func (s *KnowledgeService) embeddingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.EmbeddingTimeout)
}

func (s *KnowledgeService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}
