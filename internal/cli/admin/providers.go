package admin

import (
	"context"
	"fmt"

	"github.com/cloo-solutions/kubekb/internal/config"
	"github.com/cloo-solutions/kubekb/internal/database"
	"github.com/cloo-solutions/kubekb/internal/embedding"
	"github.com/cloo-solutions/kubekb/internal/openai"
	"github.com/cloo-solutions/kubekb/internal/service"
	"github.com/cloo-solutions/kubekb/internal/storage"
	"github.com/cloo-solutions/kubekb/internal/vectorstore/bolt"
	"github.com/cloo-solutions/kubekb/internal/vectorstore/memory"
	"github.com/cloo-solutions/kubekb/internal/vectorstore/pgvector"
	"github.com/cloo-solutions/kubekb/internal/vectorstore/qdrant"
	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	defaultOllamaModel      = "nomic-embed-text"
	defaultOllamaDimensions = 768
)

// Providers are the collaborators the knowledge service runs on.
type Providers struct {
	Embedding service.EmbeddingClient
	Store     service.VectorStore
	// Archive is nil when S3 is not configured or unreachable.
	Archive service.DocumentArchive

	closers []func()
}

// Close releases store connections in reverse order of creation.
func (p *Providers) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}

// ProviderOptions controls provider construction side effects.
type ProviderOptions struct {
	// Migrate applies pgvector schema migrations before use.
	Migrate bool
}

// BuildProviders creates the embedding client, vector store and optional
// document archive selected by cfg.
func BuildProviders(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ProviderOptions) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Providers{}

	emb, err := buildEmbedding(cfg)
	if err != nil {
		return nil, err
	}
	p.Embedding = emb

	if err := p.buildStore(ctx, cfg, logger, opts); err != nil {
		p.Close()
		return nil, err
	}

	if archive := buildArchive(ctx, cfg, logger); archive != nil {
		p.Archive = archive
	}

	logger.Info("providers ready",
		zap.String("embedding_provider", cfg.EmbeddingProvider),
		zap.String("vector_store", cfg.VectorStore),
		zap.Bool("archive", p.Archive != nil),
	)
	return p, nil
}

func buildEmbedding(cfg *config.Config) (service.EmbeddingClient, error) {
	switch cfg.EmbeddingProvider {
	case config.ProviderOpenAI:
		if !cfg.HasOpenAI() {
			return nil, openai.ErrNoAPIKey
		}
		return openai.NewClientWithConfig(openai.Config{
			APIKey:              cfg.OpenAIAPIKey,
			BaseURL:             cfg.EmbeddingBaseURL,
			EmbeddingModel:      goopenai.EmbeddingModel(cfg.EmbeddingModel),
			EmbeddingDimensions: cfg.EmbeddingDimensions,
			RequestDimensions:   cfg.EmbeddingDimensions > 0,
		}), nil
	case config.ProviderOllama:
		model := cfg.EmbeddingModel
		if model == "" {
			model = defaultOllamaModel
		}
		dimensions := cfg.EmbeddingDimensions
		if dimensions <= 0 {
			dimensions = defaultOllamaDimensions
		}
		return openai.NewClientWithConfig(openai.Config{
			APIKey:              cfg.OpenAIAPIKey,
			BaseURL:             cfg.EmbeddingBaseURL,
			EmbeddingModel:      goopenai.EmbeddingModel(model),
			EmbeddingDimensions: dimensions,
		}), nil
	case config.ProviderHashing:
		return embedding.NewHashingEmbedder(cfg.EmbeddingDimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

func (p *Providers) buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ProviderOptions) error {
	switch cfg.VectorStore {
	case config.StorePgvector:
		if opts.Migrate {
			if _, err := database.Migrate(cfg.DatabaseURL, logger); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		pool, err := database.NewPool(ctx, database.Config{URL: cfg.DatabaseURL})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		p.closers = append(p.closers, pool.Close)
		p.Store = pgvector.NewStore(pool)
	case config.StoreQdrant:
		p.Store = qdrant.NewStore(qdrant.Config{
			URL:     cfg.QdrantURL,
			APIKey:  cfg.QdrantAPIKey,
			Timeout: cfg.StoreTimeout,
		})
	case config.StoreBolt:
		store, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return fmt.Errorf("failed to open bolt store: %w", err)
		}
		p.closers = append(p.closers, func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close bolt store", zap.Error(err))
			}
		})
		p.Store = store
	case config.StoreMemory:
		logger.Warn("using in-memory vector store; ingested documents are lost on restart")
		p.Store = memory.NewStore()
	default:
		return fmt.Errorf("unknown vector store %q", cfg.VectorStore)
	}
	return nil
}

// buildArchive returns nil when S3 is not configured. An unreachable bucket
// disables archiving rather than failing startup.
func buildArchive(ctx context.Context, cfg *config.Config, logger *zap.Logger) service.DocumentArchive {
	if !cfg.HasS3() {
		return nil
	}

	archive, err := storage.NewS3Archive(ctx, storage.S3ArchiveConfig{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
		Bucket:          cfg.S3Bucket,
		UsePathStyle:    true,
	})
	if err != nil {
		logger.Warn("document archive disabled", zap.Error(err))
		return nil
	}
	if err := archive.EnsureBucket(ctx); err != nil {
		logger.Warn("document archive disabled", zap.String("bucket", cfg.S3Bucket), zap.Error(err))
		return nil
	}
	return archive
}

// KnowledgeConfig maps process configuration onto the service settings.
func KnowledgeConfig(cfg *config.Config) service.KnowledgeConfig {
	return service.KnowledgeConfig{
		Collection: cfg.Collection,
		Chunk: service.ChunkConfig{
			Size:          cfg.ChunkSize,
			Overlap:       cfg.ChunkOverlap,
			MaxInputBytes: cfg.MaxContentBytes,
		},
		EmbeddingConcurrency:  cfg.EmbeddingConcurrency,
		EmbeddingTimeout:      cfg.EmbeddingTimeout,
		StoreTimeout:          cfg.StoreTimeout,
		DefaultSearchLimit:    cfg.SearchDefaultLimit,
		DefaultScoreThreshold: cfg.SearchScoreThreshold,
		Provider:              cfg.EmbeddingProvider,
	}
}
