package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	ProviderOpenAI  = "openai"
	ProviderOllama  = "ollama"
	ProviderHashing = "hashing"

	StorePgvector = "pgvector"
	StoreQdrant   = "qdrant"
	StoreBolt     = "bolt"
	StoreMemory   = "memory"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Debug       bool   `envconfig:"DEBUG" default:"false"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile  string `envconfig:"LOG_FILE"`

	SentryDSN string `envconfig:"SENTRY_DSN"`

	EmbeddingProvider    string        `envconfig:"EMBEDDING_PROVIDER" default:"openai"`
	OpenAIAPIKey         string        `envconfig:"OPENAI_API_KEY"`
	EmbeddingBaseURL     string        `envconfig:"EMBEDDING_BASE_URL"`
	EmbeddingModel       string        `envconfig:"EMBEDDING_MODEL"`
	EmbeddingDimensions  int           `envconfig:"EMBEDDING_DIMENSIONS"`
	EmbeddingTimeout     time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"30s"`
	EmbeddingConcurrency int           `envconfig:"EMBEDDING_CONCURRENCY" default:"4"`

	VectorStore  string        `envconfig:"VECTOR_STORE" default:"pgvector"`
	DatabaseURL  string        `envconfig:"DATABASE_URL"`
	QdrantURL    string        `envconfig:"QDRANT_URL"`
	QdrantAPIKey string        `envconfig:"QDRANT_API_KEY"`
	BoltPath     string        `envconfig:"BOLT_PATH" default:"data/kubekb.db"`
	Collection   string        `envconfig:"COLLECTION" default:"knowledge_base"`
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"15s"`

	ChunkSize            int     `envconfig:"CHUNK_SIZE" default:"1000"`
	ChunkOverlap         int     `envconfig:"CHUNK_OVERLAP" default:"200"`
	MaxContentBytes      int     `envconfig:"MAX_CONTENT_BYTES" default:"1048576"`
	SearchDefaultLimit   int     `envconfig:"SEARCH_DEFAULT_LIMIT" default:"10"`
	SearchScoreThreshold float32 `envconfig:"SEARCH_SCORE_THRESHOLD" default:"0.3"`

	// Raw documents are archived to S3 when endpoint and credentials are set.
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"kubekb-documents"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("KUBEKB", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	cfg.EmbeddingProvider = strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider))
	cfg.VectorStore = strings.ToLower(strings.TrimSpace(cfg.VectorStore))

	return &cfg, nil
}

// Validate checks the settings the selected providers depend on.
func (c *Config) Validate() error {
	var errs []error

	switch c.EmbeddingProvider {
	case ProviderOpenAI:
		if !c.HasOpenAI() {
			errs = append(errs, errors.New("KUBEKB_OPENAI_API_KEY is required for the openai embedding provider"))
		}
	case ProviderOllama:
		if c.EmbeddingBaseURL == "" {
			errs = append(errs, errors.New("KUBEKB_EMBEDDING_BASE_URL is required for the ollama embedding provider"))
		}
	case ProviderHashing:
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", c.EmbeddingProvider))
	}

	switch c.VectorStore {
	case StorePgvector:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("KUBEKB_DATABASE_URL is required for the pgvector store"))
		}
	case StoreQdrant:
		if c.QdrantURL == "" {
			errs = append(errs, errors.New("KUBEKB_QDRANT_URL is required for the qdrant store"))
		}
	case StoreBolt:
		if c.BoltPath == "" {
			errs = append(errs, errors.New("KUBEKB_BOLT_PATH is required for the bolt store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown vector store %q", c.VectorStore))
	}

	if c.EmbeddingDimensions < 0 {
		errs = append(errs, errors.New("KUBEKB_EMBEDDING_DIMENSIONS must not be negative"))
	}
	if c.SearchScoreThreshold < -1 || c.SearchScoreThreshold > 1 {
		errs = append(errs, errors.New("KUBEKB_SEARCH_SCORE_THRESHOLD must be between -1 and 1"))
	}

	return errors.Join(errs...)
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

func (c *Config) HasSentry() bool {
	return c.SentryDSN != ""
}
