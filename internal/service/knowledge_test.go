package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockEmbeddingClient mocks the embedding provider
type MockEmbeddingClient struct {
	mock.Mock
}

func (m *MockEmbeddingClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

// MockVectorStore mocks the vector store
type MockVectorStore struct {
	mock.Mock
}

func (m *MockVectorStore) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	args := m.Called(ctx, name, vectorSize)
	return args.Error(0)
}

func (m *MockVectorStore) Upsert(ctx context.Context, name string, chunks []domain.KnowledgeChunk) error {
	args := m.Called(ctx, name, chunks)
	return args.Error(0)
}

func (m *MockVectorStore) Query(ctx context.Context, name string, vector []float32, filter domain.ChunkFilter, limit int, scoreThreshold float32) ([]domain.ScoredChunk, error) {
	args := m.Called(ctx, name, vector, filter, limit, scoreThreshold)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ScoredChunk), args.Error(1)
}

func (m *MockVectorStore) QueryIDsByFilter(ctx context.Context, name string, filter domain.ChunkFilter) ([]string, error) {
	args := m.Called(ctx, name, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockVectorStore) DeletePoints(ctx context.Context, name string, ids []string) error {
	args := m.Called(ctx, name, ids)
	return args.Error(0)
}

// MockDocumentArchive mocks the raw document archive
type MockDocumentArchive struct {
	mock.Mock
}

func (m *MockDocumentArchive) PutDocument(ctx context.Context, uri, content string) error {
	args := m.Called(ctx, uri, content)
	return args.Error(0)
}

func (m *MockDocumentArchive) DeleteDocument(ctx context.Context, uri string) error {
	args := m.Called(ctx, uri)
	return args.Error(0)
}

var fixedNow = time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)

func newTestService(emb EmbeddingClient, store VectorStore, opts ...KnowledgeOption) *KnowledgeService {
	cfg := DefaultKnowledgeConfig()
	cfg.Chunk = ChunkConfig{Size: 50, Overlap: 10}
	opts = append([]KnowledgeOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewKnowledgeService(emb, store, cfg, opts...)
}

func TestKnowledgeService_Ingest_Validation(t *testing.T) {
	tests := []struct {
		name  string
		input IngestInput
		want  *domain.DomainError
	}{
		{"missing uri", IngestInput{Content: "text"}, domain.ErrMissingURI},
		{"blank uri", IngestInput{URI: "   ", Content: "text"}, domain.ErrMissingURI},
		{"missing content", IngestInput{URI: "k8s://doc"}, domain.ErrMissingContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb := new(MockEmbeddingClient)
			store := new(MockVectorStore)
			svc := newTestService(emb, store)

			out, err := svc.Ingest(context.Background(), tt.input)

			assert.Nil(t, out)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, domain.IsValidation(err))
			emb.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
			store.AssertNotCalled(t, "EnsureCollection", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestKnowledgeService_Ingest_ContentTooLarge(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	cfg := DefaultKnowledgeConfig()
	cfg.Chunk = ChunkConfig{Size: 10, Overlap: 0, MaxInputBytes: 8}
	svc := NewKnowledgeService(emb, store, cfg)

	_, err := svc.Ingest(context.Background(), IngestInput{URI: "k8s://doc", Content: "0123456789"})

	assert.ErrorIs(t, err, domain.ErrContentTooLarge)
	emb.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
}

func TestKnowledgeService_Ingest_WhitespaceContent(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	svc := newTestService(emb, store)

	out, err := svc.Ingest(context.Background(), IngestInput{URI: "u2", Content: "   "})

	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 0, out.ChunksCreated)
	assert.Empty(t, out.ChunkIDs)
	assert.NotEmpty(t, out.Message)
	store.AssertExpectations(t)
	emb.AssertExpectations(t)
}

func TestKnowledgeService_Ingest_Success(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	archive := new(MockDocumentArchive)
	svc := newTestService(emb, store, WithArchive(archive))

	ctx := context.Background()
	content := "Pods in CrashLoopBackOff need their logs checked.\n\nNodes under memory pressure evict pods."
	uri := "https://runbooks.example.com/pods"

	emb.On("GenerateEmbedding", mock.Anything, mock.AnythingOfType("string")).Return([]float32{0.1, 0.2, 0.3}, nil)
	store.On("EnsureCollection", mock.Anything, DefaultCollection, 3).Return(nil)
	store.On("Upsert", mock.Anything, DefaultCollection, mock.AnythingOfType("[]domain.KnowledgeChunk")).Return(nil)
	archive.On("PutDocument", mock.Anything, uri, content).Return(nil)

	out, err := svc.Ingest(ctx, IngestInput{
		URI:      "  " + uri + " ",
		Content:  content,
		Metadata: map[string]any{"team": "sre"},
	})

	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, uri, out.URI)
	assert.Equal(t, 2, out.ChunksCreated)
	assert.Equal(t, []string{domain.ChunkID(uri, 0), domain.ChunkID(uri, 1)}, out.ChunkIDs)

	upserted := store.Calls[1].Arguments.Get(2).([]domain.KnowledgeChunk)
	require.Len(t, upserted, 2)
	for i, c := range upserted {
		assert.Equal(t, domain.ChunkID(uri, i), c.ID)
		assert.Equal(t, uri, c.URI)
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, 2, c.TotalChunks)
		assert.Equal(t, domain.Checksum(c.Content), c.Checksum)
		assert.Equal(t, fixedNow, c.IngestedAt)
		assert.Equal(t, "sre", c.Metadata["team"])
		assert.Len(t, c.Embedding, 3)
	}
	assert.Equal(t, "Pods in CrashLoopBackOff need their logs checked.", upserted[0].Content)

	emb.AssertNumberOfCalls(t, "GenerateEmbedding", 2)
	store.AssertExpectations(t)
	archive.AssertExpectations(t)
}

func TestKnowledgeService_Ingest_EmbeddingFailureWritesNothing(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	svc := newTestService(emb, store)

	emb.On("GenerateEmbedding", mock.Anything, mock.Anything).Return(nil, errors.New("rate limited"))

	out, err := svc.Ingest(context.Background(), IngestInput{URI: "k8s://doc", Content: "one chunk of text"})

	assert.Nil(t, out)
	require.Error(t, err)
	assert.True(t, domain.IsProvider(err))
	assert.Contains(t, err.Error(), "chunk 0")
	store.AssertNotCalled(t, "EnsureCollection", mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything, mock.Anything)
}

func TestKnowledgeService_Ingest_InconsistentDimensions(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	svc := newTestService(emb, store)

	content := "First paragraph about nodes.\n\nSecond paragraph about pods."
	emb.On("GenerateEmbedding", mock.Anything, "First paragraph about nodes.").Return([]float32{1, 0}, nil)
	emb.On("GenerateEmbedding", mock.Anything, "Second paragraph about pods.").Return([]float32{1, 0, 0}, nil)

	_, err := svc.Ingest(context.Background(), IngestInput{URI: "k8s://doc", Content: content})

	require.Error(t, err)
	assert.True(t, domain.IsProvider(err))
	store.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything, mock.Anything)
}

func TestKnowledgeService_Ingest_StoreFailure(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	svc := newTestService(emb, store)

	emb.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{1, 0}, nil)
	store.On("EnsureCollection", mock.Anything, DefaultCollection, 2).Return(nil)
	store.On("Upsert", mock.Anything, DefaultCollection, mock.Anything).Return(errors.New("connection refused"))

	out, err := svc.Ingest(context.Background(), IngestInput{URI: "k8s://doc", Content: "text"})

	assert.Nil(t, out)
	assert.True(t, domain.IsProvider(err))
}

func TestKnowledgeService_Ingest_DimensionMismatchIsNotProviderError(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	svc := newTestService(emb, store)

	emb.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{1, 0}, nil)
	store.On("EnsureCollection", mock.Anything, DefaultCollection, 2).Return(domain.ErrDimensionMismatch)

	_, err := svc.Ingest(context.Background(), IngestInput{URI: "k8s://doc", Content: "text"})

	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.False(t, domain.IsProvider(err))
}

func TestKnowledgeService_Ingest_ArchiveFailureIsNotFatal(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	archive := new(MockDocumentArchive)
	svc := newTestService(emb, store, WithArchive(archive))

	emb.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{1, 0}, nil)
	store.On("EnsureCollection", mock.Anything, DefaultCollection, 2).Return(nil)
	store.On("Upsert", mock.Anything, DefaultCollection, mock.Anything).Return(nil)
	archive.On("PutDocument", mock.Anything, "k8s://doc", "text").Return(errors.New("bucket gone"))

	out, err := svc.Ingest(context.Background(), IngestInput{URI: "k8s://doc", Content: "text"})

	require.NoError(t, err)
	assert.True(t, out.Success)
	archive.AssertExpectations(t)
}

func TestKnowledgeService_Ingest_ReplaceRemovesStaleChunks(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	svc := newTestService(emb, store)

	uri := "k8s://doc"
	stale := []string{domain.ChunkID(uri, 1), domain.ChunkID(uri, 2)}

	emb.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{1, 0}, nil)
	store.On("EnsureCollection", mock.Anything, DefaultCollection, 2).Return(nil)
	store.On("Upsert", mock.Anything, DefaultCollection, mock.Anything).Return(nil)
	store.On("QueryIDsByFilter", mock.Anything, DefaultCollection, domain.ChunkFilter{URI: uri}).
		Return(append([]string{domain.ChunkID(uri, 0)}, stale...), nil)
	store.On("DeletePoints", mock.Anything, DefaultCollection, stale).Return(nil)

	out, err := svc.Ingest(context.Background(), IngestInput{URI: uri, Content: "short", Replace: true})

	require.NoError(t, err)
	assert.Equal(t, 1, out.ChunksCreated)
	assert.Equal(t, 2, out.ChunksReplaced)
	store.AssertExpectations(t)
}

func TestKnowledgeService_Ingest_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	emb := embedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return []float32{1, 0}, nil
	})
	store := new(MockVectorStore)
	store.On("EnsureCollection", mock.Anything, DefaultCollection, 2).Return(nil)
	store.On("Upsert", mock.Anything, DefaultCollection, mock.Anything).Return(nil)

	cfg := DefaultKnowledgeConfig()
	cfg.Chunk = ChunkConfig{Size: 20, Overlap: 0}
	cfg.EmbeddingConcurrency = 2
	svc := NewKnowledgeService(emb, store, cfg)

	out, err := svc.Ingest(context.Background(), IngestInput{
		URI:     "k8s://doc",
		Content: sentenceDocument(400),
	})

	require.NoError(t, err)
	assert.Greater(t, out.ChunksCreated, 2)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestKnowledgeService_Ingest_EmbeddingTimeout(t *testing.T) {
	emb := embedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	store := new(MockVectorStore)

	cfg := DefaultKnowledgeConfig()
	cfg.EmbeddingTimeout = 10 * time.Millisecond
	svc := NewKnowledgeService(emb, store, cfg)

	_, err := svc.Ingest(context.Background(), IngestInput{URI: "k8s://doc", Content: "text"})

	require.Error(t, err)
	assert.True(t, domain.IsProvider(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type embedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedderFunc) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

func TestKnowledgeService_Search_Validation(t *testing.T) {
	badThreshold := float32(1.5)
	tests := []struct {
		name  string
		input SearchInput
	}{
		{"missing query", SearchInput{Query: "  "}},
		{"negative limit", SearchInput{Query: "q", Limit: -1}},
		{"threshold out of range", SearchInput{Query: "q", ScoreThreshold: &badThreshold}},
		{"keyword match type", SearchInput{Query: "q", MatchType: domain.MatchTypeKeyword}},
		{"hybrid match type", SearchInput{Query: "q", MatchType: domain.MatchTypeHybrid}},
		{"unknown match type", SearchInput{Query: "q", MatchType: "fuzzy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb := new(MockEmbeddingClient)
			store := new(MockVectorStore)
			svc := newTestService(emb, store)

			out, err := svc.Search(context.Background(), tt.input)

			assert.Nil(t, out)
			assert.True(t, domain.IsValidation(err), "got %v", err)
			emb.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
		})
	}
}

func TestKnowledgeService_Search_Defaults(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	svc := newTestService(emb, store)

	vec := []float32{0.5, 0.5}
	emb.On("GenerateEmbedding", mock.Anything, "pending pods").Return(vec, nil)
	store.On("Query", mock.Anything, DefaultCollection, vec, domain.ChunkFilter{}, DefaultSearchLimit, DefaultScoreThreshold).
		Return([]domain.ScoredChunk{}, nil)

	out, err := svc.Search(context.Background(), SearchInput{Query: " pending pods ", MatchType: domain.MatchTypeSemantic})

	require.NoError(t, err)
	assert.Empty(t, out.Chunks)
	assert.Equal(t, 0, out.TotalMatches)
	store.AssertExpectations(t)
}

func TestKnowledgeService_Search_LimitIsCapped(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	svc := newTestService(emb, store)

	emb.On("GenerateEmbedding", mock.Anything, "q").Return([]float32{1}, nil)
	store.On("Query", mock.Anything, DefaultCollection, []float32{1}, domain.ChunkFilter{}, MaxSearchLimit, DefaultScoreThreshold).
		Return([]domain.ScoredChunk{}, nil)

	_, err := svc.Search(context.Background(), SearchInput{Query: "q", Limit: 5000})

	require.NoError(t, err)
	store.AssertExpectations(t)
}

func scored(id, uri string, idx int, score float32) domain.ScoredChunk {
	return domain.ScoredChunk{
		KnowledgeChunk: domain.KnowledgeChunk{
			ID:          id,
			URI:         uri,
			Content:     "content " + id,
			ChunkIndex:  idx,
			TotalChunks: 3,
			Metadata:    map[string]any{},
		},
		Score: score,
	}
}

func TestKnowledgeService_Search_RanksFiltersAndTruncates(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	svc := newTestService(emb, store)

	threshold := float32(0.4)
	filter := domain.ChunkFilter{URI: "u1"}
	emb.On("GenerateEmbedding", mock.Anything, "q").Return([]float32{1}, nil)
	store.On("Query", mock.Anything, DefaultCollection, []float32{1}, filter, 2, threshold).
		Return([]domain.ScoredChunk{
			scored("low", "u1", 0, 0.2),
			scored("mid", "u1", 1, 0.6),
			scored("other", "u2", 0, 0.99),
			scored("top", "u1", 2, 0.9),
		}, nil)

	out, err := svc.Search(context.Background(), SearchInput{
		Query:          "q",
		Limit:          2,
		ScoreThreshold: &threshold,
		URIFilter:      "u1",
	})

	require.NoError(t, err)
	require.Len(t, out.Chunks, 2)
	assert.Equal(t, "top", out.Chunks[0].ID)
	assert.Equal(t, "mid", out.Chunks[1].ID)
	assert.Equal(t, 2, out.TotalMatches)
	for _, c := range out.Chunks {
		assert.Equal(t, "u1", c.URI)
		assert.GreaterOrEqual(t, c.Score, threshold)
		assert.Equal(t, domain.MatchTypeSemantic, c.MatchType)
		assert.Equal(t, 3, c.TotalChunks)
	}
}

func TestKnowledgeService_Search_MissingCollectionIsEmpty(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	svc := newTestService(emb, store)

	emb.On("GenerateEmbedding", mock.Anything, "q").Return([]float32{1}, nil)
	store.On("Query", mock.Anything, DefaultCollection, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, domain.ErrCollectionNotFound)

	out, err := svc.Search(context.Background(), SearchInput{Query: "q"})

	require.NoError(t, err)
	assert.NotNil(t, out.Chunks)
	assert.Empty(t, out.Chunks)
}

func TestKnowledgeService_Search_ProviderFailures(t *testing.T) {
	t.Run("embedding", func(t *testing.T) {
		emb := new(MockEmbeddingClient)
		store := new(MockVectorStore)
		svc := newTestService(emb, store)
		emb.On("GenerateEmbedding", mock.Anything, "q").Return(nil, errors.New("unreachable"))

		_, err := svc.Search(context.Background(), SearchInput{Query: "q"})

		assert.True(t, domain.IsProvider(err))
		store.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("store", func(t *testing.T) {
		emb := new(MockEmbeddingClient)
		store := new(MockVectorStore)
		svc := newTestService(emb, store)
		emb.On("GenerateEmbedding", mock.Anything, "q").Return([]float32{1}, nil)
		store.On("Query", mock.Anything, DefaultCollection, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("timeout"))

		_, err := svc.Search(context.Background(), SearchInput{Query: "q"})

		assert.True(t, domain.IsProvider(err))
	})
}

func TestKnowledgeService_DeleteByURI(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	archive := new(MockDocumentArchive)
	svc := newTestService(emb, store, WithArchive(archive))

	ids := []string{"a", "b", "c"}
	store.On("QueryIDsByFilter", mock.Anything, DefaultCollection, domain.ChunkFilter{URI: "k8s://doc"}).Return(ids, nil)
	store.On("DeletePoints", mock.Anything, DefaultCollection, ids).Return(nil)
	archive.On("DeleteDocument", mock.Anything, "k8s://doc").Return(nil)

	out, err := svc.DeleteByURI(context.Background(), "k8s://doc")

	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 3, out.ChunksDeleted)
	store.AssertExpectations(t)
	archive.AssertExpectations(t)
}

func TestKnowledgeService_DeleteByURI_MissingCollection(t *testing.T) {
	emb := new(MockEmbeddingClient)
	store := new(MockVectorStore)
	svc := newTestService(emb, store)

	store.On("QueryIDsByFilter", mock.Anything, DefaultCollection, domain.ChunkFilter{URI: "nonexistent"}).
		Return(nil, domain.ErrCollectionNotFound)

	out, err := svc.DeleteByURI(context.Background(), "nonexistent")

	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 0, out.ChunksDeleted)
	store.AssertNotCalled(t, "DeletePoints", mock.Anything, mock.Anything, mock.Anything)
}

func TestKnowledgeService_DeleteByURI_Errors(t *testing.T) {
	t.Run("missing uri", func(t *testing.T) {
		svc := newTestService(new(MockEmbeddingClient), new(MockVectorStore))
		_, err := svc.DeleteByURI(context.Background(), " ")
		assert.ErrorIs(t, err, domain.ErrMissingURI)
	})

	t.Run("store failure", func(t *testing.T) {
		store := new(MockVectorStore)
		svc := newTestService(new(MockEmbeddingClient), store)
		store.On("QueryIDsByFilter", mock.Anything, DefaultCollection, mock.Anything).Return([]string{"a"}, nil)
		store.On("DeletePoints", mock.Anything, DefaultCollection, []string{"a"}).Return(errors.New("down"))

		_, err := svc.DeleteByURI(context.Background(), "k8s://doc")
		assert.True(t, domain.IsProvider(err))
	})
}

func TestKnowledgeConfig_Normalized(t *testing.T) {
	cfg := KnowledgeConfig{DefaultSearchLimit: 1000, DefaultScoreThreshold: 2}.normalized()

	assert.Equal(t, DefaultCollection, cfg.Collection)
	assert.Equal(t, DefaultChunkConfig(), cfg.Chunk)
	assert.Equal(t, MaxSearchLimit, cfg.DefaultSearchLimit)
	assert.Equal(t, DefaultScoreThreshold, cfg.DefaultScoreThreshold)
	assert.Equal(t, DefaultEmbeddingConcurrency, cfg.EmbeddingConcurrency)
	assert.Equal(t, DefaultEmbeddingTimeout, cfg.EmbeddingTimeout)
	assert.Equal(t, DefaultStoreTimeout, cfg.StoreTimeout)
}
