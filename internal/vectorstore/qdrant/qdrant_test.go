package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQdrant records requests and serves canned responses per route.
type fakeQdrant struct {
	mu       sync.Mutex
	requests []recordedRequest
	handlers map[string]http.HandlerFunc
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	APIKey string
	Body   map[string]any
}

func newFakeQdrant(t *testing.T) (*fakeQdrant, *Store) {
	t.Helper()
	f := &fakeQdrant{handlers: make(map[string]http.HandlerFunc)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			APIKey: r.Header.Get("api-key"),
			Body:   body,
		})
		h, ok := f.handlers[r.Method+" "+r.URL.Path]
		f.mu.Unlock()

		if !ok {
			http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, NewStore(Config{URL: srv.URL + "/", APIKey: "secret"})
}

func (f *fakeQdrant) on(route string, status int, result any) {
	f.handle(route, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok"})
	})
}

func (f *fakeQdrant) handle(route string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[route] = h
}

func (f *fakeQdrant) handler(route string) http.HandlerFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[route]
}

func (f *fakeQdrant) find(method, path string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func TestStore_EnsureCollection_CreatesWhenMissing(t *testing.T) {
	f, s := newFakeQdrant(t)
	f.on("PUT /collections/kb", http.StatusOK, true)
	f.on("PUT /collections/kb/index", http.StatusOK, map[string]any{"status": "completed"})

	err := s.EnsureCollection(context.Background(), "kb", 384)
	require.NoError(t, err)

	creates := f.find(http.MethodPut, "/collections/kb")
	require.Len(t, creates, 1)
	vectors := creates[0].Body["vectors"].(map[string]any)
	assert.Equal(t, float64(384), vectors["size"])
	assert.Equal(t, "Cosine", vectors["distance"])
	assert.Equal(t, "secret", creates[0].APIKey)

	index := f.find(http.MethodPut, "/collections/kb/index")
	require.Len(t, index, 1)
	assert.Equal(t, "uri", index[0].Body["field_name"])
	assert.Equal(t, "keyword", index[0].Body["field_schema"])
}

func TestStore_EnsureCollection_ExistingCollection(t *testing.T) {
	f, s := newFakeQdrant(t)
	f.on("GET /collections/kb", http.StatusOK, map[string]any{
		"config": map[string]any{"params": map[string]any{"vectors": map[string]any{"size": 3, "distance": "Cosine"}}},
	})

	require.NoError(t, s.EnsureCollection(context.Background(), "kb", 3))
	assert.Empty(t, f.find(http.MethodPut, "/collections/kb"))

	err := s.EnsureCollection(context.Background(), "kb", 4)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

// racedCollection serves a collection that another writer creates with
// size dimensions as soon as the first PUT arrives. Every later PUT gets 409.
func racedCollection(f *fakeQdrant, size int) *atomic.Int32 {
	var created atomic.Bool
	conflicts := new(atomic.Int32)

	f.handle("GET /collections/kb", func(w http.ResponseWriter, _ *http.Request) {
		if !created.Load() {
			http.Error(w, `{"status":{"error":"Not found: Collection kb doesn't exist!"}}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"config": map[string]any{"params": map[string]any{"vectors": map[string]any{"size": size, "distance": "Cosine"}}},
			},
			"status": "ok",
		})
	})
	f.handle("PUT /collections/kb", func(w http.ResponseWriter, _ *http.Request) {
		if created.CompareAndSwap(false, true) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"result": true, "status": "ok"})
			return
		}
		conflicts.Add(1)
		http.Error(w, `{"status":{"error":"Wrong input: Collection kb already exists!"}}`, http.StatusConflict)
	})
	f.on("PUT /collections/kb/index", http.StatusOK, map[string]any{"status": "completed"})
	f.on("PUT /collections/kb/points", http.StatusOK, map[string]any{"status": "completed"})
	return conflicts
}

func TestStore_EnsureCollection_ConflictIsTolerated(t *testing.T) {
	f, s := newFakeQdrant(t)
	f.handle("GET /collections/kb", notFoundOnce(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"config": map[string]any{"params": map[string]any{"vectors": map[string]any{"size": 3, "distance": "Cosine"}}},
			},
		})
	}))
	f.on("PUT /collections/kb", http.StatusConflict, nil)
	f.on("PUT /collections/kb/index", http.StatusOK, nil)

	assert.NoError(t, s.EnsureCollection(context.Background(), "kb", 3))
	assert.Len(t, f.find(http.MethodGet, "/collections/kb"), 2)
}

func TestStore_EnsureCollection_ConcurrentCreators(t *testing.T) {
	f, s := newFakeQdrant(t)
	conflicts := racedCollection(f, 3)
	ctx := context.Background()

	const writers = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := s.EnsureCollection(ctx, "kb", 3); err != nil {
				errs[i] = err
				return
			}
			errs[i] = s.Upsert(ctx, "kb", []domain.KnowledgeChunk{{
				ID:        domain.ChunkID("doc", i),
				URI:       "doc",
				Embedding: []float32{1, 0, 0},
			}})
		}()
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}
	creates := f.find(http.MethodPut, "/collections/kb")
	assert.Equal(t, int32(len(creates)-1), conflicts.Load())
	assert.Len(t, f.find(http.MethodPut, "/collections/kb/points"), writers)
}

func TestStore_EnsureCollection_ConflictWithOtherSize(t *testing.T) {
	f, s := newFakeQdrant(t)
	racedCollection(f, 3)
	ctx := context.Background()

	// The first call creates the collection, the second loses the race.
	require.NoError(t, s.EnsureCollection(ctx, "kb", 3))

	f.handle("GET /collections/kb", notFoundOnce(f.handler("GET /collections/kb")))
	err := s.EnsureCollection(ctx, "kb", 4)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.Len(t, f.find(http.MethodPut, "/collections/kb"), 2)
}

// notFoundOnce answers the first request with 404, then delegates to next.
func notFoundOnce(next http.HandlerFunc) http.HandlerFunc {
	var served atomic.Bool
	return func(w http.ResponseWriter, r *http.Request) {
		if served.CompareAndSwap(false, true) {
			http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
			return
		}
		next(w, r)
	}
}

func TestStore_Upsert(t *testing.T) {
	f, s := newFakeQdrant(t)
	f.on("PUT /collections/kb/points", http.StatusOK, map[string]any{"status": "completed"})

	err := s.Upsert(context.Background(), "kb", []domain.KnowledgeChunk{{
		ID:          "0b7c8f2e-1111-5222-8333-444455556666",
		Content:     "restart the kubelet",
		URI:         "k8s://runbooks/node",
		ChunkIndex:  0,
		TotalChunks: 1,
		Metadata:    map[string]any{"severity": "high"},
		Embedding:   []float32{0.1, 0.2},
	}})
	require.NoError(t, err)

	reqs := f.find(http.MethodPut, "/collections/kb/points")
	require.Len(t, reqs, 1)
	assert.Equal(t, "wait=true", reqs[0].Query)
	points := reqs[0].Body["points"].([]any)
	require.Len(t, points, 1)
	p := points[0].(map[string]any)
	assert.Equal(t, "0b7c8f2e-1111-5222-8333-444455556666", p["id"])
	payload := p["payload"].(map[string]any)
	assert.Equal(t, "k8s://runbooks/node", payload["uri"])
	assert.Equal(t, float64(1), payload["totalChunks"])
	assert.NotContains(t, payload, "embedding")
}

func TestStore_Query(t *testing.T) {
	f, s := newFakeQdrant(t)
	f.on("POST /collections/kb/points/search", http.StatusOK, []map[string]any{
		{
			"id":    "id-1",
			"score": 0.91,
			"payload": map[string]any{
				"content":     "evicted pods",
				"uri":         "k8s://runbooks/eviction",
				"chunkIndex":  2,
				"totalChunks": 4,
				"metadata":    map[string]any{"team": "platform"},
			},
		},
	})

	hits, err := s.Query(context.Background(), "kb", []float32{1, 0}, domain.ChunkFilter{URI: "k8s://runbooks/eviction"}, 5, 0.3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "id-1", hits[0].ID)
	assert.InDelta(t, 0.91, hits[0].Score, 1e-6)
	assert.Equal(t, 2, hits[0].ChunkIndex)
	assert.Equal(t, "platform", hits[0].Metadata["team"])

	req := f.find(http.MethodPost, "/collections/kb/points/search")[0]
	assert.Equal(t, float64(5), req.Body["limit"])
	assert.InDelta(t, 0.3, req.Body["score_threshold"], 1e-6)
	assert.Equal(t, true, req.Body["with_payload"])
	must := req.Body["filter"].(map[string]any)["must"].([]any)
	cond := must[0].(map[string]any)
	assert.Equal(t, "uri", cond["key"])
	assert.Equal(t, "k8s://runbooks/eviction", cond["match"].(map[string]any)["value"])
}

func TestStore_Query_NoFilter(t *testing.T) {
	f, s := newFakeQdrant(t)
	f.on("POST /collections/kb/points/search", http.StatusOK, []any{})

	hits, err := s.Query(context.Background(), "kb", []float32{1}, domain.ChunkFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	req := f.find(http.MethodPost, "/collections/kb/points/search")[0]
	assert.NotContains(t, req.Body, "filter")
}

func TestStore_MissingCollection(t *testing.T) {
	_, s := newFakeQdrant(t)
	ctx := context.Background()

	_, err := s.Query(ctx, "kb", []float32{1}, domain.ChunkFilter{}, 10, 0)
	assert.ErrorIs(t, err, domain.ErrCollectionNotFound)

	_, err = s.QueryIDsByFilter(ctx, "kb", domain.ChunkFilter{URI: "u"})
	assert.ErrorIs(t, err, domain.ErrCollectionNotFound)

	err = s.DeletePoints(ctx, "kb", []string{"a"})
	assert.ErrorIs(t, err, domain.ErrCollectionNotFound)
}

func TestStore_QueryIDsByFilter_Pages(t *testing.T) {
	f, s := newFakeQdrant(t)
	calls := 0
	f.handlers["POST /collections/kb/points/scroll"] = func(w http.ResponseWriter, r *http.Request) {
		calls++
		var result map[string]any
		if calls == 1 {
			result = map[string]any{
				"points":           []map[string]any{{"id": "a"}, {"id": "b"}},
				"next_page_offset": "c",
			}
		} else {
			result = map[string]any{
				"points":           []map[string]any{{"id": "c"}, {"id": 42}},
				"next_page_offset": nil,
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	}

	ids, err := s.QueryIDsByFilter(context.Background(), "kb", domain.ChunkFilter{URI: "doc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "42"}, ids)

	reqs := f.find(http.MethodPost, "/collections/kb/points/scroll")
	require.Len(t, reqs, 2)
	assert.NotContains(t, reqs[0].Body, "offset")
	assert.Equal(t, "c", reqs[1].Body["offset"])
	assert.Equal(t, false, reqs[0].Body["with_payload"])
}

func TestStore_DeletePoints(t *testing.T) {
	f, s := newFakeQdrant(t)
	f.on("POST /collections/kb/points/delete", http.StatusOK, map[string]any{"status": "completed"})

	require.NoError(t, s.DeletePoints(context.Background(), "kb", []string{"a", "b"}))
	require.NoError(t, s.DeletePoints(context.Background(), "kb", nil))

	reqs := f.find(http.MethodPost, "/collections/kb/points/delete")
	require.Len(t, reqs, 1)
	assert.Equal(t, []any{"a", "b"}, reqs[0].Body["points"])
}

func TestStore_ServerErrorIsReported(t *testing.T) {
	f, s := newFakeQdrant(t)
	f.handlers["POST /collections/kb/points/search"] = func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}

	_, err := s.Query(context.Background(), "kb", []float32{1}, domain.ChunkFilter{}, 10, 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrCollectionNotFound)
	assert.True(t, strings.Contains(err.Error(), "500"))
}
