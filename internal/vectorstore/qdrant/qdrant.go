// Package qdrant is a REST client for the Qdrant vector database.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/cloo-solutions/kubekb/internal/vectorstore"
)

const (
	distanceCosine = "Cosine"
	scrollPageSize = 256
)

// errNotFound marks a 404 from Qdrant. Callers map it to
// domain.ErrCollectionNotFound where a missing collection is meaningful.
var errNotFound = errors.New("qdrant: not found")

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Store talks to a Qdrant server over its REST API using cosine distance.
type Store struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewStore(cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Store{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type collectionInfo struct {
	Config struct {
		Params struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		} `json:"params"`
	} `json:"config"`
}

type point struct {
	ID      string              `json:"id"`
	Vector  []float32           `json:"vector"`
	Payload vectorstore.Payload `json:"payload"`
}

type scoredPoint struct {
	ID      any                 `json:"id"`
	Score   float32             `json:"score"`
	Payload vectorstore.Payload `json:"payload"`
}

type filter struct {
	Must []fieldCondition `json:"must,omitempty"`
}

type fieldCondition struct {
	Key   string     `json:"key"`
	Match matchValue `json:"match"`
}

type matchValue struct {
	Value string `json:"value"`
}

func toFilter(f domain.ChunkFilter) *filter {
	if f.IsEmpty() {
		return nil
	}
	return &filter{Must: []fieldCondition{{Key: "uri", Match: matchValue{Value: f.URI}}}}
}

func collectionPath(name string, parts ...string) string {
	return "/collections/" + url.PathEscape(name) + strings.Join(parts, "")
}

// EnsureCollection creates the collection and its uri payload index when
// missing. A concurrent creator winning the race is not an error.
func (s *Store) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	if vectorSize <= 0 {
		return fmt.Errorf("invalid vector size %d", vectorSize)
	}

	err := s.checkCollection(ctx, name, vectorSize)
	if !errors.Is(err, errNotFound) {
		return err
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": distanceCosine,
		},
	}
	if err := s.do(ctx, http.MethodPut, collectionPath(name), body, nil); err != nil {
		var se *statusError
		if !errors.As(err, &se) || se.status != http.StatusConflict {
			return err
		}
		// Another writer created it first.
		if err := s.checkCollection(ctx, name, vectorSize); err != nil {
			return err
		}
	}

	index := map[string]any{
		"field_name":   "uri",
		"field_schema": "keyword",
	}
	return s.do(ctx, http.MethodPut, collectionPath(name, "/index?wait=true"), index, nil)
}

// checkCollection returns errNotFound when the collection does not exist
// and ErrDimensionMismatch when it was created with another vector size.
func (s *Store) checkCollection(ctx context.Context, name string, vectorSize int) error {
	var info collectionInfo
	if err := s.do(ctx, http.MethodGet, collectionPath(name), nil, &info); err != nil {
		return err
	}
	if size := info.Config.Params.Vectors.Size; size != vectorSize {
		return fmt.Errorf("%w: collection %s has %d dimensions, got %d",
			domain.ErrDimensionMismatch, name, size, vectorSize)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, name string, chunks []domain.KnowledgeChunk) error {
	points := make([]point, len(chunks))
	for i := range chunks {
		points[i] = point{
			ID:      chunks[i].ID,
			Vector:  chunks[i].Embedding,
			Payload: vectorstore.PayloadOf(&chunks[i]),
		}
	}
	err := s.do(ctx, http.MethodPut, collectionPath(name, "/points?wait=true"), map[string]any{"points": points}, nil)
	return notFoundAsMissingCollection(err)
}

func (s *Store) Query(ctx context.Context, name string, vector []float32, f domain.ChunkFilter, limit int, scoreThreshold float32) ([]domain.ScoredChunk, error) {
	req := map[string]any{
		"vector":          vector,
		"limit":           limit,
		"score_threshold": scoreThreshold,
		"with_payload":    true,
	}
	if qf := toFilter(f); qf != nil {
		req["filter"] = qf
	}

	var result []scoredPoint
	if err := s.do(ctx, http.MethodPost, collectionPath(name, "/points/search"), req, &result); err != nil {
		return nil, notFoundAsMissingCollection(err)
	}

	hits := make([]domain.ScoredChunk, 0, len(result))
	for _, r := range result {
		hits = append(hits, domain.ScoredChunk{
			KnowledgeChunk: r.Payload.Chunk(pointID(r.ID)),
			Score:          r.Score,
		})
	}
	return hits, nil
}

// QueryIDsByFilter scrolls through every matching point without payloads.
func (s *Store) QueryIDsByFilter(ctx context.Context, name string, f domain.ChunkFilter) ([]string, error) {
	ids := make([]string, 0)
	var offset any
	for {
		req := map[string]any{
			"limit":        scrollPageSize,
			"with_payload": false,
			"with_vector":  false,
		}
		if qf := toFilter(f); qf != nil {
			req["filter"] = qf
		}
		if offset != nil {
			req["offset"] = offset
		}

		var page struct {
			Points []struct {
				ID any `json:"id"`
			} `json:"points"`
			NextPageOffset any `json:"next_page_offset"`
		}
		if err := s.do(ctx, http.MethodPost, collectionPath(name, "/points/scroll"), req, &page); err != nil {
			return nil, notFoundAsMissingCollection(err)
		}
		for _, p := range page.Points {
			ids = append(ids, pointID(p.ID))
		}
		if page.NextPageOffset == nil || len(page.Points) == 0 {
			return ids, nil
		}
		offset = page.NextPageOffset
	}
}

func (s *Store) DeletePoints(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.do(ctx, http.MethodPost, collectionPath(name, "/points/delete?wait=true"), map[string]any{"points": ids}, nil)
	return notFoundAsMissingCollection(err)
}

// pointID renders a Qdrant point id. Ids are UUID strings on write, but the
// API may return integers for points written by other clients.
func pointID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}

func notFoundAsMissingCollection(err error) error {
	if errors.Is(err, errNotFound) {
		return fmt.Errorf("%w: %v", domain.ErrCollectionNotFound, err)
	}
	return err
}

type statusError struct {
	method string
	path   string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed: %d %s", e.method, e.path, e.status, e.body)
}

func (e *statusError) Is(target error) bool {
	return target == errNotFound && e.status == http.StatusNotFound
}

// do sends a JSON request and decodes the "result" field of the response
// into out when out is non-nil.
func (s *Store) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{
			method: method,
			path:   path,
			status: resp.StatusCode,
			body:   strings.TrimSpace(string(msg)),
		}
	}
	if out == nil {
		return nil
	}

	envelope := struct {
		Result json.RawMessage `json:"result"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(envelope.Result) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}
