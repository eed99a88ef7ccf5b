package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cloo-solutions/kubekb/internal/api"
	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/cloo-solutions/kubekb/internal/service"
)

const (
	OperationIngest      = "ingest"
	OperationSearch      = "search"
	OperationDeleteByURI = "deleteByUri"
)

type KnowledgeService interface {
	Ingest(ctx context.Context, input service.IngestInput) (*service.IngestOutput, error)
	Search(ctx context.Context, input service.SearchInput) (*service.SearchOutput, error)
	DeleteByURI(ctx context.Context, uri string) (*service.DeleteOutput, error)
}

type KnowledgeHandler struct {
	svc KnowledgeService
}

func NewKnowledgeHandler(svc KnowledgeService) *KnowledgeHandler {
	return &KnowledgeHandler{svc: svc}
}

// KnowledgeRequest is the operation-discriminated body of POST /v1/knowledge.
type KnowledgeRequest struct {
	Operation string `json:"operation"`

	URI      string         `json:"uri,omitempty"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Replace  bool           `json:"replace,omitempty"`

	Query          string   `json:"query,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	ScoreThreshold *float32 `json:"scoreThreshold,omitempty"`
	URIFilter      string   `json:"uriFilter,omitempty"`
	MatchType      string   `json:"matchType,omitempty"`
}

type IngestResponse struct {
	Success        bool     `json:"success"`
	ChunksCreated  int      `json:"chunksCreated"`
	ChunkIDs       []string `json:"chunkIds"`
	URI            string   `json:"uri"`
	Message        string   `json:"message"`
	ChunksReplaced int      `json:"chunksReplaced,omitempty"`
}

type SearchChunkResponse struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Score       float32        `json:"score"`
	URI         string         `json:"uri"`
	ChunkIndex  int            `json:"chunkIndex"`
	TotalChunks int            `json:"totalChunks"`
	Metadata    map[string]any `json:"metadata"`
	MatchType   string         `json:"matchType"`
}

type SearchResponse struct {
	Chunks       []SearchChunkResponse `json:"chunks"`
	TotalMatches int                   `json:"totalMatches"`
}

type DeleteResponse struct {
	Success       bool   `json:"success"`
	ChunksDeleted int    `json:"chunksDeleted"`
	URI           string `json:"uri"`
}

// Handle serves POST /v1/knowledge.
func (h *KnowledgeHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req KnowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Error(w, http.StatusRequestEntityTooLarge, domain.ErrCodeValidation, "request body too large")
			return
		}
		api.ValidationError(w, "invalid request body")
		return
	}

	switch req.Operation {
	case OperationIngest:
		h.ingest(w, r, req)
	case OperationSearch:
		h.search(w, r, req)
	case OperationDeleteByURI:
		h.deleteByURI(w, r, req)
	default:
		api.HandleError(w, domain.NewDomainErrorWithCause(domain.ErrCodeValidation,
			domain.ErrUnknownOperation.Message, fmt.Errorf("operation %q", req.Operation)))
	}
}

func (h *KnowledgeHandler) ingest(w http.ResponseWriter, r *http.Request, req KnowledgeRequest) {
	out, err := h.svc.Ingest(r.Context(), service.IngestInput{
		URI:      req.URI,
		Content:  req.Content,
		Metadata: req.Metadata,
		Replace:  req.Replace,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	ids := out.ChunkIDs
	if ids == nil {
		ids = []string{}
	}
	api.Success(w, http.StatusOK, IngestResponse{
		Success:        out.Success,
		ChunksCreated:  out.ChunksCreated,
		ChunkIDs:       ids,
		URI:            out.URI,
		Message:        out.Message,
		ChunksReplaced: out.ChunksReplaced,
	})
}

func (h *KnowledgeHandler) search(w http.ResponseWriter, r *http.Request, req KnowledgeRequest) {
	out, err := h.svc.Search(r.Context(), service.SearchInput{
		Query:          req.Query,
		Limit:          req.Limit,
		ScoreThreshold: req.ScoreThreshold,
		URIFilter:      req.URIFilter,
		MatchType:      domain.MatchType(req.MatchType),
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	chunks := make([]SearchChunkResponse, len(out.Chunks))
	for i, c := range out.Chunks {
		metadata := c.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		chunks[i] = SearchChunkResponse{
			ID:          c.ID,
			Content:     c.Content,
			Score:       c.Score,
			URI:         c.URI,
			ChunkIndex:  c.ChunkIndex,
			TotalChunks: c.TotalChunks,
			Metadata:    metadata,
			MatchType:   string(c.MatchType),
		}
	}

	api.Success(w, http.StatusOK, SearchResponse{
		Chunks:       chunks,
		TotalMatches: out.TotalMatches,
	})
}

func (h *KnowledgeHandler) deleteByURI(w http.ResponseWriter, r *http.Request, req KnowledgeRequest) {
	out, err := h.svc.DeleteByURI(r.Context(), req.URI)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, DeleteResponse{
		Success:       out.Success,
		ChunksDeleted: out.ChunksDeleted,
		URI:           out.URI,
	})
}
