// Package vectorstore holds helpers shared by the vector store backends.
package vectorstore

import (
	"fmt"
	"maps"
	"math"
	"sort"
	"time"

	"github.com/cloo-solutions/kubekb/internal/domain"
)

// Payload is the stored form of a chunk without its vector.
type Payload struct {
	Content     string         `json:"content"`
	URI         string         `json:"uri"`
	ChunkIndex  int            `json:"chunkIndex"`
	TotalChunks int            `json:"totalChunks"`
	Checksum    string         `json:"checksum"`
	IngestedAt  time.Time      `json:"ingestedAt"`
	Metadata    map[string]any `json:"metadata"`
}

// PayloadOf extracts the payload of c.
func PayloadOf(c *domain.KnowledgeChunk) Payload {
	return Payload{
		Content:     c.Content,
		URI:         c.URI,
		ChunkIndex:  c.ChunkIndex,
		TotalChunks: c.TotalChunks,
		Checksum:    c.Checksum,
		IngestedAt:  c.IngestedAt,
		Metadata:    c.Metadata,
	}
}

// Chunk rebuilds a chunk from its id and payload. The embedding is left nil.
func (p Payload) Chunk(id string) domain.KnowledgeChunk {
	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return domain.KnowledgeChunk{
		ID:          id,
		Content:     p.Content,
		URI:         p.URI,
		Checksum:    p.Checksum,
		ChunkIndex:  p.ChunkIndex,
		TotalChunks: p.TotalChunks,
		IngestedAt:  p.IngestedAt,
		Metadata:    meta,
	}
}

// Clone copies c so later mutations of the caller's slices and maps do not
// leak into a store.
func Clone(c domain.KnowledgeChunk) domain.KnowledgeChunk {
	c.Metadata = maps.Clone(c.Metadata)
	c.Embedding = append([]float32(nil), c.Embedding...)
	return c
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// CheckDimensions returns domain.ErrDimensionMismatch when any chunk's
// embedding is not size long.
func CheckDimensions(chunks []domain.KnowledgeChunk, size int) error {
	for i := range chunks {
		if n := len(chunks[i].Embedding); n != size {
			return fmt.Errorf("%w: chunk %s has %d dimensions, collection has %d",
				domain.ErrDimensionMismatch, chunks[i].ID, n, size)
		}
	}
	return nil
}

// TopK sorts hits by descending score and keeps at most limit of them.
// A limit of zero or less keeps everything.
func TopK(hits []domain.ScoredChunk, limit int) []domain.ScoredChunk {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
