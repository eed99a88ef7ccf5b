package domain

import "time"

// MatchType identifies the ranking path that produced a search hit.
type MatchType string

const (
	MatchTypeSemantic MatchType = "semantic"
	MatchTypeKeyword  MatchType = "keyword"
	MatchTypeHybrid   MatchType = "hybrid"
)

// KnowledgeChunk is the unit of storage and retrieval. The set of chunks
// sharing a URI is the only representation of a document.
type KnowledgeChunk struct {
	ID          string
	Content     string
	URI         string
	Checksum    string
	ChunkIndex  int
	TotalChunks int
	IngestedAt  time.Time
	Metadata    map[string]any
	// Embedding is stored as the point vector, never in the payload.
	Embedding []float32
}

// ScoredChunk is a chunk returned from a similarity query.
type ScoredChunk struct {
	KnowledgeChunk
	Score float32
}

// ChunkFilter restricts vector store queries. Empty fields match everything.
type ChunkFilter struct {
	URI string
}

// IsEmpty reports whether the filter matches every point.
func (f ChunkFilter) IsEmpty() bool {
	return f.URI == ""
}

// Matches reports whether the chunk satisfies the filter.
func (f ChunkFilter) Matches(c *KnowledgeChunk) bool {
	if c == nil {
		return false
	}
	if f.URI != "" && c.URI != f.URI {
		return false
	}
	return true
}

// IsValidMatchType reports whether t names a known ranking path.
func IsValidMatchType(t MatchType) bool {
	switch t {
	case MatchTypeSemantic, MatchTypeKeyword, MatchTypeHybrid:
		return true
	}
	return false
}
