// Package embedding provides an offline embedding client.
package embedding

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// DefaultDimensions is the vector size of the hashing embedder.
const DefaultDimensions = 384

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:[-_.'][\p{L}\p{N}]+)*`)

// HashingEmbedder maps text to a fixed-size vector with the hashing trick:
// every token and token bigram is hashed into a bucket with a signed
// weight, then the vector is L2-normalised. It needs no corpus or network,
// so equal texts always get equal vectors and texts sharing terms score
// higher under cosine similarity.
type HashingEmbedder struct {
	dimensions int
	stopwords  map[string]struct{}
}

// NewHashingEmbedder returns an embedder producing vectors of the given
// size, or DefaultDimensions when dimensions is not positive.
func NewHashingEmbedder(dimensions int) *HashingEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &HashingEmbedder{
		dimensions: dimensions,
		stopwords:  defaultStopwords(),
	}
}

func (e *HashingEmbedder) Dimensions() int { return e.dimensions }

// GenerateEmbedding implements service.EmbeddingClient.
func (e *HashingEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text cannot be empty")
	}

	vec := make([]float64, e.dimensions)
	tokens := e.tokenize(text)
	for i, tok := range tokens {
		e.add(vec, tok, 1.0)
		if i > 0 {
			e.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, e.dimensions)
	if norm == 0 {
		// Text made only of stopwords or punctuation still needs a usable,
		// non-zero vector.
		out[0] = 1
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (e *HashingEmbedder) add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dimensions))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func (e *HashingEmbedder) tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, isStop := e.stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "into", "about", "so", "than", "too", "very", "can", "will", "just", "should", "now", "how", "what", "do", "does", "i", "my", "we",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
