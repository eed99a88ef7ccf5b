package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloo-solutions/kubekb/internal/domain"
)

const (
	DefaultChunkSize     = 1000
	DefaultChunkOverlap  = 200
	DefaultMaxInputBytes = 1 << 20
)

// defaultSeparators are tried in order, largest natural boundary first. The
// empty separator means a hard split on rune windows.
var defaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// ChunkConfig controls chunking for knowledge embeddings.
type ChunkConfig struct {
	Size          int
	Overlap       int
	MaxInputBytes int
}

// DefaultChunkConfig provides sane defaults for chunking.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		Size:          DefaultChunkSize,
		Overlap:       DefaultChunkOverlap,
		MaxInputBytes: DefaultMaxInputBytes,
	}
}

func (c ChunkConfig) normalized() ChunkConfig {
	def := DefaultChunkConfig()
	if c.Size <= 0 {
		c.Size = def.Size
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		c.Overlap = c.Size / 5
	}
	if c.MaxInputBytes <= 0 {
		c.MaxInputBytes = def.MaxInputBytes
	}
	return c
}

// Chunker splits document text into overlapping segments no longer than
// Size characters. It is stateless and safe for concurrent use.
type Chunker struct {
	cfg        ChunkConfig
	separators []string
}

// NewChunker returns a Chunker using cfg. Invalid values fall back to defaults.
func NewChunker(cfg ChunkConfig) *Chunker {
	return &Chunker{
		cfg:        cfg.normalized(),
		separators: defaultSeparators,
	}
}

// Config returns the effective configuration.
func (c *Chunker) Config() ChunkConfig {
	return c.cfg
}

// Chunk splits content into ordered chunk texts. Whitespace-only content
// yields no chunks. Content above MaxInputBytes is rejected.
func (c *Chunker) Chunk(content string) ([]string, error) {
	if len(content) > c.cfg.MaxInputBytes {
		return nil, domain.NewDomainErrorWithCause(
			domain.ErrCodeValidation,
			domain.ErrContentTooLarge.Message,
			fmt.Errorf("%d bytes exceeds limit of %d bytes", len(content), c.cfg.MaxInputBytes),
		)
	}
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return c.merge(c.atoms(content, c.separators)), nil
}

// atoms breaks text into pieces of at most Size runes, splitting on the
// coarsest separator present and recursing into pieces that are still too
// long. All atoms go through one merge so overlap also spans the boundary
// between a short paragraph and an oversized one.
func (c *Chunker) atoms(text string, separators []string) []string {
	separator := ""
	var rest []string
	for i, sep := range separators {
		if sep == "" {
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	if separator == "" {
		return c.runeAtoms(text)
	}

	var out []string
	for _, piece := range splitKeepSeparator(text, separator) {
		if runeLen(piece) <= c.cfg.Size {
			out = append(out, piece)
			continue
		}
		out = append(out, c.atoms(piece, rest)...)
	}
	return out
}

// merge packs pieces into chunks of at most Size runes, carrying up to
// Overlap runes of trailing pieces into the next chunk.
func (c *Chunker) merge(pieces []string) []string {
	var chunks []string
	var window []string
	total := 0
	for _, piece := range pieces {
		n := runeLen(piece)
		if total+n > c.cfg.Size && len(window) > 0 {
			chunks = appendChunk(chunks, strings.Join(window, ""))
			for total > c.cfg.Overlap || (total+n > c.cfg.Size && total > 0) {
				total -= runeLen(window[0])
				window = window[1:]
			}
		}
		window = append(window, piece)
		total += n
	}
	return appendChunk(chunks, strings.Join(window, ""))
}

// runeAtoms cuts unbroken text into windows of Overlap runes, so merge can
// carry exactly one window into the next chunk. Without overlap the windows
// are Size runes long.
func (c *Chunker) runeAtoms(text string) []string {
	width := c.cfg.Overlap
	if width <= 0 {
		width = c.cfg.Size
	}
	runes := []rune(text)
	out := make([]string, 0, len(runes)/width+1)
	for start := 0; start < len(runes); start += width {
		end := min(start+width, len(runes))
		out = append(out, string(runes[start:end]))
	}
	return out
}

func appendChunk(chunks []string, text string) []string {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return chunks
	}
	return append(chunks, clean)
}

// splitKeepSeparator splits text after each occurrence of sep, so the
// separator stays attached to the preceding piece.
func splitKeepSeparator(text, sep string) []string {
	parts := strings.SplitAfter(text, sep)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
