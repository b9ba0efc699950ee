// Package chunk implements the character-based sliding-window chunker:
// a sentence/newline/space-aware break-point search with overlap, plus a
// tiktoken token-count annotation carried purely as metadata.
package chunk

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultSize is the default maximum chunk length in characters.
	DefaultSize = 1600
	// DefaultOverlap is the default trailing-context carry in characters.
	DefaultOverlap = 320

	tokenEncodingName = "cl100k_base"
)

// Chunk is one emitted window of text.
type Chunk struct {
	Content    string
	TokenCount int
}

// Splitter holds the tiktoken encoding used to annotate chunks with a
// token-count estimate. The character-based split algorithm never reads
// TokenCount — it is enrichment metadata surfaced to callers and logs.
type Splitter struct {
	size     int
	overlap  int
	encoding *tiktoken.Tiktoken
}

// New returns a Splitter with the given window size and overlap. A
// non-positive size or a negative overlap is replaced by the package
// default; an overlap of 0 is kept. The tiktoken
// cl100k_base encoding is loaded eagerly so a bad install fails fast at
// construction instead of silently on every chunk.
func New(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	encoding, err := tiktoken.GetEncoding(tokenEncodingName)
	if err != nil {
		return nil, err
	}
	return &Splitter{size: size, overlap: overlap, encoding: encoding}, nil
}

// Split breaks text into non-empty, trimmed chunks of at most s.size
// characters, carrying roughly s.overlap characters of trailing context
// into the next chunk. Break-point search, in order: the last ". " at or
// before the window end and at least halfway into the window; else the
// last newline meeting the same halfway minimum; else the last space;
// else a hard cut at the window end.
func (s *Splitter) Split(text string) []Chunk {
	var chunks []Chunk

	start := 0
	for start < len(text) {
		remaining := text[start:]
		if len(remaining) <= s.size {
			s.emit(&chunks, remaining)
			break
		}

		windowEnd := start + s.size
		halfway := start + s.size/2
		breakPoint := findBreakPoint(text, start, windowEnd, halfway)

		s.emit(&chunks, text[start:breakPoint])

		next := (breakPoint + 1) - s.overlap
		if next <= start {
			next = breakPoint
		}
		if next < 0 {
			next = 0
		}
		start = next
	}

	return chunks
}

func (s *Splitter) emit(chunks *[]Chunk, raw string) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return
	}
	*chunks = append(*chunks, Chunk{
		Content:    content,
		TokenCount: len(s.encoding.Encode(content, nil, nil)),
	})
}

// findBreakPoint returns the index (exclusive end of the chunk) at which
// to cut the window [start, windowEnd) within text, per the ordered
// break-point search described on Split.
func findBreakPoint(text string, start, windowEnd, halfway int) int {
	if windowEnd > len(text) {
		windowEnd = len(text)
	}
	window := text[start:windowEnd]

	if idx := strings.LastIndex(window, ". "); idx >= 0 {
		abs := start + idx + 2
		if abs >= halfway {
			return abs
		}
	}
	if idx := strings.LastIndex(window, "\n"); idx >= 0 {
		abs := start + idx + 1
		if abs >= halfway {
			return abs
		}
	}
	if idx := strings.LastIndex(window, " "); idx >= 0 {
		abs := start + idx + 1
		return abs
	}
	return windowEnd
}
