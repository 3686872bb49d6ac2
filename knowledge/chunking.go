package knowledge

import (
	"iter"
	"os"
	"strconv"
	"strings"
	"unicode"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
)

// Segment is one chunk of cleaned text. Start and End are rune offsets of the
// window in the whitespace-normalised input; Text is the trimmed window.
type Segment struct {
	Index int
	Text  string
	Start int
	End   int
}

// Chunker cuts text into overlapping windows, preferring to end a window on a
// sentence terminator in its second half.
type Chunker struct {
	size    int
	overlap int
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 10
	}
	return &Chunker{size: size, overlap: overlap}
}

// NewChunkerFromEnv reads CHUNK_SIZE and CHUNK_OVERLAP.
func NewChunkerFromEnv() *Chunker {
	size := DefaultChunkSize
	if raw := strings.TrimSpace(os.Getenv("CHUNK_SIZE")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			size = parsed
		}
	}
	overlap := DefaultChunkOverlap
	if raw := strings.TrimSpace(os.Getenv("CHUNK_OVERLAP")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			overlap = parsed
		}
	}
	return NewChunker(size, overlap)
}

// Split collects Segments into a slice.
func (c *Chunker) Split(text string) []Segment {
	var out []Segment
	for segment := range c.Segments(text) {
		out = append(out, segment)
	}
	return out
}

// Segments yields chunks lazily. Each call restarts from the beginning.
func (c *Chunker) Segments(text string) iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		runes := []rune(NormalizeWhitespace(text))
		total := len(runes)
		index := 0
		start := 0
		for start < total {
			end := start + c.size
			if end > total {
				end = total
			}
			if end < total {
				if breakPoint := findSentenceEnd(runes, start+c.size/2, end); breakPoint > 0 {
					end = breakPoint
				}
			}

			if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
				if !yield(Segment{Index: index, Text: chunk, Start: start, End: end}) {
					return
				}
				index++
			}
			if end >= total {
				return
			}

			next := end - c.overlap
			if next <= start {
				next = end
			}
			start = next
		}
	}
}

// findSentenceEnd scans backwards from end-1 to searchStart for a terminator
// and returns the position after it, or 0 when the cut would not land past
// searchStart.
func findSentenceEnd(runes []rune, searchStart, end int) int {
	for i := end - 1; i >= searchStart; i-- {
		switch runes[i] {
		case '。', '？', '！':
		case '.':
			if i+1 >= len(runes) || runes[i+1] != ' ' {
				continue
			}
		default:
			continue
		}
		if i+1 > searchStart {
			return i + 1
		}
		return 0
	}
	return 0
}

// NormalizeWhitespace collapses every whitespace run into one space and trims
// the result.
func NormalizeWhitespace(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}
