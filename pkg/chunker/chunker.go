package chunker

import (
	"strings"
)

type Config struct {
	MaxChunkSize int // maximum segment length in runes
	Overlap      int // trailing runes of segment i repeated at the start of segment i+1
}

// Segment is one ordered slice of the input text. Index is 0-based and
// contiguous across the output.
type Segment struct {
	Content string
	Index   int
}

// Chunker splits extracted document text into ordered, overlapping
// segments. It is a pure function of (text, config): identical input
// always produces identical output.
type Chunker struct {
	config Config
}

func NewWithConfig(config Config) Chunker {
	if config.MaxChunkSize <= 0 {
		config.MaxChunkSize = 1000
	}
	if config.Overlap < 0 {
		config.Overlap = 0
	}
	if config.Overlap >= config.MaxChunkSize {
		config.Overlap = config.MaxChunkSize / 4
	}

	return Chunker{
		config: config,
	}
}

// Split cuts text into segments of at most MaxChunkSize runes, preferring
// paragraph and then sentence boundaries over hard cuts. Empty input
// yields no segments; input shorter than one chunk yields exactly one.
func (c *Chunker) Split(text string) []Segment {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	var segments []Segment

	start := 0
	index := 0
	for start < len(runes) {
		end := start + c.config.MaxChunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = c.breakPoint(runes, start, end)
		}

		content := strings.TrimSpace(string(runes[start:end]))
		if content != "" {
			segments = append(segments, Segment{
				Content: content,
				Index:   index,
			})
			index++
		}

		if end == len(runes) {
			break
		}

		next := end - c.config.Overlap
		if next <= start {
			next = end
		}
		start = next
	}

	return segments
}

// breakPoint picks where to cut the segment starting at start whose hard
// limit is hardEnd. It scans backwards for a paragraph break, then a
// sentence end, but never gives up more than half the window; otherwise
// it cuts at the limit.
func (c *Chunker) breakPoint(runes []rune, start, hardEnd int) int {
	min := start + c.config.MaxChunkSize/2

	for i := hardEnd - 1; i > min; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}

	for i := hardEnd - 1; i > min; i-- {
		if isSpace(runes[i]) && isSentenceEnd(runes[i-1]) {
			return i + 1
		}
	}

	return hardEnd
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t'
}
