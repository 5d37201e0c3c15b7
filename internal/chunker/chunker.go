// Package chunker splits conversation text into overlapping windows for
// embedding.
package chunker

import "strings"

// Version tags every chunk produced by this algorithm. Re-ingestion compares
// this tag to decide whether stored chunks are current.
const Version = "v2"

// Method names the algorithm in stored payloads.
const Method = "token_aware"

// One token approximates four characters, so the 400-token window and
// 75-token overlap become character budgets.
const (
	DefaultWindow  = 1600
	DefaultOverlap = 300
)

// separators are tried in order when looking for a natural chunk boundary.
// Sentence ends beat paragraph breaks beat any whitespace.
var separators = []string{". ", ".\n", "! ", "? ", "\n\n", "\n", " "}

// Chunker produces deterministic overlapping chunks of text.
type Chunker struct {
	window  int
	overlap int
}

// New returns a chunker with the default window and overlap.
func New() *Chunker {
	return &Chunker{window: DefaultWindow, overlap: DefaultOverlap}
}

// NewWithSize returns a chunker with explicit character budgets. Intended for
// tests; production uses New.
func NewWithSize(window, overlap int) *Chunker {
	if window <= 0 {
		window = DefaultWindow
	}
	if overlap < 0 || overlap >= window {
		overlap = window / 5
	}
	return &Chunker{window: window, overlap: overlap}
}

// Split returns the ordered chunk sequence for text. Chunks are trimmed and
// non-empty; the same input always yields the same sequence.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= c.window {
		return []string{strings.TrimSpace(text)}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + c.window
		if end >= len(text) {
			end = len(text)
		} else {
			// Break at the latest separator past the window midpoint so
			// chunks never degenerate into slivers.
			if cut := c.findBreak(text, start, end); cut > 0 {
				end = cut
			}
		}

		if chunk := strings.TrimSpace(text[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}

		if end >= len(text) {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// findBreak searches [start, end) backward for the latest occurrence of each
// separator in preference order. The first separator found strictly past the
// window midpoint wins; the chunk ends just past it. Returns 0 when no
// separator qualifies.
func (c *Chunker) findBreak(text string, start, end int) int {
	mid := start + c.window/2
	window := text[start:end]
	for _, sep := range separators {
		idx := strings.LastIndex(window, sep)
		if idx < 0 {
			continue
		}
		pos := start + idx
		if pos > mid {
			return pos + len(sep)
		}
	}
	return 0
}
