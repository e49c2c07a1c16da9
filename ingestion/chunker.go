package ingestion

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fabfab/campusqa/store"
)

const (
	defaultChunkSize    = 2000
	defaultChunkOverlap = 200

	// wordLookBack bounds how far an overlap start moves back to reach a word start.
	wordLookBack = 32
)

// Chunker splits document text into overlapping chunks of at most MaxChars bytes.
// Breaks prefer paragraph, then sentence, then word boundaries; a hard split happens
// only when the window holds none of them.
type Chunker struct {
	MaxChars int
	Overlap  int
}

func NewChunker(maxChars, overlap int) Chunker {
	if maxChars < 2*utf8.UTFMax {
		maxChars = defaultChunkSize
	}
	if overlap < 0 || maxChars-overlap < utf8.UTFMax {
		overlap = min(defaultChunkOverlap, maxChars/2)
	}
	return Chunker{MaxChars: maxChars, Overlap: overlap}
}

// Chunk returns the ordered chunks of doc. Offsets index into doc.Text after
// newline normalization.
func (c Chunker) Chunk(doc Document) ([]store.Chunk, error) {
	// Every window must advance by at least one whole rune past the overlap.
	if c.MaxChars <= 0 || c.Overlap < 0 || c.MaxChars-c.Overlap < utf8.UTFMax {
		return nil, fmt.Errorf("invalid chunker configuration: max %d overlap %d", c.MaxChars, c.Overlap)
	}

	text := normalizeNewlines(doc.Text)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %s: empty text", ErrMalformedDocument, doc.ID)
	}

	var chunks []store.Chunk
	start := skipSpace(text, 0)
	prevEnd := 0
	for start < len(text) {
		end := c.breakPoint(text, start, prevEnd)

		trimmed := end
		for trimmed > start && isSpace(text[trimmed-1]) {
			trimmed--
		}
		if trimmed > prevEnd {
			chunks = append(chunks, store.Chunk{
				ChunkID:    store.ChunkID(doc.ID, len(chunks)),
				DocumentID: doc.ID,
				Course:     doc.Course,
				Semester:   doc.Semester,
				Subject:    doc.Subject,
				SourcePath: doc.SourcePath,
				Page:       doc.PageAt(start),
				Text:       text[start:trimmed],
				Start:      start,
				End:        trimmed,
			})
		}

		if end >= len(text) || strings.TrimSpace(text[end:]) == "" {
			break
		}
		if trimmed <= prevEnd {
			// The window past the previous chunk held only whitespace.
			start = skipSpace(text, end)
			continue
		}
		start = c.nextStart(text, start, trimmed, end)
		prevEnd = trimmed
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s: no chunkable text", ErrMalformedDocument, doc.ID)
	}
	return chunks, nil
}

// breakPoint returns the exclusive end of the chunk starting at start. A natural
// break must leave more than Overlap bytes of text before it and reach past
// prevEnd, the end of the previous chunk.
func (c Chunker) breakPoint(text string, start, prevEnd int) int {
	limit := start + c.MaxChars
	if limit >= len(text) {
		return len(text)
	}

	window := text[start:limit]
	floor := max(c.Overlap+1, prevEnd-start+1)

	if idx := strings.LastIndex(window, "\n\n"); idx >= floor && trimEnd(window, idx) >= floor {
		return start + idx
	}
	if idx := lastSentenceEnd(window); idx >= floor {
		return start + idx
	}
	if idx := lastWordEnd(window); idx >= floor {
		return start + idx
	}
	// MaxChars-Overlap >= UTFMax keeps the cut past start.
	return runeStart(text, limit)
}

// nextStart places the next window so that it shares at least Overlap bytes with
// the chunk [start, end). A chunk holding no more than Overlap bytes of text (a
// hard cut inside a long whitespace run) cannot be overlapped and still advance, so
// the next window starts after its raw end instead.
func (c Chunker) nextStart(text string, start, end, rawEnd int) int {
	next := end - c.Overlap
	if c.Overlap == 0 || next <= start {
		return skipSpace(text, max(rawEnd, end))
	}

	if isSpace(text[next-1]) {
		return next
	}
	for i := next - 1; i > start && i >= next-wordLookBack; i-- {
		if isSpace(text[i-1]) {
			return i
		}
	}
	if cut := runeStart(text, next); cut > start {
		return cut
	}
	return runeEnd(text, next)
}

// runeStart moves i back to the first byte of the rune containing it.
func runeStart(text string, i int) int {
	for i > 0 && i < len(text) && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

// runeEnd moves i forward to the first byte of the next rune.
func runeEnd(text string, i int) int {
	for i < len(text) && !utf8.RuneStart(text[i]) {
		i++
	}
	return i
}

// trimEnd returns idx moved back over the whitespace that precedes it.
func trimEnd(window string, idx int) int {
	for idx > 0 && isSpace(window[idx-1]) {
		idx--
	}
	return idx
}

// lastWordEnd returns the index of the last whitespace byte that directly follows
// non-space text, or -1.
func lastWordEnd(window string) int {
	for i := len(window) - 1; i > 0; i-- {
		if isSpace(window[i]) && !isSpace(window[i-1]) {
			return i
		}
	}
	return -1
}

// lastSentenceEnd returns the index just past the last '.', '!' or '?' that is
// followed by whitespace, or -1.
func lastSentenceEnd(window string) int {
	for i := len(window) - 2; i >= 0; i-- {
		switch window[i] {
		case '.', '!', '?':
			if isSpace(window[i+1]) {
				return i + 1
			}
		}
	}
	return -1
}

func skipSpace(text string, i int) int {
	for i < len(text) && isSpace(text[i]) {
		i++
	}
	return i
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r' || b == '\f' || b == '\v'
}
