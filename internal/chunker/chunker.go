// Package chunker splits raw book text into overlapping segments sized for
// embedding. Chunk boundaries are a pure function of (text, chunkSize,
// overlap) so re-ingesting the same text always reproduces byte-identical
// chunks, which keeps re-embedding idempotent and makes no-op re-ingestion
// detectable by comparing hashes.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/bookcompanion/bookcompanion/internal/ragerr"
)

// pageChars approximates how many characters a printed page holds, used only
// for the optional page hint on citations.
const pageChars = 1800

// Chunk is a bounded contiguous span of a book's text, the unit of embedding
// and retrieval. Start and End are rune offsets into the source text.
type Chunk struct {
	BookID  string
	OwnerID string
	Index   int
	Text    string
	Start   int
	End     int
	Page    int
	Hash    string
}

// Split cuts text into chunks of chunkSize runes with the given overlap.
// Chunk i starts at i*(chunkSize-overlap); the last chunk is clamped at the
// text end and may be shorter. Empty text yields zero chunks. Text no longer
// than chunkSize yields exactly one chunk spanning the whole text.
func Split(text string, chunkSize, overlap int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d must be positive", ragerr.ErrInvalidParameter, chunkSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: overlap %d must not be negative", ragerr.ErrInvalidParameter, overlap)
	}
	if overlap >= chunkSize {
		return nil, fmt.Errorf("%w: overlap %d must be smaller than chunk size %d", ragerr.ErrInvalidParameter, overlap, chunkSize)
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	// Text that fits in a single chunk is returned whole, never sliced
	// into an overlapping tail.
	if len(runes) <= chunkSize {
		return []Chunk{{
			Index: 0,
			Text:  text,
			Start: 0,
			End:   len(runes),
			Page:  1,
			Hash:  hashText(text),
		}}, nil
	}

	stride := chunkSize - overlap
	chunks := make([]Chunk, 0, Count(len(runes), chunkSize, overlap))
	for i := 0; i*stride < len(runes); i++ {
		start := i * stride
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		body := string(runes[start:end])
		chunks = append(chunks, Chunk{
			Index: i,
			Text:  body,
			Start: start,
			End:   end,
			Page:  start/pageChars + 1,
			Hash:  hashText(body),
		})
	}
	return chunks, nil
}

// Count returns how many chunks Split produces for a text of textLen runes,
// without materializing them. Parameters Split would reject yield 0.
func Count(textLen, chunkSize, overlap int) int {
	if textLen <= 0 || chunkSize <= 0 || overlap >= chunkSize {
		return 0
	}
	if textLen <= chunkSize {
		return 1
	}
	stride := chunkSize - overlap
	return (textLen + stride - 1) / stride
}

// Stamp sets the owner and book on every chunk in place.
func Stamp(chunks []Chunk, ownerID, bookID string) {
	for i := range chunks {
		chunks[i].OwnerID = ownerID
		chunks[i].BookID = bookID
	}
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
