// Package chunker splits extracted document text into overlapping,
// fixed-size character windows. Offsets are counted in runes so a chunk
// never splits a multi-byte character.
package chunker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfiguration is returned when chunk size and overlap would
// make the window stop advancing or skip text.
var ErrInvalidConfiguration = errors.New("chunker: invalid configuration")

// Chunk is a contiguous window of a document's text.
type Chunk struct {
	// Text is the window content.
	Text string

	// Start is the rune offset of the window in the source text.
	Start int
}

// Validate reports whether (size, overlap) describes a window that advances.
// It requires size > overlap >= 0.
func Validate(size, overlap int) error {
	if overlap < 0 {
		return fmt.Errorf("%w: overlap %d must not be negative", ErrInvalidConfiguration, overlap)
	}
	if size <= overlap {
		return fmt.Errorf("%w: chunk size %d must be greater than overlap %d", ErrInvalidConfiguration, size, overlap)
	}
	return nil
}

// Split returns the windows [i, i+size) of text, advancing i by
// size-overlap. The last window ends at the end of text and may be shorter
// than size. Empty text yields no chunks.
func Split(text string, size, overlap int) ([]Chunk, error) {
	if err := Validate(size, overlap); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	runes := []rune(text)
	n := len(runes)
	step := size - overlap

	chunks := make([]Chunk, 0, n/step+1)
	for start := 0; start < n; start += step {
		end := min(start+size, n)
		chunks = append(chunks, Chunk{Text: string(runes[start:end]), Start: start})
		if end == n {
			break
		}
	}
	return chunks, nil
}

// Texts returns the text of each chunk, in order.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

// Reassemble rebuilds the source text from chunks produced by Split with
// the given overlap.
func Reassemble(chunks []Chunk, overlap int) string {
	var b strings.Builder
	for i, c := range chunks {
		if i == 0 {
			b.WriteString(c.Text)
			continue
		}
		r := []rune(c.Text)
		if overlap < len(r) {
			b.WriteString(string(r[overlap:]))
		}
	}
	return b.String()
}
