package segment

import (
	"fmt"
	"unicode/utf8"
)

// DefaultWindowChars is the finishing-pass window size in characters.
const DefaultWindowChars = 20000

// Windows splits text into contiguous, non-overlapping windows of at most size
// characters. Windows are cut on rune boundaries. Token counts are measured
// with counter when it is non-nil.
func Windows(text string, size int, counter TokenCounter) ([]Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: window size must be positive, got %d", ErrInvalidBudget, size)
	}

	var out []Segment
	start := 0
	for start < len(text) {
		end := start
		for n := 0; n < size && end < len(text); n++ {
			_, w := utf8.DecodeRuneInString(text[end:])
			end += w
		}
		seg := Segment{
			Index: len(out) + 1,
			Text:  text[start:end],
			Start: start,
			End:   end,
		}
		if counter != nil {
			seg.TokenCount = counter.Count(seg.Text)
		}
		out = append(out, seg)
		start = end
	}
	return out, nil
}
