package segment

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding used to measure segment budgets.
const DefaultEncoding = "cl100k_base"

// HeuristicEncoding selects HeuristicCounter without loading any tables.
const HeuristicEncoding = "heuristic"

// TokenCounter measures text in tokens.
//
// Counts must be additive over the sentence units the segmenter produces;
// segment token counts are the sum of their unit counts.
type TokenCounter interface {
	Count(text string) int
}

// CounterFunc adapts a function to TokenCounter.
type CounterFunc func(text string) int

// Count implements TokenCounter.
func (f CounterFunc) Count(text string) int { return f(text) }

// TiktokenCounter counts tokens with a tiktoken BPE encoding.
type TiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding. The encoding tables are fetched
// and cached by tiktoken-go on first use.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter approximates tokens as one per four characters.
type HeuristicCounter struct{}

// Count implements TokenCounter.
func (HeuristicCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// NewCounter returns a tiktoken counter for encoding, or the heuristic counter
// together with the load error when the encoding is unavailable.
func NewCounter(encoding string) (TokenCounter, error) {
	if encoding == HeuristicEncoding {
		return HeuristicCounter{}, nil
	}
	tc, err := NewTiktokenCounter(encoding)
	if err != nil {
		return HeuristicCounter{}, err
	}
	return tc, nil
}
