package segment

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// unit is an atomic span of the source. Units are contiguous and cover the
// source exactly; each owns the whitespace that follows it.
type unit struct {
	start  int
	end    int
	tokens int
}

// abbreviations are words whose trailing period does not end a sentence even
// when the Punkt model has not seen them.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "st": {}, "jr": {}, "sr": {},
	"prof": {}, "vs": {}, "etc": {}, "e.g": {}, "i.e": {}, "mt": {}, "no": {},
}

var (
	punktOnce sync.Once
	punktErr  error
	punktMu   sync.Mutex
	punkt     *sentences.DefaultSentenceTokenizer
)

func sentenceTokenizer() (*sentences.DefaultSentenceTokenizer, error) {
	punktOnce.Do(func() {
		punkt, punktErr = english.NewSentenceTokenizer(nil)
		if punktErr != nil {
			punktErr = fmt.Errorf("failed to load sentence model: %w", punktErr)
		}
	})
	return punkt, punktErr
}

// splitUnits returns the sentence spans of text using the English Punkt model.
// Only sentence-ending punctuation ends a unit, so text without any is a
// single unit. Whitespace between sentences is attached to the preceding one.
func splitUnits(text string) ([]unit, error) {
	tok, err := sentenceTokenizer()
	if err != nil {
		return nil, err
	}
	punktMu.Lock()
	found := tok.Tokenize(text)
	punktMu.Unlock()

	var units []unit
	start := 0
	for _, s := range found {
		end := s.End
		if end <= start || end > len(text) {
			continue
		}
		end = skipSpace(text, end)
		if strings.TrimSpace(text[start:end]) == "" {
			// Whitespace-only span, fold it into the previous unit.
			if len(units) > 0 {
				units[len(units)-1].end = end
				start = end
			}
			continue
		}
		if isAbbreviation(strings.TrimRightFunc(text[start:end], unicode.IsSpace)) && end < len(text) {
			continue
		}
		units = append(units, unit{start: start, end: end})
		start = end
	}
	if start < len(text) {
		if len(units) > 0 && strings.TrimSpace(text[start:]) == "" {
			units[len(units)-1].end = len(text)
		} else {
			units = append(units, unit{start: start, end: len(text)})
		}
	}
	return units, nil
}

func skipSpace(text string, i int) int {
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += size
	}
	return i
}

// isAbbreviation reports whether sentence ends with a known abbreviation or a
// single-letter initial followed by a period.
func isAbbreviation(sentence string) bool {
	if !strings.HasSuffix(sentence, ".") {
		return false
	}
	sentence = strings.TrimSuffix(sentence, ".")
	idx := strings.LastIndexFunc(sentence, unicode.IsSpace)
	word := sentence[idx+1:]
	word = strings.TrimLeft(word, "\"'(“‘")
	if word == "" {
		return false
	}
	if utf8.RuneCountInString(word) == 1 {
		r, _ := utf8.DecodeRuneInString(word)
		return unicode.IsUpper(r)
	}
	_, ok := abbreviations[strings.ToLower(word)]
	return ok
}
