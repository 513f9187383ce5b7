// Package segment splits manuscripts into token-budgeted, overlapping segments.
//
// Sentences are atomic: a segment never splits one. Consecutive segments share
// a carried suffix of sentences bounded by the overlap budget, and a second
// pass merges segments whose chapter heading falls near the end of a segment.
package segment

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/storybook/internal/manuscript"
)

// ErrInvalidBudget is returned when the token budget is inconsistent.
var ErrInvalidBudget = manuscript.ErrInvalidBudget

// Default budget values.
const (
	DefaultMaxTokens        = 8000
	DefaultOverlapTokens    = 500
	DefaultChapterTailRatio = 0.3
	DefaultMergeSlack       = 1.3
)

// DefaultChapterPatterns match chapter headings at the start of a line.
var DefaultChapterPatterns = []string{
	`(?im)^chapter\s+\d+`,
	`(?im)^chapter\s+[IVXLCDM]+\b`,
	`(?m)^\d+\.\s+`,
	`(?m)^\s*CHAPTER\s+(?:\d+|[IVXLCDM]+)\b`,
}

// Config holds segmentation parameters.
type Config struct {
	MaxTokens     int `json:"max_tokens" koanf:"max_tokens"`
	OverlapTokens int `json:"overlap_tokens" koanf:"overlap_tokens"`

	// ChapterTailRatio is the trailing fraction of a segment in which a chapter
	// heading triggers a merge with the following segment.
	ChapterTailRatio float64 `json:"chapter_tail_ratio" koanf:"chapter_tail_ratio"`
	// MergeSlack bounds merged segments to MaxTokens*MergeSlack.
	MergeSlack float64 `json:"merge_slack" koanf:"merge_slack"`

	ChapterPatterns []string `json:"chapter_patterns" koanf:"chapter_patterns"`
}

// DefaultConfig returns the default segmentation configuration.
func DefaultConfig() Config {
	return Config{
		MaxTokens:        DefaultMaxTokens,
		OverlapTokens:    DefaultOverlapTokens,
		ChapterTailRatio: DefaultChapterTailRatio,
		MergeSlack:       DefaultMergeSlack,
		ChapterPatterns:  DefaultChapterPatterns,
	}
}

// Validate checks the budget for consistency.
func (c Config) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max tokens must be positive, got %d", ErrInvalidBudget, c.MaxTokens)
	}
	if c.OverlapTokens <= 0 {
		return fmt.Errorf("%w: overlap tokens must be positive, got %d", ErrInvalidBudget, c.OverlapTokens)
	}
	if c.OverlapTokens >= c.MaxTokens {
		return fmt.Errorf("%w: overlap tokens %d must be less than max tokens %d", ErrInvalidBudget, c.OverlapTokens, c.MaxTokens)
	}
	if c.ChapterTailRatio < 0 || c.ChapterTailRatio > 1 {
		return fmt.Errorf("%w: chapter tail ratio must be within [0, 1], got %g", ErrInvalidBudget, c.ChapterTailRatio)
	}
	if c.MergeSlack < 1 {
		return fmt.Errorf("%w: merge slack must be at least 1, got %g", ErrInvalidBudget, c.MergeSlack)
	}
	return nil
}

// Segment is a contiguous slice of the source text.
type Segment struct {
	// Index is 1-based and contiguous.
	Index      int    `json:"index"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`

	// Start and End are byte offsets of Text in the source.
	Start int `json:"start"`
	End   int `json:"end"`

	// OverlapLen is the byte length of the prefix carried from the previous segment.
	OverlapLen    int `json:"overlap_len"`
	OverlapTokens int `json:"overlap_tokens"`
}

// Overlap returns the prefix shared with the previous segment.
func (s Segment) Overlap() string {
	return s.Text[:s.OverlapLen]
}

// Interior returns the text not shared with the previous segment. Interiors of
// consecutive segments concatenate to the source.
func (s Segment) Interior() string {
	return s.Text[s.OverlapLen:]
}

// ChapterBoundary is a detected chapter heading.
type ChapterBoundary struct {
	Offset int
	Marker string
}

// Result is the output of a segmentation run.
type Result struct {
	Segments []Segment
	// OversizedUnits counts sentences that alone exceed MaxTokens.
	OversizedUnits int
	// Merges counts chapter-aware merges applied.
	Merges     int
	Boundaries []ChapterBoundary
}

// Segmenter splits text into segments. It is safe for concurrent use when its
// TokenCounter is.
type Segmenter struct {
	cfg      Config
	counter  TokenCounter
	patterns []*regexp.Regexp
}

// New creates a Segmenter. Returns ErrInvalidBudget for an inconsistent budget.
func New(cfg Config, counter TokenCounter) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		counter = HeuristicCounter{}
	}
	if cfg.ChapterPatterns == nil {
		cfg.ChapterPatterns = DefaultChapterPatterns
	}
	patterns := make([]*regexp.Regexp, 0, len(cfg.ChapterPatterns))
	for _, p := range cfg.ChapterPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid chapter pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &Segmenter{cfg: cfg, counter: counter, patterns: patterns}, nil
}

// Config returns the segmenter configuration.
func (s *Segmenter) Config() Config {
	return s.cfg
}

// Segment splits text. Output is a pure function of text and configuration.
func (s *Segmenter) Segment(text string) (*Result, error) {
	res := &Result{}
	if strings.TrimSpace(text) == "" {
		return res, nil
	}

	units, err := splitUnits(text)
	if err != nil {
		return nil, err
	}
	for i := range units {
		units[i].tokens = s.counter.Count(text[units[i].start:units[i].end])
	}

	segs, oversized := s.pack(text, units)
	res.OversizedUnits = oversized
	res.Boundaries = s.Boundaries(text)
	res.Segments, res.Merges = s.mergeChapters(text, segs, res.Boundaries)
	return res, nil
}

// pack greedily fills segments up to MaxTokens, carrying a backward overlap.
func (s *Segmenter) pack(text string, units []unit) ([]Segment, int) {
	var (
		segs      []Segment
		oversized int
		cur       []unit // current segment units
		carried   int    // leading units of cur carried from the previous segment
		curTokens int
	)

	emit := func() {
		seg := Segment{
			Index: len(segs) + 1,
			Start: cur[0].start,
			End:   cur[len(cur)-1].end,
		}
		for i, u := range cur {
			seg.TokenCount += u.tokens
			if i < carried {
				seg.OverlapLen = u.end - seg.Start
				seg.OverlapTokens += u.tokens
			}
		}
		seg.Text = text[seg.Start:seg.End]
		segs = append(segs, seg)
	}

	for _, u := range units {
		if u.tokens > s.cfg.MaxTokens {
			oversized++
		}

		if len(cur) > carried && curTokens+u.tokens > s.cfg.MaxTokens {
			emit()
			cur, curTokens = s.carry(cur)
			carried = len(cur)
		}

		// Drop carried context that leaves no room for the next unit.
		for carried > 0 && curTokens+u.tokens > s.cfg.MaxTokens {
			curTokens -= cur[0].tokens
			cur = cur[1:]
			carried--
		}

		cur = append(cur, u)
		curTokens += u.tokens
	}
	if len(cur) > carried {
		emit()
	}
	return segs, oversized
}

// carry returns the longest suffix of units whose total fits the overlap
// budget, stopping at the first unit that does not fit. At least one unit is
// left uncarried.
func (s *Segmenter) carry(units []unit) ([]unit, int) {
	total := 0
	i := len(units)
	for i > 1 {
		t := units[i-1].tokens
		if total+t > s.cfg.OverlapTokens {
			break
		}
		total += t
		i--
	}
	out := make([]unit, len(units)-i)
	copy(out, units[i:])
	return out, total
}
