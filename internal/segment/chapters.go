package segment

import (
	"sort"
	"strings"
)

// Boundaries returns chapter headings detected in text, ordered by offset.
func (s *Segmenter) Boundaries(text string) []ChapterBoundary {
	seen := make(map[int]struct{})
	var out []ChapterBoundary
	for _, re := range s.patterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			// Leading whitespace belongs to the previous line, not the heading.
			offset := loc[0] + len(text[loc[0]:loc[1]]) - len(strings.TrimLeft(text[loc[0]:loc[1]], " \t\r\n"))
			if _, ok := seen[offset]; ok {
				continue
			}
			seen[offset] = struct{}{}
			out = append(out, ChapterBoundary{
				Offset: offset,
				Marker: strings.TrimSpace(text[loc[0]:loc[1]]),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// mergeChapters merges a segment with its successor when a chapter heading
// falls in the segment's trailing ChapterTailRatio and the merged segment stays
// under MaxTokens*MergeSlack. Boundaries are re-mapped after every merge.
func (s *Segmenter) mergeChapters(text string, segs []Segment, boundaries []ChapterBoundary) ([]Segment, int) {
	if len(boundaries) == 0 || len(segs) < 2 || s.cfg.ChapterTailRatio == 0 {
		return segs, 0
	}

	limit := float64(s.cfg.MaxTokens) * s.cfg.MergeSlack
	merges := 0
	for {
		merged := false
		for _, b := range boundaries {
			i := interiorIndex(segs, b.Offset)
			if i < 0 || i == len(segs)-1 {
				continue
			}
			cur, next := segs[i], segs[i+1]
			pos := b.Offset - cur.Start
			if float64(pos) < float64(len(cur.Text))*(1-s.cfg.ChapterTailRatio) {
				continue
			}
			tokens := cur.TokenCount + next.TokenCount - next.OverlapTokens
			if float64(tokens) >= limit {
				continue
			}

			segs[i] = Segment{
				Start:         cur.Start,
				End:           next.End,
				Text:          text[cur.Start:next.End],
				TokenCount:    tokens,
				OverlapLen:    cur.OverlapLen,
				OverlapTokens: cur.OverlapTokens,
			}
			segs = append(segs[:i+1], segs[i+2:]...)
			merges++
			merged = true
			break
		}
		if !merged {
			break
		}
	}

	for i := range segs {
		segs[i].Index = i + 1
	}
	return segs, merges
}

// interiorIndex returns the position of the segment whose non-overlapping
// interior contains offset, or -1.
func interiorIndex(segs []Segment, offset int) int {
	i := sort.Search(len(segs), func(i int) bool { return segs[i].End > offset })
	if i == len(segs) {
		return -1
	}
	if offset < segs[i].Start+segs[i].OverlapLen {
		return -1
	}
	return i
}
