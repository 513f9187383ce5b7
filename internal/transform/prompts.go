package transform

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/storybook/internal/pipeline"
	"github.com/fyrsmithlabs/storybook/internal/segment"
)

const (
	tagContext  = "context"
	tagPassage  = "passage"
	tagRevision = "revision"
	tagSummary  = "summary"
)

const improveSystem = `You are a developmental editor revising the novel %s.

Editorial focus: %s

You receive one passage of the manuscript at a time (passage %d of %d).
Text inside <context> tags immediately precedes the passage and has already been revised. Use it only for continuity and never repeat it.
Revise only the text inside <passage> tags.

Requirements:
- Preserve plot events, character names, point of view and tense
- Keep chapter headings exactly as written
- Keep roughly the same length unless the focus calls for cuts
- Do not summarize, annotate or explain your changes

Return the revised passage inside <revision></revision> tags and nothing else.`

const finalizeSystem = `You are the final line editor of the novel %s.

You receive one section of the finished manuscript at a time (section %d of %d).
Polish it for consistency of voice, names and timeline, and fix any remaining errors in grammar and punctuation. Do not restructure scenes.

Return the polished section inside <revision></revision> tags, followed by an executive summary of the section of no more than 200 words inside <summary></summary> tags.`

const assessSystem = `You are a literary agent assessing a manuscript sample for the novel %s.

Respond with a single JSON object and nothing else, using these keys:
- "initial_impression": string, two or three sentences
- "recommendations": array of strings, the most important improvement first
- "scores": object mapping "plot", "characters", "dialogue", "pacing" and "prose" to integers from 1 to 10
- "potential": string, one sentence on market potential`

func quoteTitle(title string) string {
	if title = strings.TrimSpace(title); title == "" {
		return "(untitled)"
	}
	return fmt.Sprintf("%q", title)
}

func improvePrompt(seg segment.Segment, brief pipeline.Brief) (system, user string) {
	system = fmt.Sprintf(improveSystem, quoteTitle(brief.Title), brief.Focus, seg.Index, brief.Total)

	var b strings.Builder
	if overlap := strings.TrimSpace(seg.Overlap()); overlap != "" {
		writeTag(&b, tagContext, overlap)
		b.WriteString("\n")
	}
	writeTag(&b, tagPassage, strings.TrimSpace(seg.Interior()))
	return system, b.String()
}

func finalizePrompt(seg segment.Segment, brief pipeline.Brief) (system, user string) {
	system = fmt.Sprintf(finalizeSystem, quoteTitle(brief.Title), seg.Index, brief.Total)
	return system, strings.TrimSpace(seg.Text)
}

func assessPrompt(title, sample string) (system, user string) {
	return fmt.Sprintf(assessSystem, quoteTitle(title)), strings.TrimSpace(sample)
}

func writeTag(b *strings.Builder, tag, body string) {
	fmt.Fprintf(b, "<%s>\n%s\n</%s>\n", tag, body, tag)
}

// extractTag returns the trimmed body of the first <tag>...</tag> in s. A
// missing closing tag takes the rest of s, which covers truncated replies.
func extractTag(s, tag string) (string, bool) {
	open, closing := "<"+tag+">", "</"+tag+">"
	start := strings.Index(s, open)
	if start < 0 {
		return "", false
	}
	body := s[start+len(open):]
	if end := strings.Index(body, closing); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body), true
}

// extractJSONObject returns the outermost {...} span of s.
func extractJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}
