package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storybook/internal/logging"
	"github.com/fyrsmithlabs/storybook/internal/manuscript"
	"github.com/fyrsmithlabs/storybook/internal/pipeline"
	"github.com/fyrsmithlabs/storybook/internal/segment"
)

// Editor revises segments and assesses samples through a Completer.
type Editor struct {
	completer Completer
	logger    *zap.Logger
}

// EditorOption configures an Editor.
type EditorOption func(*Editor)

// WithEditorLogger sets the logger.
func WithEditorLogger(l *zap.Logger) EditorOption {
	return func(e *Editor) {
		e.logger = l
	}
}

// NewEditor creates an Editor.
func NewEditor(c Completer, opts ...EditorOption) *Editor {
	e := &Editor{completer: c, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply implements pipeline.Transform. Improvement revises the segment
// interior and reads the overlap as context only. Finalization polishes the
// whole window and returns its executive summary.
func (e *Editor) Apply(ctx context.Context, seg segment.Segment, brief pipeline.Brief) (pipeline.Revision, error) {
	var system, user string
	switch brief.Stage {
	case manuscript.StageImprovement:
		system, user = improvePrompt(seg, brief)
	case manuscript.StageFinalization:
		system, user = finalizePrompt(seg, brief)
	default:
		return pipeline.Revision{}, fmt.Errorf("%w: unknown stage %q", manuscript.ErrTransformRejected, brief.Stage)
	}

	out, err := e.completer.Complete(ctx, system, user)
	if err != nil {
		return pipeline.Revision{}, classify(ctx, err)
	}

	text, ok := extractTag(out, tagRevision)
	if !ok {
		e.logger.Debug("model reply has no revision tag, using whole reply",
			append(logging.ContextFields(ctx), zap.String("stage", string(brief.Stage)))...)
		text = strings.TrimSpace(out)
	}
	if text == "" {
		return pipeline.Revision{}, fmt.Errorf("%w: empty revision", manuscript.ErrTransformRejected)
	}

	rev := pipeline.Revision{Text: text}
	if brief.Stage == manuscript.StageFinalization {
		summary, _ := extractTag(out, tagSummary)
		if summary == "" {
			return pipeline.Revision{}, fmt.Errorf("%w: finishing reply has no summary", manuscript.ErrTransformRejected)
		}
		rev.Summary = summary
	}
	return rev, nil
}

// Assess asks the model for a structured assessment of sample.
func (e *Editor) Assess(ctx context.Context, title, sample string) (*manuscript.Assessment, error) {
	if strings.TrimSpace(sample) == "" {
		return nil, fmt.Errorf("%w: empty sample", manuscript.ErrTransformRejected)
	}
	system, user := assessPrompt(title, sample)
	out, err := e.completer.Complete(ctx, system, user)
	if err != nil {
		return nil, classify(ctx, err)
	}

	raw, ok := extractJSONObject(out)
	if !ok {
		return nil, fmt.Errorf("%w: assessment reply is not JSON", manuscript.ErrTransformRejected)
	}
	var a manuscript.Assessment
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("%w: failed to parse assessment: %w", manuscript.ErrTransformRejected, err)
	}
	if a.InitialImpression == "" && len(a.Recommendations) == 0 {
		return nil, fmt.Errorf("%w: assessment is empty", manuscript.ErrTransformRejected)
	}
	return &a, nil
}

var _ pipeline.Transform = (*Editor)(nil)
