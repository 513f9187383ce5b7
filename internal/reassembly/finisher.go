package reassembly

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storybook/internal/logging"
	"github.com/fyrsmithlabs/storybook/internal/manuscript"
	"github.com/fyrsmithlabs/storybook/internal/pipeline"
	"github.com/fyrsmithlabs/storybook/internal/segment"
)

// DigestSeparator separates window summaries in the digest.
var DigestSeparator = ParagraphDelimiter + strings.Repeat("-", 80) + ParagraphDelimiter

// Artifact is the finished manuscript.
type Artifact struct {
	Text string
	// Digest holds the per-window executive summaries in order.
	Digest string
	// Windows is the number of finishing windows.
	Windows int
}

// StageRunner runs a pipeline job. *pipeline.Orchestrator implements it.
type StageRunner interface {
	RunStage(ctx context.Context, job pipeline.Job) (pipeline.Summary, error)
}

// Finisher runs the finishing pass over large character windows.
type Finisher struct {
	store       manuscript.Store
	runner      StageRunner
	windowChars int
	counter     segment.TokenCounter
	logger      *zap.Logger
}

// FinisherOption configures a Finisher.
type FinisherOption func(*Finisher)

// WithWindowChars sets the window size in characters.
func WithWindowChars(n int) FinisherOption {
	return func(f *Finisher) {
		f.windowChars = n
	}
}

// WithCounter sets the token counter used to annotate windows.
func WithCounter(c segment.TokenCounter) FinisherOption {
	return func(f *Finisher) {
		f.counter = c
	}
}

// WithFinisherLogger sets the logger.
func WithFinisherLogger(l *zap.Logger) FinisherOption {
	return func(f *Finisher) {
		f.logger = l
	}
}

// NewFinisher creates a Finisher.
func NewFinisher(store manuscript.Store, runner StageRunner, opts ...FinisherOption) (*Finisher, error) {
	if store == nil || runner == nil {
		return nil, errors.New("store and runner are required")
	}
	f := &Finisher{
		store:       store,
		runner:      runner,
		windowChars: segment.DefaultWindowChars,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.windowChars <= 0 {
		return nil, fmt.Errorf("%w: window size must be positive, got %d", manuscript.ErrInvalidBudget, f.windowChars)
	}
	return f, nil
}

// Finish splits text into windows, runs them through transform in the
// finalization stage, and joins the results. Windows already finished by an
// earlier call are not transformed again.
func (f *Finisher) Finish(ctx context.Context, projectID, text string, transform pipeline.Transform) (*Artifact, error) {
	windows, err := segment.Windows(text, f.windowChars, f.counter)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithProjectID(ctx, projectID)
	f.logger.Info("finishing pass started", append(logging.ContextFields(ctx),
		zap.Int("windows", len(windows)),
		zap.Int("window_chars", f.windowChars),
	)...)

	summary, err := f.runner.RunStage(ctx, pipeline.Job{
		ProjectID: projectID,
		Stage:     manuscript.StageFinalization,
		Segments:  windows,
		Transform: transform,
	})
	if err != nil {
		return nil, fmt.Errorf("finishing pass failed: %w", err)
	}
	if summary.Failed > 0 {
		f.logger.Warn("finishing pass incomplete", append(logging.ContextFields(ctx),
			zap.Int("failed", summary.Failed),
		)...)
	}

	results, err := f.store.ListResults(ctx, projectID, manuscript.StageFinalization)
	if err != nil {
		return nil, fmt.Errorf("failed to list finishing results: %w", err)
	}

	spans, err := collect(projectID, manuscript.StageFinalization, len(windows), results,
		func(r manuscript.SegmentResult) string { return r.RevisedText })
	if err != nil {
		return nil, err
	}
	// Every window succeeded, so collecting summaries cannot fail.
	summaries, _ := collect(projectID, manuscript.StageFinalization, len(windows), results,
		func(r manuscript.SegmentResult) string { return r.Summary })

	f.logger.Info("finishing pass complete", append(logging.ContextFields(ctx),
		zap.Int("windows", len(windows)),
		zap.Int("summaries", len(summaries)),
	)...)
	return &Artifact{
		Text:    strings.Join(spans, ParagraphDelimiter),
		Digest:  strings.Join(summaries, DigestSeparator),
		Windows: len(windows),
	}, nil
}
