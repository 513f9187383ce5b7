// Package editor drives a manuscript through its phases.
//
// Service ties together segmentation, the project state machine, the
// pipeline orchestrator and reassembly:
//
//	Intake    segment, create the project, assess a sample, enter improvement
//	Improve   run every segment through the transform, enter finalization
//	Finalize  reassemble, run the finishing pass, enter complete
//
// Every step can be repeated after a failure or crash; finished segments and
// windows are never transformed twice.
package editor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storybook/internal/events"
	"github.com/fyrsmithlabs/storybook/internal/logging"
	"github.com/fyrsmithlabs/storybook/internal/manuscript"
	"github.com/fyrsmithlabs/storybook/internal/pipeline"
	"github.com/fyrsmithlabs/storybook/internal/project"
	"github.com/fyrsmithlabs/storybook/internal/reassembly"
	"github.com/fyrsmithlabs/storybook/internal/segment"
)

var (
	// ErrEmptyManuscript is returned when the text contains nothing to edit.
	ErrEmptyManuscript = errors.New("manuscript is empty")

	// ErrManuscriptChanged is returned when the text no longer segments into
	// the segments recorded at intake.
	ErrManuscriptChanged = manuscript.ErrManuscriptChanged
)

// Assessor produces a structured assessment from a manuscript sample.
type Assessor interface {
	Assess(ctx context.Context, title, sample string) (*manuscript.Assessment, error)
}

// Options configures a Service.
type Options struct {
	Store        manuscript.Store
	Segmenter    *segment.Segmenter
	Orchestrator *pipeline.Orchestrator
	// Transform revises segments in both the improvement and finalization stages.
	Transform pipeline.Transform
	// Assessor is optional. Without it projects use manuscript.DefaultFocus.
	Assessor  Assessor
	Publisher events.Publisher
	// WindowChars sizes the finishing windows. Zero selects segment.DefaultWindowChars.
	WindowChars int
	Counter     segment.TokenCounter
	Logger      *zap.Logger
}

// Service runs the manuscript lifecycle.
type Service struct {
	store        manuscript.Store
	segmenter    *segment.Segmenter
	orchestrator *pipeline.Orchestrator
	transform    pipeline.Transform
	assessor     Assessor
	tracker      *project.Tracker
	assembler    *reassembly.Assembler
	finisher     *reassembly.Finisher
	logger       *zap.Logger
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Segmenter == nil || opts.Orchestrator == nil || opts.Transform == nil {
		return nil, errors.New("store, segmenter, orchestrator and transform are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	tracker, err := project.NewTracker(opts.Store,
		project.WithPublisher(publisher),
		project.WithLogger(logger.Named("project")),
	)
	if err != nil {
		return nil, err
	}
	assembler, err := reassembly.NewAssembler(opts.Store, logger.Named("reassembly"))
	if err != nil {
		return nil, err
	}

	finisherOpts := []reassembly.FinisherOption{
		reassembly.WithCounter(opts.Counter),
		reassembly.WithFinisherLogger(logger.Named("finisher")),
	}
	if opts.WindowChars != 0 {
		finisherOpts = append(finisherOpts, reassembly.WithWindowChars(opts.WindowChars))
	}
	finisher, err := reassembly.NewFinisher(opts.Store, opts.Orchestrator, finisherOpts...)
	if err != nil {
		return nil, err
	}

	return &Service{
		store:        opts.Store,
		segmenter:    opts.Segmenter,
		orchestrator: opts.Orchestrator,
		transform:    opts.Transform,
		assessor:     opts.Assessor,
		tracker:      tracker,
		assembler:    assembler,
		finisher:     finisher,
		logger:       logger,
	}, nil
}

// IntakeRequest describes a manuscript to take in.
type IntakeRequest struct {
	// ProjectID is derived from Title when empty.
	ProjectID string
	Title     string
	Text      string
}

// IntakeResult reports the outcome of Intake.
type IntakeResult struct {
	State          manuscript.ProjectState
	Segments       int
	OversizedUnits int
	Merges         int
}

// Intake segments the manuscript, records the project, assesses the first
// segment when an Assessor is configured, and moves the project to the
// improvement phase. A failed assessment is logged and the default focus used.
func (s *Service) Intake(ctx context.Context, req IntakeRequest) (*IntakeResult, error) {
	projectID := req.ProjectID
	if projectID == "" {
		projectID = project.NewID(req.Title)
	}
	ctx = logging.WithProjectID(ctx, projectID)

	res, err := s.segmenter.Segment(req.Text)
	if err != nil {
		return nil, err
	}
	if len(res.Segments) == 0 {
		return nil, ErrEmptyManuscript
	}

	state, err := s.tracker.Create(ctx, projectID, req.Title, len(res.Segments))
	if err != nil {
		return nil, err
	}

	if s.assessor != nil {
		assessment, err := s.assessor.Assess(ctx, state.Title, res.Segments[0].Text)
		if err != nil {
			s.logger.Warn("assessment failed, using default focus",
				append(logging.ContextFields(ctx), zap.Error(err))...)
		} else if state, err = s.tracker.SetAssessment(ctx, projectID, assessment); err != nil {
			return nil, err
		}
	}

	if state, err = s.tracker.AdvanceTo(ctx, projectID, manuscript.PhaseImprovement); err != nil {
		return nil, err
	}

	s.logger.Info("manuscript taken in", append(logging.ContextFields(ctx),
		zap.Int("segments", len(res.Segments)),
		zap.Int("oversized_units", res.OversizedUnits),
		zap.Int("merges", res.Merges),
		zap.String("focus", state.Assessment.Focus()),
	)...)
	return &IntakeResult{
		State:          state,
		Segments:       len(res.Segments),
		OversizedUnits: res.OversizedUnits,
		Merges:         res.Merges,
	}, nil
}

// Improve runs the improvement stage over text, which must be the text given
// at intake. Segments that already succeeded are skipped. When every segment
// has succeeded the project moves to the finalization phase.
func (s *Service) Improve(ctx context.Context, projectID, text string) (pipeline.Summary, manuscript.ProjectState, error) {
	ctx = logging.WithProjectID(ctx, projectID)

	state, err := s.tracker.Get(ctx, projectID)
	if err != nil {
		return pipeline.Summary{}, state, err
	}
	if state.Phase == manuscript.PhaseAssessment {
		// Intake stopped before advancing.
		if state, err = s.tracker.Advance(ctx, projectID, manuscript.PhaseImprovement); err != nil {
			return pipeline.Summary{}, state, err
		}
	}
	if state.Phase != manuscript.PhaseImprovement {
		return pipeline.Summary{}, state, fmt.Errorf("%w: project %s is in phase %s, not %s",
			manuscript.ErrInvalidTransition, projectID, state.Phase, manuscript.PhaseImprovement)
	}

	res, err := s.segmenter.Segment(text)
	if err != nil {
		return pipeline.Summary{}, state, err
	}
	if len(res.Segments) != state.TotalSegments {
		return pipeline.Summary{}, state, fmt.Errorf("%w: got %d segments, project has %d",
			ErrManuscriptChanged, len(res.Segments), state.TotalSegments)
	}

	if err := s.checkUnchanged(ctx, projectID, res.Segments); err != nil {
		return pipeline.Summary{}, state, err
	}

	summary, runErr := s.orchestrator.Run(ctx, projectID, res.Segments, s.transform)

	if state, err = s.tracker.Get(ctx, projectID); err != nil {
		return summary, state, errors.Join(runErr, err)
	}
	if runErr != nil {
		return summary, state, runErr
	}

	if state.SegmentsProcessed >= state.TotalSegments {
		if state, err = s.tracker.Advance(ctx, projectID, manuscript.PhaseFinalization); err != nil {
			return summary, state, err
		}
	} else {
		s.logger.Info("improvement incomplete, run again to retry failed segments",
			append(logging.ContextFields(ctx),
				zap.Int("processed", state.SegmentsProcessed),
				zap.Int("total", state.TotalSegments),
			)...)
	}
	return summary, state, nil
}

// checkUnchanged rejects text whose segments differ from the originals of
// already improved segments.
func (s *Service) checkUnchanged(ctx context.Context, projectID string, segs []segment.Segment) error {
	results, err := s.store.ListResults(ctx, projectID, manuscript.StageImprovement)
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}
	for _, r := range results {
		if r.Status != manuscript.StatusSucceeded || r.SegmentIndex < 1 || r.SegmentIndex > len(segs) {
			continue
		}
		if r.OriginalText != segs[r.SegmentIndex-1].Text {
			return fmt.Errorf("%w: segment %d differs from the text it was improved from",
				ErrManuscriptChanged, r.SegmentIndex)
		}
	}
	return nil
}

// Finalize reassembles the improved manuscript, runs the finishing pass and
// marks the project complete. Finalizing a complete project returns the same
// artifact without transforming anything again.
func (s *Service) Finalize(ctx context.Context, projectID string) (*reassembly.Artifact, error) {
	ctx = logging.WithProjectID(ctx, projectID)

	state, err := s.tracker.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if state.Phase != manuscript.PhaseFinalization && state.Phase != manuscript.PhaseComplete {
		return nil, fmt.Errorf("%w: project %s is in phase %s, not %s",
			manuscript.ErrInvalidTransition, projectID, state.Phase, manuscript.PhaseFinalization)
	}

	text, err := s.assembler.Assemble(ctx, projectID)
	if err != nil {
		return nil, err
	}
	artifact, err := s.finisher.Finish(ctx, projectID, text, s.transform)
	if err != nil {
		return nil, err
	}
	if _, err := s.tracker.AdvanceTo(ctx, projectID, manuscript.PhaseComplete); err != nil {
		return nil, err
	}
	return artifact, nil
}

// Status returns the project state.
func (s *Service) Status(ctx context.Context, projectID string) (manuscript.ProjectState, error) {
	return s.tracker.Get(ctx, projectID)
}

// Results returns the persisted results of a stage in index order.
func (s *Service) Results(ctx context.Context, projectID string, stage manuscript.Stage) ([]manuscript.SegmentResult, error) {
	if _, err := s.tracker.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListResults(ctx, projectID, stage)
}

// Delete removes the project and its results.
func (s *Service) Delete(ctx context.Context, projectID string) error {
	return s.tracker.Delete(ctx, projectID)
}
