package editor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/storybook/internal/manuscript"
	"github.com/fyrsmithlabs/storybook/internal/pipeline"
	"github.com/fyrsmithlabs/storybook/internal/segment"
	"github.com/fyrsmithlabs/storybook/internal/store"
)

var wordCounter = segment.CounterFunc(func(s string) int { return len(strings.Fields(s)) })

func manuscriptText() string {
	var b strings.Builder
	for i := 1; i <= 12; i++ {
		fmt.Fprintf(&b, "The rain fell on day %d without pause. ", i)
	}
	return b.String()
}

// fakeTransform upper-cases improvement interiors and echoes finishing
// windows with a numbered summary.
type fakeTransform struct {
	mu     sync.Mutex
	calls  map[manuscript.Stage]map[int]int
	fail   map[int]bool
	briefs []pipeline.Brief
}

func newFakeTransform() *fakeTransform {
	return &fakeTransform{
		calls: map[manuscript.Stage]map[int]int{
			manuscript.StageImprovement:  {},
			manuscript.StageFinalization: {},
		},
		fail: map[int]bool{},
	}
}

func (f *fakeTransform) Apply(_ context.Context, seg segment.Segment, b pipeline.Brief) (pipeline.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[b.Stage][seg.Index]++
	f.briefs = append(f.briefs, b)
	if b.Stage == manuscript.StageFinalization {
		return pipeline.Revision{Text: seg.Text, Summary: fmt.Sprintf("summary %d", seg.Index)}, nil
	}
	if f.fail[seg.Index] {
		return pipeline.Revision{}, manuscript.ErrTransformUnavailable
	}
	return pipeline.Revision{Text: strings.ToUpper(seg.Interior())}, nil
}

func (f *fakeTransform) count(stage manuscript.Stage) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls[stage] {
		n += c
	}
	return n
}

type fakeAssessor struct {
	assessment *manuscript.Assessment
	err        error
	sample     string
}

func (a *fakeAssessor) Assess(_ context.Context, _, sample string) (*manuscript.Assessment, error) {
	a.sample = sample
	return a.assessment, a.err
}

type fixture struct {
	svc       *Service
	store     *store.MemoryStore
	segmenter *segment.Segmenter
	transform *fakeTransform
}

func newFixture(t *testing.T, assessor Assessor) *fixture {
	t.Helper()
	cfg := segment.DefaultConfig()
	cfg.MaxTokens = 20
	cfg.OverlapTokens = 5
	seg, err := segment.New(cfg, wordCounter)
	require.NoError(t, err)

	s := store.NewMemoryStore()
	orch, err := pipeline.New(s, pipeline.Config{Concurrency: 3})
	require.NoError(t, err)

	tr := newFakeTransform()
	svc, err := New(Options{
		Store:        s,
		Segmenter:    seg,
		Orchestrator: orch,
		Transform:    tr,
		Assessor:     assessor,
		Counter:      wordCounter,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: s, segmenter: seg, transform: tr}
}

func (f *fixture) expectedText(t *testing.T, text string) string {
	t.Helper()
	res, err := f.segmenter.Segment(text)
	require.NoError(t, err)
	pieces := make([]string, 0, len(res.Segments))
	for _, s := range res.Segments {
		pieces = append(pieces, strings.TrimSpace(strings.ToUpper(s.Interior())))
	}
	return strings.Join(pieces, "\n\n")
}

func TestService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	assessor := &fakeAssessor{assessment: &manuscript.Assessment{
		InitialImpression: "Atmospheric.",
		Recommendations:   []string{"Vary the weather"},
	}}
	f := newFixture(t, assessor)
	text := manuscriptText()

	in, err := f.svc.Intake(ctx, IntakeRequest{ProjectID: "rain", Title: "Rain", Text: text})
	require.NoError(t, err)
	assert.Equal(t, manuscript.PhaseImprovement, in.State.Phase)
	assert.Greater(t, in.Segments, 1)
	assert.Equal(t, in.Segments, in.State.TotalSegments)
	assert.True(t, strings.HasPrefix(text, assessor.sample))
	assert.Equal(t, "Vary the weather", in.State.Assessment.Focus())

	summary, state, err := f.svc.Improve(ctx, "rain", text)
	require.NoError(t, err)
	assert.Equal(t, in.Segments, summary.Succeeded)
	assert.Equal(t, manuscript.PhaseFinalization, state.Phase)
	assert.Equal(t, in.Segments, state.SegmentsProcessed)
	for _, b := range f.transform.briefs {
		assert.Equal(t, "Vary the weather", b.Focus)
		assert.Equal(t, "Rain", b.Title)
	}

	art, err := f.svc.Finalize(ctx, "rain")
	require.NoError(t, err)
	assert.Equal(t, f.expectedText(t, text), art.Text)
	assert.Equal(t, 1, art.Windows)
	assert.Equal(t, "summary 1", art.Digest)

	state, err = f.svc.Status(ctx, "rain")
	require.NoError(t, err)
	assert.Equal(t, manuscript.PhaseComplete, state.Phase)

	// Finalizing again reuses every window.
	again, err := f.svc.Finalize(ctx, "rain")
	require.NoError(t, err)
	assert.Equal(t, art, again)
	assert.Equal(t, 1, f.transform.count(manuscript.StageFinalization))
}

func TestService_AssessmentFailureUsesDefaultFocus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeAssessor{err: manuscript.ErrTransformUnavailable})

	in, err := f.svc.Intake(ctx, IntakeRequest{Title: "Untitled Draft", Text: manuscriptText()})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(in.State.ProjectID, "untitled-draft-"))
	assert.Nil(t, in.State.Assessment)
	assert.Equal(t, manuscript.PhaseImprovement, in.State.Phase)

	_, _, err = f.svc.Improve(ctx, in.State.ProjectID, manuscriptText())
	require.NoError(t, err)
	require.NotEmpty(t, f.transform.briefs)
	assert.Equal(t, manuscript.DefaultFocus, f.transform.briefs[0].Focus)
}

func TestService_ImproveRetriesOnlyFailedSegments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	text := manuscriptText()

	in, err := f.svc.Intake(ctx, IntakeRequest{ProjectID: "rain", Title: "Rain", Text: text})
	require.NoError(t, err)

	f.transform.fail[2] = true
	summary, state, err := f.svc.Improve(ctx, "rain", text)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, manuscript.PhaseImprovement, state.Phase)
	assert.Equal(t, in.Segments-1, state.SegmentsProcessed)

	_, err = f.svc.Finalize(ctx, "rain")
	assert.ErrorIs(t, err, manuscript.ErrInvalidTransition)

	f.transform.fail[2] = false
	summary, state, err = f.svc.Improve(ctx, "rain", text)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, in.Segments-1, summary.Skipped)
	assert.Equal(t, manuscript.PhaseFinalization, state.Phase)

	for i := 1; i <= in.Segments; i++ {
		want := 1
		if i == 2 {
			want = 2
		}
		assert.Equal(t, want, f.transform.calls[manuscript.StageImprovement][i], "segment %d", i)
	}
}

func TestService_ImproveAllFailIsExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	text := manuscriptText()
	in, err := f.svc.Intake(ctx, IntakeRequest{ProjectID: "rain", Text: text})
	require.NoError(t, err)
	for i := 1; i <= in.Segments; i++ {
		f.transform.fail[i] = true
	}

	_, state, err := f.svc.Improve(ctx, "rain", text)
	assert.ErrorIs(t, err, manuscript.ErrPipelineExhausted)
	assert.Equal(t, manuscript.PhaseImprovement, state.Phase)
}

func TestService_ImproveRejectsChangedText(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Intake(ctx, IntakeRequest{ProjectID: "rain", Text: manuscriptText()})
	require.NoError(t, err)

	_, _, err = f.svc.Improve(ctx, "rain", "Just one short sentence.")
	assert.ErrorIs(t, err, ErrManuscriptChanged)
	assert.Zero(t, f.transform.count(manuscript.StageImprovement))
}

func TestService_ImproveRejectsEditedSegments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	text := manuscriptText()
	in, err := f.svc.Intake(ctx, IntakeRequest{ProjectID: "rain", Text: text})
	require.NoError(t, err)
	require.Greater(t, in.Segments, 1)

	f.transform.fail[in.Segments] = true
	_, state, err := f.svc.Improve(ctx, "rain", text)
	require.NoError(t, err)
	require.Equal(t, in.Segments-1, state.SegmentsProcessed)
	calls := f.transform.count(manuscript.StageImprovement)

	// Same segment count, different words in an improved segment.
	edited := strings.Replace(text, "day 1 without", "day one without", 1)
	f.transform.fail = map[int]bool{}
	_, _, err = f.svc.Improve(ctx, "rain", edited)
	assert.ErrorIs(t, err, ErrManuscriptChanged)
	assert.ErrorIs(t, err, manuscript.ErrManuscriptChanged)
	assert.Contains(t, err.Error(), "segment 1")
	assert.Equal(t, calls, f.transform.count(manuscript.StageImprovement))

	_, state, err = f.svc.Improve(ctx, "rain", text)
	require.NoError(t, err)
	assert.Equal(t, manuscript.PhaseFinalization, state.Phase)
}

func TestService_ImproveResumesInterruptedIntake(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	text := manuscriptText()
	res, err := f.segmenter.Segment(text)
	require.NoError(t, err)

	// Intake recorded the project but stopped before leaving assessment.
	require.NoError(t, f.store.CreateState(ctx, manuscript.ProjectState{
		ProjectID:     "rain",
		Phase:         manuscript.PhaseAssessment,
		TotalSegments: len(res.Segments),
	}))

	_, state, err := f.svc.Improve(ctx, "rain", text)
	require.NoError(t, err)
	assert.Equal(t, manuscript.PhaseFinalization, state.Phase)
}

func TestService_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.Intake(ctx, IntakeRequest{ProjectID: "empty", Text: "  \n\n "})
	assert.ErrorIs(t, err, ErrEmptyManuscript)

	_, _, err = f.svc.Improve(ctx, "missing", manuscriptText())
	assert.ErrorIs(t, err, manuscript.ErrProjectNotFound)

	_, err = f.svc.Finalize(ctx, "missing")
	assert.ErrorIs(t, err, manuscript.ErrProjectNotFound)

	_, err = f.svc.Intake(ctx, IntakeRequest{ProjectID: "rain", Text: manuscriptText()})
	require.NoError(t, err)
	_, err = f.svc.Intake(ctx, IntakeRequest{ProjectID: "rain", Text: manuscriptText()})
	assert.ErrorIs(t, err, manuscript.ErrProjectExists)

	_, err = New(Options{})
	assert.Error(t, err)
}

func TestService_ResultsAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	text := manuscriptText()
	in, err := f.svc.Intake(ctx, IntakeRequest{ProjectID: "rain", Text: text})
	require.NoError(t, err)
	_, _, err = f.svc.Improve(ctx, "rain", text)
	require.NoError(t, err)

	results, err := f.svc.Results(ctx, "rain", manuscript.StageImprovement)
	require.NoError(t, err)
	require.Len(t, results, in.Segments)
	for i, r := range results {
		assert.Equal(t, i+1, r.SegmentIndex)
		assert.Equal(t, manuscript.StatusSucceeded, r.Status)
	}

	require.NoError(t, f.svc.Delete(ctx, "rain"))
	_, err = f.svc.Status(ctx, "rain")
	assert.True(t, errors.Is(err, manuscript.ErrProjectNotFound))

	_, err = f.svc.Results(ctx, "rain", manuscript.StageImprovement)
	assert.ErrorIs(t, err, manuscript.ErrProjectNotFound)
}
