package manuscript

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhase_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from Phase
		to   Phase
		want bool
	}{
		{PhaseAssessment, PhaseImprovement, true},
		{PhaseImprovement, PhaseFinalization, true},
		{PhaseFinalization, PhaseComplete, true},
		{PhaseAssessment, PhaseFinalization, false},
		{PhaseAssessment, PhaseComplete, false},
		{PhaseImprovement, PhaseAssessment, false},
		{PhaseFinalization, PhaseImprovement, false},
		{PhaseComplete, PhaseAssessment, false},
		{PhaseComplete, PhaseComplete, false},
		{PhaseImprovement, PhaseImprovement, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestPhase_Next(t *testing.T) {
	next, ok := PhaseAssessment.Next()
	assert.True(t, ok)
	assert.Equal(t, PhaseImprovement, next)

	_, ok = PhaseComplete.Next()
	assert.False(t, ok)
	assert.True(t, PhaseComplete.IsTerminal())
	assert.False(t, Phase("drafting").Valid())
}

func TestAssessment_Focus(t *testing.T) {
	var nilAssessment *Assessment
	assert.Equal(t, DefaultFocus, nilAssessment.Focus())
	assert.Equal(t, DefaultFocus, (&Assessment{}).Focus())
	assert.Equal(t, DefaultFocus, (&Assessment{Recommendations: []string{"  ", ""}}).Focus())

	a := &Assessment{Recommendations: []string{"Tighten dialogue", " Slow the ending "}}
	assert.Equal(t, "Tighten dialogue; Slow the ending", a.Focus())
}

func TestProjectState_Progress(t *testing.T) {
	assert.Equal(t, 0.0, ProjectState{}.Progress())
	assert.InDelta(t, 0.25, ProjectState{TotalSegments: 8, SegmentsProcessed: 2}.Progress(), 1e-9)
}

func TestTypedErrors(t *testing.T) {
	incomplete := fmt.Errorf("assemble: %w", &IncompleteManuscriptError{ProjectID: "p1", Stage: StageImprovement, Index: 4})
	assert.True(t, errors.Is(incomplete, ErrIncompleteManuscript))
	var ime *IncompleteManuscriptError
	assert.True(t, errors.As(incomplete, &ime))
	assert.Equal(t, 4, ime.Index)
	assert.Contains(t, ime.Error(), "segment 4 is missing")

	exhausted := &PipelineExhaustedError{ProjectID: "p1", Stage: StageImprovement, Failed: 3, LastErr: ErrTransformTimeout}
	assert.True(t, errors.Is(exhausted, ErrPipelineExhausted))
	assert.Contains(t, exhausted.Error(), "3 segments failed")

	assert.True(t, IsTransformError(fmt.Errorf("call: %w", ErrTransformRejected)))
	assert.False(t, IsTransformError(ErrStorageUnavailable))
}
