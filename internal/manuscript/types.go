// Package manuscript defines the domain model shared by the revision pipeline:
// project lifecycle phases, per-segment results, and the store contract.
package manuscript

import (
	"strings"
	"time"
)

// Phase is a project lifecycle phase.
type Phase string

const (
	PhaseAssessment   Phase = "assessment"
	PhaseImprovement  Phase = "improvement"
	PhaseFinalization Phase = "finalization"
	PhaseComplete     Phase = "complete"
)

// ValidTransitions defines the allowed phase transitions. Phases advance one step at a time.
var ValidTransitions = map[Phase][]Phase{
	PhaseAssessment:   {PhaseImprovement},
	PhaseImprovement:  {PhaseFinalization},
	PhaseFinalization: {PhaseComplete},
	PhaseComplete:     {},
}

// CanTransitionTo checks if transition from current phase to target is valid.
func (p Phase) CanTransitionTo(target Phase) bool {
	for _, allowed := range ValidTransitions[p] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the phase is final.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := ValidTransitions[p]
	return ok
}

// Next returns the phase that follows p, or false if p is terminal.
func (p Phase) Next() (Phase, bool) {
	next := ValidTransitions[p]
	if len(next) == 0 {
		return "", false
	}
	return next[0], true
}

// Stage identifies which pass produced a SegmentResult.
type Stage string

const (
	// StageImprovement holds per-segment revisions. Only this stage advances
	// ProjectState.SegmentsProcessed.
	StageImprovement Stage = "improvement"
	// StageFinalization holds the character-window finishing pass.
	StageFinalization Stage = "finalization"
)

// ResultStatus is the status of a single segment attempt.
type ResultStatus string

const (
	StatusPending   ResultStatus = "pending"
	StatusSucceeded ResultStatus = "succeeded"
	StatusFailed    ResultStatus = "failed"
)

// SegmentResult is the persisted outcome of processing one segment.
type SegmentResult struct {
	ProjectID    string       `json:"project_id"`
	Stage        Stage        `json:"stage"`
	SegmentIndex int          `json:"segment_index"`
	OriginalText string       `json:"original_text"`
	RevisedText  string       `json:"revised_text,omitempty"`
	Summary      string       `json:"summary,omitempty"`
	Status       ResultStatus `json:"status"`
	// Attempt increases on every claim and fences out writes from older attempts.
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
	// Counted is set once the result has been reflected in SegmentsProcessed.
	Counted bool `json:"counted"`
	// ClaimedBy identifies the owner of the current claim. An owner may take
	// back its own pending claim before the lease expires.
	ClaimedBy string    `json:"claimed_by,omitempty"`
	ClaimedAt time.Time `json:"claimed_at"`
	Timestamp time.Time `json:"timestamp"`
}

// ProjectState tracks lifecycle phase and progress for one manuscript.
type ProjectState struct {
	ProjectID         string      `json:"project_id"`
	Title             string      `json:"title"`
	Phase             Phase       `json:"phase"`
	TotalSegments     int         `json:"total_segments"`
	SegmentsProcessed int         `json:"segments_processed"`
	Assessment        *Assessment `json:"assessment,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Progress returns the fraction of improvement segments that have succeeded.
func (s ProjectState) Progress() float64 {
	if s.TotalSegments == 0 {
		return 0
	}
	return float64(s.SegmentsProcessed) / float64(s.TotalSegments)
}

// DefaultFocus is the improvement focus used when no assessment is available.
const DefaultFocus = "Improve overall quality, pacing, character development, dialogue, and prose style"

// Assessment is the structured output of the assessment step.
type Assessment struct {
	InitialImpression string         `json:"initial_impression,omitempty"`
	Recommendations   []string       `json:"recommendations,omitempty"`
	Scores            map[string]int `json:"scores,omitempty"`
	Potential         string         `json:"potential,omitempty"`
}

// Focus returns the improvement focus derived from the assessment, falling back
// to DefaultFocus when the assessment is absent or carries no recommendations.
func (a *Assessment) Focus() string {
	if a == nil {
		return DefaultFocus
	}
	recs := make([]string, 0, len(a.Recommendations))
	for _, r := range a.Recommendations {
		if r = strings.TrimSpace(r); r != "" {
			recs = append(recs, r)
		}
	}
	if len(recs) == 0 {
		return DefaultFocus
	}
	return strings.Join(recs, "; ")
}
