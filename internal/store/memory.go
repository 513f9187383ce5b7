package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/storybook/internal/manuscript"
)

type resultKey struct {
	projectID string
	stage     manuscript.Stage
	index     int
}

// MemoryStore is an in-memory implementation of manuscript.Store.
// It is thread-safe and suitable for single-process runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	opts    options
	states  map[string]manuscript.ProjectState
	results map[resultKey]manuscript.SegmentResult
}

var _ manuscript.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:    newOptions(opts),
		states:  make(map[string]manuscript.ProjectState),
		results: make(map[resultKey]manuscript.SegmentResult),
	}
}

// CreateState stores a new project state.
func (s *MemoryStore) CreateState(ctx context.Context, state manuscript.ProjectState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[state.ProjectID]; exists {
		return fmt.Errorf("%w: %s", manuscript.ErrProjectExists, state.ProjectID)
	}
	now := s.opts.stamp(state.CreatedAt)
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	state.Assessment = cloneAssessment(state.Assessment)
	s.states[state.ProjectID] = state
	return nil
}

// GetState returns a copy of the project state.
func (s *MemoryStore) GetState(ctx context.Context, projectID string) (manuscript.ProjectState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[projectID]
	if !ok {
		return manuscript.ProjectState{}, notFound(projectID)
	}
	state.Assessment = cloneAssessment(state.Assessment)
	return state, nil
}

// SetPhase advances the project phase by one step.
func (s *MemoryStore) SetPhase(ctx context.Context, projectID string, phase manuscript.Phase) (manuscript.ProjectState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[projectID]
	if !ok {
		return manuscript.ProjectState{}, notFound(projectID)
	}
	if !state.Phase.CanTransitionTo(phase) {
		return manuscript.ProjectState{}, transitionError(projectID, state.Phase, phase)
	}
	state.Phase = phase
	state.UpdatedAt = s.opts.stamp(state.UpdatedAt)
	s.states[projectID] = state
	state.Assessment = cloneAssessment(state.Assessment)
	return state, nil
}

// SetAssessment attaches an assessment to the project.
func (s *MemoryStore) SetAssessment(ctx context.Context, projectID string, assessment *manuscript.Assessment) (manuscript.ProjectState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[projectID]
	if !ok {
		return manuscript.ProjectState{}, notFound(projectID)
	}
	state.Assessment = cloneAssessment(assessment)
	state.UpdatedAt = s.opts.stamp(state.UpdatedAt)
	s.states[projectID] = state
	state.Assessment = cloneAssessment(state.Assessment)
	return state, nil
}

// IncrementProcessed counts a succeeded improvement result exactly once.
func (s *MemoryStore) IncrementProcessed(ctx context.Context, projectID string, index int) (manuscript.ProjectState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[projectID]
	if !ok {
		return manuscript.ProjectState{}, false, notFound(projectID)
	}
	key := resultKey{projectID, manuscript.StageImprovement, index}
	r, found := s.results[key]
	if err := checkCountable(state, r, found, index); err != nil {
		return manuscript.ProjectState{}, false, err
	}
	if r.Counted {
		return state, false, nil
	}

	r.Counted = true
	s.results[key] = r
	state.SegmentsProcessed++
	state.UpdatedAt = s.opts.stamp(state.UpdatedAt)
	s.states[projectID] = state
	state.Assessment = cloneAssessment(state.Assessment)
	return state, true, nil
}

// ClaimResult claims an index for a new attempt.
func (s *MemoryStore) ClaimResult(ctx context.Context, projectID string, stage manuscript.Stage, index int, original, owner string) (manuscript.SegmentResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[projectID]; !ok {
		return manuscript.SegmentResult{}, false, notFound(projectID)
	}

	key := resultKey{projectID, stage, index}
	existing, found := s.results[key]
	now := s.opts.stamp(existing.Timestamp)
	if found && !s.opts.claimable(existing, now, original, owner) {
		return existing, false, nil
	}

	claimed := manuscript.SegmentResult{
		ProjectID:    projectID,
		Stage:        stage,
		SegmentIndex: index,
		OriginalText: original,
		Status:       manuscript.StatusPending,
		Attempt:      existing.Attempt + 1,
		ClaimedBy:    owner,
		ClaimedAt:    now,
		Timestamp:    now,
	}
	s.results[key] = claimed
	return claimed, true, nil
}

// GetResult returns the result for an index.
func (s *MemoryStore) GetResult(ctx context.Context, projectID string, stage manuscript.Stage, index int) (manuscript.SegmentResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[resultKey{projectID, stage, index}]
	return r, ok, nil
}

// PutResult records the outcome of the claimed attempt.
func (s *MemoryStore) PutResult(ctx context.Context, result manuscript.SegmentResult) error {
	if result.Status == manuscript.StatusPending {
		return fmt.Errorf("cannot put pending result for segment %d", result.SegmentIndex)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := resultKey{result.ProjectID, result.Stage, result.SegmentIndex}
	existing, ok := s.results[key]
	if !ok || existing.Attempt != result.Attempt || existing.Status != manuscript.StatusPending {
		return staleAttempt(result)
	}

	existing.RevisedText = result.RevisedText
	existing.Summary = result.Summary
	existing.Status = result.Status
	existing.Error = result.Error
	existing.Timestamp = s.opts.stamp(existing.Timestamp)
	s.results[key] = existing
	return nil
}

// ListResults returns the stage's results ordered by index.
func (s *MemoryStore) ListResults(ctx context.Context, projectID string, stage manuscript.Stage) ([]manuscript.SegmentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []manuscript.SegmentResult
	for k, r := range s.results {
		if k.projectID == projectID && k.stage == stage {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentIndex < out[j].SegmentIndex })
	return out, nil
}

// DeleteProject removes the project and all its results.
func (s *MemoryStore) DeleteProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[projectID]; !ok {
		return notFound(projectID)
	}
	delete(s.states, projectID)
	for k := range s.results {
		if k.projectID == projectID {
			delete(s.results, k)
		}
	}
	return nil
}
