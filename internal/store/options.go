// Package store provides manuscript.Store implementations.
package store

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/storybook/internal/manuscript"
)

// DefaultClaimLease is how long a pending claim blocks other claimants.
const DefaultClaimLease = 30 * time.Minute

type options struct {
	clock func() time.Time
	lease time.Duration
}

// Option configures a store.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithClaimLease sets how long a pending claim is honored before another
// claimant may take it over.
func WithClaimLease(d time.Duration) Option {
	return func(o *options) {
		o.lease = d
	}
}

func newOptions(opts []Option) options {
	o := options{
		clock: time.Now,
		lease: DefaultClaimLease,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// stamp returns the current time, never earlier than prev.
func (o options) stamp(prev time.Time) time.Time {
	now := o.clock().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}

// claimable reports whether owner may claim an existing result at now for
// the given original text.
func (o options) claimable(existing manuscript.SegmentResult, now time.Time, original, owner string) bool {
	switch existing.Status {
	case manuscript.StatusSucceeded:
		// A counted result is part of the project's progress and is never redone.
		return !existing.Counted && existing.OriginalText != original
	case manuscript.StatusPending:
		if owner != "" && existing.ClaimedBy == owner {
			return true
		}
		return now.Sub(existing.ClaimedAt) >= o.lease
	default:
		return true
	}
}

func transitionError(projectID string, from, to manuscript.Phase) error {
	return fmt.Errorf("%w: project %s: %s -> %s", manuscript.ErrInvalidTransition, projectID, from, to)
}

func notFound(projectID string) error {
	return fmt.Errorf("%w: %s", manuscript.ErrProjectNotFound, projectID)
}

func staleAttempt(r manuscript.SegmentResult) error {
	return fmt.Errorf("%w: project %s stage %s segment %d attempt %d",
		manuscript.ErrStaleAttempt, r.ProjectID, r.Stage, r.SegmentIndex, r.Attempt)
}

// checkCountable validates that the result at index may be counted toward progress.
func checkCountable(state manuscript.ProjectState, r manuscript.SegmentResult, found bool, index int) error {
	if index < 1 || index > state.TotalSegments {
		return fmt.Errorf("segment %d out of range 1..%d for project %s", index, state.TotalSegments, state.ProjectID)
	}
	if !found || r.Status != manuscript.StatusSucceeded {
		return fmt.Errorf("segment %d of project %s has not succeeded", index, state.ProjectID)
	}
	return nil
}

func cloneAssessment(a *manuscript.Assessment) *manuscript.Assessment {
	if a == nil {
		return nil
	}
	out := *a
	out.Recommendations = append([]string(nil), a.Recommendations...)
	if a.Scores != nil {
		out.Scores = make(map[string]int, len(a.Scores))
		for k, v := range a.Scores {
			out.Scores[k] = v
		}
	}
	return &out
}
