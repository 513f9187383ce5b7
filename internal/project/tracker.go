// Package project tracks the lifecycle of manuscript projects.
//
// A project moves forward one phase at a time:
//
//	assessment -> improvement -> finalization -> complete
//
// Tracker validates identifiers, delegates atomic transitions to the store,
// and reports every transition as a PhaseEvent.
package project

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storybook/internal/events"
	"github.com/fyrsmithlabs/storybook/internal/logging"
	"github.com/fyrsmithlabs/storybook/internal/manuscript"
)

const maxProjectIDLen = 64

var (
	// ErrInvalidProjectID is returned for empty or malformed project IDs.
	ErrInvalidProjectID = errors.New("invalid project ID")

	projectIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	slugReplacer     = regexp.MustCompile(`[^a-z0-9]+`)
)

// ValidateID checks that id is a lowercase slug usable in file names and
// event subjects.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidProjectID)
	}
	if len(id) > maxProjectIDLen {
		return fmt.Errorf("%w: exceeds max length %d", ErrInvalidProjectID, maxProjectIDLen)
	}
	if !projectIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must be lowercase alphanumeric, hyphen or underscore", ErrInvalidProjectID, id)
	}
	return nil
}

// NewID derives a project ID from a title: a slug plus a short random suffix.
func NewID(title string) string {
	slug := strings.Trim(slugReplacer.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if slug == "" {
		return "manuscript-" + suffix
	}
	return slug + "-" + suffix
}

// Tracker manages project state transitions.
type Tracker struct {
	store     manuscript.Store
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPublisher sets the event publisher for phase transitions.
func WithPublisher(p events.Publisher) Option {
	return func(t *Tracker) {
		t.publisher = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// NewTracker creates a Tracker.
func NewTracker(store manuscript.Store, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	t := &Tracker{
		store:     store,
		publisher: events.NopPublisher{},
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Create records a new project in the assessment phase.
func (t *Tracker) Create(ctx context.Context, projectID, title string, totalSegments int) (manuscript.ProjectState, error) {
	if err := ValidateID(projectID); err != nil {
		return manuscript.ProjectState{}, err
	}
	if totalSegments < 0 {
		return manuscript.ProjectState{}, fmt.Errorf("total segments must not be negative, got %d", totalSegments)
	}

	state := manuscript.ProjectState{
		ProjectID:     projectID,
		Title:         strings.TrimSpace(title),
		Phase:         manuscript.PhaseAssessment,
		TotalSegments: totalSegments,
	}
	if err := t.store.CreateState(ctx, state); err != nil {
		return manuscript.ProjectState{}, fmt.Errorf("failed to create project %s: %w", projectID, err)
	}

	created, err := t.store.GetState(ctx, projectID)
	if err != nil {
		return manuscript.ProjectState{}, err
	}

	ctx = logging.WithProjectID(ctx, projectID)
	t.logger.Info("project created", append(logging.ContextFields(ctx),
		zap.String("title", created.Title),
		zap.Int("segments", totalSegments),
	)...)
	return created, nil
}

// Get returns the project state.
func (t *Tracker) Get(ctx context.Context, projectID string) (manuscript.ProjectState, error) {
	return t.store.GetState(ctx, projectID)
}

// Advance moves the project to phase, which must be the next phase.
func (t *Tracker) Advance(ctx context.Context, projectID string, phase manuscript.Phase) (manuscript.ProjectState, error) {
	before, err := t.store.GetState(ctx, projectID)
	if err != nil {
		return manuscript.ProjectState{}, err
	}

	after, err := t.store.SetPhase(ctx, projectID, phase)
	if err != nil {
		return before, err
	}

	ctx = logging.WithProjectID(ctx, projectID)
	t.logger.Info("project phase advanced", append(logging.ContextFields(ctx),
		zap.String("from", string(before.Phase)),
		zap.String("to", string(after.Phase)),
	)...)

	ev := events.PhaseEvent{ProjectID: projectID, From: before.Phase, To: after.Phase, Timestamp: t.now().UTC()}
	if err := t.publisher.PublishPhase(ctx, ev); err != nil {
		t.logger.Warn("failed to publish phase event", append(logging.ContextFields(ctx), zap.Error(err))...)
	}
	return after, nil
}

// AdvanceTo steps the project forward until it reaches phase. It is a no-op
// when the project is already there and fails if phase lies behind it.
func (t *Tracker) AdvanceTo(ctx context.Context, projectID string, phase manuscript.Phase) (manuscript.ProjectState, error) {
	state, err := t.store.GetState(ctx, projectID)
	if err != nil {
		return manuscript.ProjectState{}, err
	}
	if !reachable(state.Phase, phase) {
		return state, fmt.Errorf("%w: project %s is %s and cannot reach %s",
			manuscript.ErrInvalidTransition, projectID, state.Phase, phase)
	}
	for state.Phase != phase {
		next, _ := state.Phase.Next()
		if state, err = t.Advance(ctx, projectID, next); err != nil {
			return state, err
		}
	}
	return state, nil
}

func reachable(from, to manuscript.Phase) bool {
	for p := from; ; {
		if p == to {
			return true
		}
		next, ok := p.Next()
		if !ok {
			return false
		}
		p = next
	}
}

// SetAssessment stores the assessment on the project.
func (t *Tracker) SetAssessment(ctx context.Context, projectID string, a *manuscript.Assessment) (manuscript.ProjectState, error) {
	return t.store.SetAssessment(ctx, projectID, a)
}

// Delete removes the project and all of its results.
func (t *Tracker) Delete(ctx context.Context, projectID string) error {
	if err := t.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	t.logger.Info("project deleted", logging.ContextFields(logging.WithProjectID(ctx, projectID))...)
	return nil
}
