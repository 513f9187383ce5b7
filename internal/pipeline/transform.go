package pipeline

import (
	"context"

	"github.com/fyrsmithlabs/storybook/internal/manuscript"
	"github.com/fyrsmithlabs/storybook/internal/segment"
)

// Brief is the context handed to a transform alongside each segment.
type Brief struct {
	ProjectID string
	RunID     string
	Title     string
	Stage     manuscript.Stage
	// Focus is the improvement focus; never empty.
	Focus string
	// Total is the number of segments in the run.
	Total int
}

// Revision is the output of a transform.
type Revision struct {
	Text string
	// Summary is produced by finishing transforms; improvement transforms leave it empty.
	Summary string
}

// Transform revises a single segment. Implementations should return errors
// wrapping manuscript.ErrTransformTimeout, ErrTransformRejected or
// ErrTransformUnavailable. Apply may be called concurrently.
type Transform interface {
	Apply(ctx context.Context, seg segment.Segment, brief Brief) (Revision, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(ctx context.Context, seg segment.Segment, brief Brief) (Revision, error)

// Apply implements Transform.
func (f TransformFunc) Apply(ctx context.Context, seg segment.Segment, brief Brief) (Revision, error) {
	return f(ctx, seg, brief)
}
