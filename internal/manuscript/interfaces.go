package manuscript

import "context"

// Store persists project state and segment results.
//
// Implementations must make ClaimResult, PutResult, SetPhase and
// IncrementProcessed atomic with respect to each other for a given project.
// Backend failures are returned wrapped in ErrStorageUnavailable.
type Store interface {
	// CreateState records a new project. Returns ErrProjectExists if present.
	CreateState(ctx context.Context, state ProjectState) error

	// GetState returns the project state. Returns ErrProjectNotFound if absent.
	GetState(ctx context.Context, projectID string) (ProjectState, error)

	// SetPhase moves the project to phase. Returns ErrInvalidTransition and
	// leaves state unchanged if the move is not a single forward step.
	SetPhase(ctx context.Context, projectID string, phase Phase) (ProjectState, error)

	// SetAssessment attaches the assessment to the project.
	SetAssessment(ctx context.Context, projectID string, assessment *Assessment) (ProjectState, error)

	// IncrementProcessed counts the succeeded improvement result at index toward
	// SegmentsProcessed. It is a compare-and-set on the result's Counted flag:
	// the bool reports whether this call performed the increment.
	IncrementProcessed(ctx context.Context, projectID string, index int) (ProjectState, bool, error)

	// ClaimResult atomically claims (projectID, stage, index) for a new attempt
	// on behalf of owner. The claim succeeds when:
	//   - no result exists, or the existing result failed;
	//   - a pending claim is older than the store's lease, or is held by the
	//     same non-empty owner;
	//   - a succeeded result was never counted and its OriginalText differs
	//     from original.
	// On success the returned result is pending with an incremented Attempt.
	// On refusal the existing result is returned with claimed=false.
	ClaimResult(ctx context.Context, projectID string, stage Stage, index int, original, owner string) (result SegmentResult, claimed bool, err error)

	// GetResult returns the result for (projectID, stage, index) if present.
	GetResult(ctx context.Context, projectID string, stage Stage, index int) (SegmentResult, bool, error)

	// PutResult records the outcome of the attempt in result.Attempt.
	// Returns ErrStaleAttempt if a newer attempt has claimed the index.
	PutResult(ctx context.Context, result SegmentResult) error

	// ListResults returns all results for the stage ordered by index.
	ListResults(ctx context.Context, projectID string, stage Stage) ([]SegmentResult, error)

	// DeleteProject removes the project state and all of its results.
	DeleteProject(ctx context.Context, projectID string) error
}
