package manuscript

import (
	"errors"
	"fmt"
)

var (
	// Segmentation errors
	ErrInvalidBudget = errors.New("invalid token budget")

	// Lifecycle errors
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrProjectNotFound   = errors.New("project not found")
	ErrProjectExists     = errors.New("project already exists")

	// ErrManuscriptChanged means the text no longer matches what earlier runs
	// recorded for the project.
	ErrManuscriptChanged = errors.New("manuscript changed since intake")

	// Transform errors. All are scoped to a single segment and retryable on a later run.
	ErrTransformTimeout     = errors.New("transform timed out")
	ErrTransformRejected    = errors.New("transform rejected input")
	ErrTransformUnavailable = errors.New("transform unavailable")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStaleAttempt       = errors.New("stale segment attempt")

	// Pipeline errors
	ErrPipelineExhausted    = errors.New("pipeline exhausted")
	ErrIncompleteManuscript = errors.New("incomplete manuscript")
)

// PipelineExhaustedError is returned when a run dispatched work but no segment succeeded.
type PipelineExhaustedError struct {
	ProjectID string
	Stage     Stage
	Failed    int
	// LastErr is the failure reason of the highest-index failed segment.
	LastErr error
}

func (e *PipelineExhaustedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s: project %s stage %s: %d segments failed, last: %v",
			ErrPipelineExhausted, e.ProjectID, e.Stage, e.Failed, e.LastErr)
	}
	return fmt.Sprintf("%s: project %s stage %s: %d segments failed",
		ErrPipelineExhausted, e.ProjectID, e.Stage, e.Failed)
}

func (e *PipelineExhaustedError) Unwrap() error {
	return ErrPipelineExhausted
}

// IncompleteManuscriptError names the first index without a succeeded result.
type IncompleteManuscriptError struct {
	ProjectID string
	Stage     Stage
	Index     int
	Status    ResultStatus
}

func (e *IncompleteManuscriptError) Error() string {
	status := string(e.Status)
	if status == "" {
		status = "missing"
	}
	return fmt.Sprintf("%s: project %s stage %s: segment %d is %s",
		ErrIncompleteManuscript, e.ProjectID, e.Stage, e.Index, status)
}

func (e *IncompleteManuscriptError) Unwrap() error {
	return ErrIncompleteManuscript
}

// IsTransformError reports whether err is one of the segment-scoped transform failures.
func IsTransformError(err error) bool {
	return errors.Is(err, ErrTransformTimeout) ||
		errors.Is(err, ErrTransformRejected) ||
		errors.Is(err, ErrTransformUnavailable)
}
