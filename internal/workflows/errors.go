package workflows

import (
	"errors"
	"fmt"
	"os"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/storybook/internal/editor"
	"github.com/fyrsmithlabs/storybook/internal/manuscript"
	"github.com/fyrsmithlabs/storybook/internal/project"
)

// Application error types reported to Temporal.
const (
	ErrTypeInvalidInput      = "InvalidInput"
	ErrTypeInvalidTransition = "InvalidTransition"
	ErrTypeNotFound          = "NotFound"
	ErrTypeIncomplete        = "ImprovementIncomplete"
)

// permanentErrors cannot be fixed by retrying the activity.
var permanentErrors = []struct {
	err     error
	errType string
}{
	{manuscript.ErrInvalidBudget, ErrTypeInvalidInput},
	{project.ErrInvalidProjectID, ErrTypeInvalidInput},
	{editor.ErrEmptyManuscript, ErrTypeInvalidInput},
	{editor.ErrManuscriptChanged, ErrTypeInvalidInput},
	{os.ErrNotExist, ErrTypeInvalidInput},
	{manuscript.ErrInvalidTransition, ErrTypeInvalidTransition},
	{manuscript.ErrProjectNotFound, ErrTypeNotFound},
}

// WrapActivityError wraps an activity error with operation context and marks
// permanent failures as non-retryable. Transform, storage and pipeline
// failures stay retryable.
func WrapActivityError(operation string, err error) error {
	if err == nil {
		return nil
	}
	for _, p := range permanentErrors {
		if errors.Is(err, p.err) {
			return temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("%s: %v", operation, err), p.errType, err)
		}
	}
	return fmt.Errorf("%s: %w", operation, err)
}
