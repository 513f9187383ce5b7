// Package workflows runs the manuscript lifecycle as a durable Temporal workflow.
//
// ManuscriptWorkflow drives a project from intake to a finished manuscript.
// Every step is an activity backed by the editor service, so a crashed worker
// resumes where the store says the project stands.
package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/storybook/internal/manuscript"
	"github.com/fyrsmithlabs/storybook/internal/project"
)

// DefaultTaskQueue is the task queue the worker listens on.
const DefaultTaskQueue = "storybook"

const (
	defaultImprovementRounds = 3
	defaultRoundDelay        = time.Minute
)

// ManuscriptInput configures the manuscript workflow.
type ManuscriptInput struct {
	// ProjectID is derived from Title when empty.
	ProjectID string
	Title     string
	// Path is a manuscript file readable by the worker.
	Path string
	// MaxImprovementRounds bounds how often failed segments are retried.
	MaxImprovementRounds int
	// RoundDelay is the pause between improvement rounds.
	RoundDelay time.Duration
}

// ManuscriptResult reports the outcome of the manuscript workflow.
type ManuscriptResult struct {
	ProjectID         string
	Segments          int
	ImprovementRounds int
	Windows           int
	TextPath          string
	DigestPath        string
}

// ManuscriptWorkflow takes a manuscript through intake, improvement and
// finalization.
//
// Improvement runs in rounds. Each round retries only the segments that have
// not succeeded; the workflow fails once MaxImprovementRounds rounds leave
// segments unfinished. A workflow started for a project that is already past
// a phase skips that phase.
func ManuscriptWorkflow(ctx workflow.Context, in ManuscriptInput) (*ManuscriptResult, error) {
	logger := workflow.GetLogger(ctx)

	if in.MaxImprovementRounds <= 0 {
		in.MaxImprovementRounds = defaultImprovementRounds
	}
	if in.RoundDelay <= 0 {
		in.RoundDelay = defaultRoundDelay
	}
	if in.ProjectID == "" {
		var id string
		if err := workflow.SideEffect(ctx, func(workflow.Context) interface{} {
			return project.NewID(in.Title)
		}).Get(&id); err != nil {
			return nil, err
		}
		in.ProjectID = id
	}

	logger.Info("Starting manuscript workflow", "project", in.ProjectID, "path", in.Path)

	retry := &temporal.RetryPolicy{
		InitialInterval:    10 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    5 * time.Minute,
		MaximumAttempts:    3,
	}
	shortCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy:         retry,
	})
	longCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 12 * time.Hour,
		RetryPolicy:         retry,
	})

	var a *Activities
	result := &ManuscriptResult{ProjectID: in.ProjectID}

	// Step 1: intake
	var intake IntakeOutput
	if err := workflow.ExecuteActivity(shortCtx, a.Intake, IntakeInput{
		ProjectID: in.ProjectID,
		Title:     in.Title,
		Path:      in.Path,
	}).Get(ctx, &intake); err != nil {
		return result, err
	}
	result.Segments = intake.Segments
	phase := intake.Phase

	// Step 2: improvement rounds
	for phase == manuscript.PhaseImprovement || phase == manuscript.PhaseAssessment {
		if result.ImprovementRounds == in.MaxImprovementRounds {
			return result, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("improvement incomplete after %d rounds", result.ImprovementRounds),
				ErrTypeIncomplete, nil)
		}
		if result.ImprovementRounds > 0 {
			if err := workflow.Sleep(ctx, in.RoundDelay); err != nil {
				return result, err
			}
		}
		result.ImprovementRounds++

		var improve ImproveOutput
		if err := workflow.ExecuteActivity(longCtx, a.Improve, ImproveInput{
			ProjectID: in.ProjectID,
			Path:      in.Path,
		}).Get(ctx, &improve); err != nil {
			return result, err
		}
		logger.Info("Improvement round complete",
			"round", result.ImprovementRounds,
			"succeeded", improve.Succeeded,
			"failed", improve.Failed,
			"processed", improve.Processed,
			"total", improve.Total)
		phase = improve.Phase
	}

	// Step 3: finalization
	var finalize FinalizeOutput
	if err := workflow.ExecuteActivity(longCtx, a.Finalize, FinalizeInput{
		ProjectID: in.ProjectID,
	}).Get(ctx, &finalize); err != nil {
		return result, err
	}
	result.Windows = finalize.Windows
	result.TextPath = finalize.TextPath
	result.DigestPath = finalize.DigestPath

	logger.Info("Manuscript workflow complete",
		"project", in.ProjectID,
		"rounds", result.ImprovementRounds,
		"windows", result.Windows)
	return result, nil
}
