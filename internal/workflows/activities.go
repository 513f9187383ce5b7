package workflows

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.temporal.io/sdk/activity"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storybook/internal/editor"
	"github.com/fyrsmithlabs/storybook/internal/logging"
	"github.com/fyrsmithlabs/storybook/internal/manuscript"
	"github.com/fyrsmithlabs/storybook/internal/pipeline"
	"github.com/fyrsmithlabs/storybook/internal/reassembly"
)

// Service is the manuscript lifecycle driven by the activities.
// *editor.Service implements it.
type Service interface {
	Intake(ctx context.Context, req editor.IntakeRequest) (*editor.IntakeResult, error)
	Improve(ctx context.Context, projectID, text string) (pipeline.Summary, manuscript.ProjectState, error)
	Finalize(ctx context.Context, projectID string) (*reassembly.Artifact, error)
	Status(ctx context.Context, projectID string) (manuscript.ProjectState, error)
}

// Activities hosts the manuscript activities. Register an instance with the
// worker; the workflow refers to its methods.
type Activities struct {
	Service Service
	// OutputDir receives the finished manuscript and its digest.
	OutputDir string
	Logger    *zap.Logger
}

// IntakeInput is the input of the Intake activity.
type IntakeInput struct {
	ProjectID string
	Title     string
	// Path is a manuscript file readable by the worker.
	Path string
}

// IntakeOutput is the output of the Intake activity.
type IntakeOutput struct {
	ProjectID string
	Segments  int
	Phase     manuscript.Phase
}

// ImproveInput is the input of the Improve activity.
type ImproveInput struct {
	ProjectID string
	Path      string
}

// ImproveOutput is the output of the Improve activity.
type ImproveOutput struct {
	Succeeded int
	Failed    int
	Skipped   int
	Processed int
	Total     int
	Phase     manuscript.Phase
}

// FinalizeInput is the input of the Finalize activity.
type FinalizeInput struct {
	ProjectID string
}

// FinalizeOutput is the output of the Finalize activity.
type FinalizeOutput struct {
	Windows    int
	TextPath   string
	DigestPath string
}

func (a *Activities) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// claimOwner ties segment claims to the workflow execution, so a retried
// activity or a later round takes back claims orphaned by a crashed attempt.
func claimOwner(ctx context.Context) context.Context {
	id := activity.GetInfo(ctx).WorkflowExecution.ID
	if id == "" {
		return ctx
	}
	return pipeline.WithClaimOwner(ctx, "workflow:"+id)
}

// record reports the duration and outcome of an activity.
func (a *Activities) record(ctx context.Context, name string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("activity", name))
	activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
		a.logger().Warn("activity failed", append(logging.ContextFields(ctx),
			zap.String("activity", name), zap.Error(err))...)
	}
}

// Intake takes in the manuscript. A retry after the project was created
// returns the recorded state instead of failing.
func (a *Activities) Intake(ctx context.Context, in IntakeInput) (out IntakeOutput, err error) {
	defer func(start time.Time) { a.record(ctx, "intake", start, err) }(time.Now())
	ctx = logging.WithProjectID(ctx, in.ProjectID)

	text, err := os.ReadFile(in.Path)
	if err != nil {
		return IntakeOutput{}, WrapActivityError("read manuscript", err)
	}

	res, err := a.Service.Intake(ctx, editor.IntakeRequest{
		ProjectID: in.ProjectID,
		Title:     in.Title,
		Text:      string(text),
	})
	if errors.Is(err, manuscript.ErrProjectExists) && in.ProjectID != "" {
		state, serr := a.Service.Status(ctx, in.ProjectID)
		if serr != nil {
			return IntakeOutput{}, WrapActivityError("intake", serr)
		}
		return IntakeOutput{ProjectID: state.ProjectID, Segments: state.TotalSegments, Phase: state.Phase}, nil
	}
	if err != nil {
		return IntakeOutput{}, WrapActivityError("intake", err)
	}
	return IntakeOutput{
		ProjectID: res.State.ProjectID,
		Segments:  res.Segments,
		Phase:     res.State.Phase,
	}, nil
}

// Improve runs one improvement round.
func (a *Activities) Improve(ctx context.Context, in ImproveInput) (out ImproveOutput, err error) {
	defer func(start time.Time) { a.record(ctx, "improve", start, err) }(time.Now())
	ctx = logging.WithProjectID(ctx, in.ProjectID)

	text, err := os.ReadFile(in.Path)
	if err != nil {
		return ImproveOutput{}, WrapActivityError("read manuscript", err)
	}

	summary, state, err := a.Service.Improve(claimOwner(ctx), in.ProjectID, string(text))
	if err != nil {
		return ImproveOutput{}, WrapActivityError("improve", err)
	}
	return ImproveOutput{
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Skipped:   summary.Skipped,
		Processed: state.SegmentsProcessed,
		Total:     state.TotalSegments,
		Phase:     state.Phase,
	}, nil
}

// Finalize runs the finishing pass and writes the manuscript and digest to
// OutputDir.
func (a *Activities) Finalize(ctx context.Context, in FinalizeInput) (out FinalizeOutput, err error) {
	defer func(start time.Time) { a.record(ctx, "finalize", start, err) }(time.Now())
	ctx = logging.WithProjectID(ctx, in.ProjectID)

	artifact, err := a.Service.Finalize(claimOwner(ctx), in.ProjectID)
	if err != nil {
		return FinalizeOutput{}, WrapActivityError("finalize", err)
	}

	textPath, digestPath, err := WriteArtifact(a.OutputDir, in.ProjectID, artifact)
	if err != nil {
		return FinalizeOutput{}, WrapActivityError("write artifact", err)
	}
	return FinalizeOutput{Windows: artifact.Windows, TextPath: textPath, DigestPath: digestPath}, nil
}

// WriteArtifact writes <projectID>.txt and <projectID>_executive_summary.txt
// into dir and returns their paths.
func WriteArtifact(dir, projectID string, artifact *reassembly.Artifact) (textPath, digestPath string, err error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}
	textPath = filepath.Join(dir, projectID+".txt")
	digestPath = filepath.Join(dir, projectID+"_executive_summary.txt")
	if err := os.WriteFile(textPath, []byte(artifact.Text+"\n"), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write manuscript: %w", err)
	}
	if err := os.WriteFile(digestPath, []byte(artifact.Digest+"\n"), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write digest: %w", err)
	}
	return textPath, digestPath, nil
}
