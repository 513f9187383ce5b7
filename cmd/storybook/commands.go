package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/storybook/internal/editor"
	"github.com/fyrsmithlabs/storybook/internal/manuscript"
	"github.com/fyrsmithlabs/storybook/internal/pipeline"
	"github.com/fyrsmithlabs/storybook/internal/workflows"
)

func newIntakeCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "intake <file>",
		Short: "Take in a manuscript and assess it",
		Long: `Segment a manuscript, record a new project and assess the opening pages.

Examples:
  storybook intake --project rain --title "The Long Rain" draft.txt
  storybook intake --title "The Long Rain" draft.txt   # derives the project id`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readManuscript(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.service.Intake(ctx, editor.IntakeRequest{
					ProjectID: projectID,
					Title:     title,
					Text:      text,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Project:   %s\n", res.State.ProjectID)
				fmt.Fprintf(out, "Segments:  %d\n", res.Segments)
				if res.OversizedUnits > 0 {
					fmt.Fprintf(out, "Oversized: %d sentence(s) exceed the segment budget\n", res.OversizedUnits)
				}
				if res.Merges > 0 {
					fmt.Fprintf(out, "Merged:    %d chapter boundary segment(s)\n", res.Merges)
				}
				fmt.Fprintf(out, "Phase:     %s\n", res.State.Phase)
				fmt.Fprintf(out, "Focus:     %s\n", res.State.Assessment.Focus())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (derived from the title when empty)")
	cmd.Flags().StringVar(&title, "title", "", "manuscript title")
	return cmd
}

func newImproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "improve <file>",
		Short: "Revise every segment that has not succeeded yet",
		Long: `Run one improvement round. Segments that already succeeded are skipped, so
running improve again retries only the failures.

The file must be the same manuscript given to intake.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readManuscript(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				summary, state, err := a.service.Improve(ctx, projectID, text)
				printSummary(cmd.OutOrStdout(), summary, state)
				var exhausted *manuscript.PipelineExhaustedError
				if errors.As(err, &exhausted) {
					return fmt.Errorf("%w; run improve again to retry", err)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func printSummary(w io.Writer, s pipeline.Summary, state manuscript.ProjectState) {
	fmt.Fprintf(w, "Succeeded: %d\n", s.Succeeded)
	fmt.Fprintf(w, "Failed:    %d\n", s.Failed)
	fmt.Fprintf(w, "Skipped:   %d\n", s.Skipped)
	if s.Undispatched > 0 {
		fmt.Fprintf(w, "Pending:   %d\n", s.Undispatched)
	}
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  segment %d: %v\n", f.Index, f.Err)
	}
	if state.ProjectID != "" {
		fmt.Fprintf(w, "Progress:  %d/%d (%s)\n", state.SegmentsProcessed, state.TotalSegments, state.Phase)
	}
}

func newFinalizeCmd() *cobra.Command {
	var outDir, digestOut string
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Run the finishing pass and write the manuscript",
		Long: `Reassemble the improved segments, run the finishing pass and write
<project>.txt and <project>_executive_summary.txt to the output directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				artifact, err := a.service.Finalize(ctx, projectID)
				if err != nil {
					return err
				}
				textPath, digestPath, err := workflows.WriteArtifact(outDir, projectID, artifact)
				if err != nil {
					return err
				}
				if digestOut != "" && digestOut != digestPath {
					if err := moveFile(digestPath, digestOut); err != nil {
						return err
					}
					digestPath = digestOut
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Windows:   %d\nManuscript: %s\nSummary:    %s\n",
					artifact.Windows, textPath, digestPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	cmd.Flags().StringVar(&digestOut, "digest", "", "executive summary path (default <out>/<project>_executive_summary.txt)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// moveFile copies src to dst and removes src. Unlike os.Rename it works
// across filesystems.
func moveFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create digest directory: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write digest: %w", err)
	}
	return os.Remove(src)
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				state, err := a.service.Status(ctx, projectID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(state)
				}
				fmt.Fprintf(out, "Project:  %s\n", state.ProjectID)
				if state.Title != "" {
					fmt.Fprintf(out, "Title:    %s\n", state.Title)
				}
				fmt.Fprintf(out, "Phase:    %s\n", state.Phase)
				fmt.Fprintf(out, "Progress: %d/%d (%.0f%%)\n",
					state.SegmentsProcessed, state.TotalSegments, state.Progress()*100)
				fmt.Fprintf(out, "Focus:    %s\n", state.Assessment.Focus())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw project state as JSON")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project and all of its results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.service.Delete(ctx, projectID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", projectID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
