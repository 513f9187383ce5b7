// Storybook is an AI-assisted editor for book-length manuscripts.
//
// A manuscript is taken in, split into overlapping segments, revised segment
// by segment by a language model, reassembled and given a finishing pass that
// also produces an executive summary.
//
// Usage:
//
//	# Take in a manuscript and improve it
//	storybook intake --project rain --title "The Long Rain" draft.txt
//	storybook improve --project rain draft.txt
//
//	# Write the finished manuscript and its summary
//	storybook finalize --project rain --out ./out
//
//	# Serve project status over HTTP
//	storybook serve
//
//	# Run the durable workflow worker and start a workflow
//	storybook worker
//	storybook workflow start --title "The Long Rain" /shared/draft.txt
//
// Configuration is read from ~/.config/storybook/config.yaml and STORYBOOK_*
// environment variables. See internal/config for details.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/storybook/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	projectID  string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "storybook",
		Short: "AI-assisted editing for book-length manuscripts",
		Long: `storybook takes a manuscript through intake, segment-by-segment improvement
and a finishing pass, keeping progress in a local store so interrupted runs
resume where they stopped.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/storybook/config.yaml)")

	root.AddCommand(
		newIntakeCmd(),
		newImproveCmd(),
		newFinalizeCmd(),
		newStatusCmd(),
		newDeleteCmd(),
		newServeCmd(),
		newWorkerCmd(),
		newWorkflowCmd(),
	)
	return root
}

// withApp runs fn with a wired app and releases it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(logging.WithLogger(ctx, a.logger), a)
}

func readManuscript(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read manuscript %s: %w", path, err)
	}
	return string(data), nil
}
