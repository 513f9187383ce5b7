package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storybook/internal/config"
	"github.com/fyrsmithlabs/storybook/internal/logging"
	"github.com/fyrsmithlabs/storybook/internal/workflows"
)

func dialTemporal(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

func taskQueue(cfg config.TemporalConfig) string {
	if cfg.TaskQueue == "" {
		return workflows.DefaultTaskQueue
	}
	return cfg.TaskQueue
}

func newWorkerCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the durable manuscript workflow worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return runWorker(ctx, a, outDir)
			})
		},
	}
	cmd.Flags().StringVar(&outDir, "out", ".", "directory receiving finished manuscripts")
	return cmd
}

func runWorker(ctx context.Context, a *app, outDir string) error {
	c, err := dialTemporal(a.cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()

	log := logging.FromContext(ctx)
	queue := taskQueue(a.cfg.Temporal)
	log.Info(ctx, "temporal client connected",
		zap.String("host", a.cfg.Temporal.HostPort),
		zap.String("namespace", a.cfg.Temporal.Namespace))

	w := worker.New(c, queue, worker.Options{
		// Segment-level concurrency is bounded by the orchestrator.
		MaxConcurrentActivityExecutionSize: 4,
	})
	w.RegisterWorkflow(workflows.ManuscriptWorkflow)
	w.RegisterActivity(&workflows.Activities{
		Service:   a.service,
		OutputDir: outDir,
		Logger:    log.Underlying().Named("workflows"),
	})

	log.Info(ctx, "worker configured", zap.String("task_queue", queue))

	if err := w.Start(); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}
	<-ctx.Done()
	log.Info(ctx, "shutdown signal received")
	w.Stop()
	log.Info(ctx, "worker stopped gracefully")
	return nil
}

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Start and inspect durable manuscript workflows",
	}
	cmd.AddCommand(newWorkflowStartCmd())
	return cmd
}

func newWorkflowStartCmd() *cobra.Command {
	var (
		title  string
		rounds int
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "start <file>",
		Short: "Start a manuscript workflow",
		Long: `Start a workflow that takes a manuscript from intake to a finished book.

The file path is read by the worker, so it must be reachable from the worker host.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			c, err := dialTemporal(cfg.Temporal)
			if err != nil {
				return err
			}
			defer c.Close()

			in := workflows.ManuscriptInput{
				ProjectID:            projectID,
				Title:                title,
				Path:                 path,
				MaxImprovementRounds: rounds,
			}
			opts := client.StartWorkflowOptions{
				TaskQueue:                taskQueue(cfg.Temporal),
				WorkflowExecutionTimeout: 7 * 24 * time.Hour,
			}
			if projectID != "" {
				opts.ID = "manuscript-" + projectID
			}
			run, err := c.ExecuteWorkflow(ctx, opts, workflows.ManuscriptWorkflow, in)
			if err != nil {
				return fmt.Errorf("failed to start workflow: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Workflow: %s\nRun:      %s\n", run.GetID(), run.GetRunID())
			if !wait {
				return nil
			}

			var result workflows.ManuscriptResult
			if err := run.Get(ctx, &result); err != nil {
				return err
			}
			fmt.Fprintf(out, "Project:    %s\nRounds:     %d\nManuscript: %s\nSummary:    %s\n",
				result.ProjectID, result.ImprovementRounds, result.TextPath, result.DigestPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (derived from the title when empty)")
	cmd.Flags().StringVar(&title, "title", "", "manuscript title")
	cmd.Flags().IntVar(&rounds, "rounds", 0, "maximum improvement rounds (default 3)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the workflow to finish")
	return cmd
}
