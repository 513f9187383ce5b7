package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storybook/internal/config"
	"github.com/fyrsmithlabs/storybook/internal/editor"
	"github.com/fyrsmithlabs/storybook/internal/events"
	"github.com/fyrsmithlabs/storybook/internal/logging"
	"github.com/fyrsmithlabs/storybook/internal/manuscript"
	"github.com/fyrsmithlabs/storybook/internal/pipeline"
	"github.com/fyrsmithlabs/storybook/internal/segment"
	"github.com/fyrsmithlabs/storybook/internal/store"
	"github.com/fyrsmithlabs/storybook/internal/telemetry"
	"github.com/fyrsmithlabs/storybook/internal/transform"
)

// app holds the dependencies shared by every command.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     manuscript.Store
	service   *editor.Service
	natsConn  *nats.Conn
	closers   []func()
}

// newApp loads configuration and wires the editor service.
//
// Initialization order:
//  1. Configuration
//  2. Telemetry, then the logger so OTEL log export sees the providers
//  3. State store
//  4. NATS progress events (optional)
//  5. Model client, segmenter, orchestrator and editor service
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.telemetry = tel
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	})

	logger, err := logging.NewLogger(loggingConfig(cfg.Logging), global.GetLoggerProvider())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger
	a.closers = append(a.closers, func() { _ = logger.Sync() })
	zl := logger.Underlying()

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	publisher, err := a.connectEvents(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	completer, err := transform.NewCompleter(cfg.Model, zl.Named("transform"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}
	ed := transform.NewEditor(completer, transform.WithEditorLogger(zl.Named("editor")))

	counter, err := segment.NewCounter(cfg.Segmentation.Encoding)
	if err != nil {
		logger.Warn(ctx, "token encoding unavailable, approximating token counts",
			zap.String("encoding", cfg.Segmentation.Encoding), zap.Error(err))
	}
	segmenter, err := segment.New(segmentConfig(cfg.Segmentation), counter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid segmentation config: %w", err)
	}

	metrics, err := pipeline.NewMetrics(tel.Meter("github.com/fyrsmithlabs/storybook/internal/pipeline"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	orch, err := pipeline.New(a.store, pipelineConfig(cfg.Pipeline),
		pipeline.WithMetrics(metrics),
		pipeline.WithTracer(tel.Tracer("github.com/fyrsmithlabs/storybook/internal/pipeline")),
		pipeline.WithLogger(zl.Named("pipeline")),
		pipeline.WithPublisher(publisher),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	svc, err := editor.New(editor.Options{
		Store:        a.store,
		Segmenter:    segmenter,
		Orchestrator: orch,
		Transform:    ed,
		Assessor:     ed,
		Publisher:    publisher,
		WindowChars:  cfg.Finalization.WindowChars,
		Counter:      counter,
		Logger:       zl,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create editor service: %w", err)
	}
	a.service = svc

	logger.Debug(ctx, "storybook initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("model.provider", cfg.Model.Provider),
		zap.String("model.name", cfg.Model.Name),
		zap.Bool("events", a.natsConn != nil),
		zap.Bool("telemetry", tel.IsEnabled()))
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	lease := store.WithClaimLease(a.cfg.Store.ClaimLease.Duration())
	switch a.cfg.Store.Driver {
	case "memory":
		a.store = store.NewMemoryStore(lease)
		return nil
	default:
		path := a.cfg.Store.Path
		if path == "" {
			path = store.DefaultDBPath()
		}
		s, err := store.OpenSQLite(ctx, path, lease)
		if err != nil {
			return fmt.Errorf("failed to open store at %s: %w", path, err)
		}
		a.store = s
		a.closers = append(a.closers, func() { _ = s.Close() })
		return nil
	}
}

func (a *app) connectEvents(ctx context.Context) (events.Publisher, error) {
	if !a.cfg.Events.Enabled {
		return events.NopPublisher{}, nil
	}
	nc, err := events.Connect(a.cfg.Events.URL, "storybook")
	if err != nil {
		return nil, err
	}
	a.natsConn = nc
	a.closers = append(a.closers, func() { _ = nc.Drain() })
	a.logger.Info(ctx, "connected to nats", zap.String("url", a.cfg.Events.URL))
	return events.NewNATSPublisher(nc, a.cfg.Events.SubjectPrefix, a.logger.Underlying().Named("events")), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func loggingConfig(c config.LoggingConfig) *logging.Config {
	cfg := logging.NewDefaultConfig()
	if c.Level != "" {
		cfg.Level = c.Level
	}
	if c.Format != "" {
		cfg.Format = c.Format
	}
	cfg.Output.OTEL = c.OTEL
	return cfg
}

func segmentConfig(c config.SegmentationConfig) segment.Config {
	cfg := segment.DefaultConfig()
	cfg.MaxTokens = c.MaxTokens
	cfg.OverlapTokens = c.OverlapTokens
	cfg.ChapterTailRatio = c.ChapterTailRatio
	cfg.MergeSlack = c.MergeSlack
	if len(c.ChapterPatterns) > 0 {
		cfg.ChapterPatterns = c.ChapterPatterns
	}
	return cfg
}

func pipelineConfig(c config.PipelineConfig) pipeline.Config {
	return pipeline.Config{
		Concurrency:      c.Concurrency,
		TransformTimeout: c.TransformTimeout.Duration(),
	}
}
