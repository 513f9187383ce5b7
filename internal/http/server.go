// Package http provides the read-only status API for storybook projects.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storybook/internal/logging"
	"github.com/fyrsmithlabs/storybook/internal/manuscript"
	"github.com/fyrsmithlabs/storybook/internal/project"
	"github.com/fyrsmithlabs/storybook/internal/telemetry"
)

// ProjectReader reads project state and results. *editor.Service implements it.
type ProjectReader interface {
	Status(ctx context.Context, projectID string) (manuscript.ProjectState, error)
	Results(ctx context.Context, projectID string, stage manuscript.Stage) ([]manuscript.SegmentResult, error)
}

// Server provides HTTP endpoints for storybook.
type Server struct {
	echo      *echo.Echo
	projects  ProjectReader
	telemetry *telemetry.Telemetry
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithTelemetry reports telemetry health on /health.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) {
		s.telemetry = t
	}
}

// WithMetrics instruments requests with m.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) {
		s.echo.Use(m.MetricsMiddleware())
	}
}

// NewServer creates a new HTTP server.
func NewServer(projects ProjectReader, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if projects == nil {
		return nil, fmt.Errorf("project reader cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(c.Request().WithContext(logging.WithRequestID(c.Request().Context(), requestID)))

			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request.id", requestID),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		projects: projects,
		logger:   logger,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/projects/:id", s.handleProject)
	v1.GET("/projects/:id/results", s.handleResults)
	v1.GET("/projects/:id/results/:index", s.handleResult)
}

// Echo returns the underlying echo instance for registering extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// handleHealth reports liveness and telemetry health.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.telemetry != nil {
		h := s.telemetry.Health()
		switch {
		case h.Degraded:
			resp.Telemetry = "degraded"
		case h.Healthy:
			resp.Telemetry = "healthy"
		default:
			resp.Telemetry = "disabled"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleProject returns the project state.
func (s *Server) handleProject(c echo.Context) error {
	id := c.Param("id")
	if err := project.ValidateID(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	state, err := s.projects.Status(c.Request().Context(), id)
	switch {
	case err == nil:
		ProjectLookupsTotal.WithLabelValues("found").Inc()
	case errors.Is(err, manuscript.ErrProjectNotFound):
		ProjectLookupsTotal.WithLabelValues("not_found").Inc()
	default:
		ProjectLookupsTotal.WithLabelValues("error").Inc()
	}
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, newProjectResponse(state))
}

// handleResults lists result statuses for a stage.
func (s *Server) handleResults(c echo.Context) error {
	id, stage, err := projectAndStage(c)
	if err != nil {
		return err
	}

	results, err := s.projects.Results(c.Request().Context(), id, stage)
	if err != nil {
		return s.toHTTPError(c, err)
	}

	resp := ResultsResponse{
		ProjectID: id,
		Stage:     stage,
		Counts:    make(map[manuscript.ResultStatus]int),
		Results:   make([]ResultSummary, 0, len(results)),
	}
	for _, r := range results {
		resp.Counts[r.Status]++
		resp.Results = append(resp.Results, newResultSummary(r))
	}
	return c.JSON(http.StatusOK, resp)
}

// handleResult returns one result including its text.
func (s *Server) handleResult(c echo.Context) error {
	id, stage, err := projectAndStage(c)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "index must be a positive integer")
	}

	results, err := s.projects.Results(c.Request().Context(), id, stage)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	for _, r := range results {
		if r.SegmentIndex == index {
			return c.JSON(http.StatusOK, ResultResponse{
				ResultSummary: newResultSummary(r),
				Stage:         r.Stage,
				OriginalText:  r.OriginalText,
				RevisedText:   r.RevisedText,
				Summary:       r.Summary,
			})
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no %s result for segment %d", stage, index))
}

func projectAndStage(c echo.Context) (string, manuscript.Stage, error) {
	id := c.Param("id")
	if err := project.ValidateID(id); err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	stage := manuscript.Stage(c.QueryParam("stage"))
	switch stage {
	case "":
		stage = manuscript.StageImprovement
	case manuscript.StageImprovement, manuscript.StageFinalization:
	default:
		return "", "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown stage %q", stage))
	}
	return id, stage, nil
}

// toHTTPError maps domain errors to HTTP errors. Unexpected errors are logged
// and reported without detail.
func (s *Server) toHTTPError(c echo.Context, err error) error {
	if errors.Is(err, manuscript.ErrProjectNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	s.logger.Error("request failed", append(logging.ContextFields(c.Request().Context()), zap.Error(err))...)
	if errors.Is(err, manuscript.ErrStorageUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
