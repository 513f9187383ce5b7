package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/storybook/internal/manuscript"
)

const (
	// InstrumentationName is the name used for OTEL instrumentation.
	InstrumentationName = "github.com/fyrsmithlabs/storybook/internal/pipeline"
)

// Outcome labels a processed segment in metrics.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeTimeout   Outcome = "timeout"
)

// Metrics provides OpenTelemetry metrics for the pipeline.
type Metrics struct {
	segmentsTotal metric.Int64Counter
	runsTotal     metric.Int64Counter

	inFlight metric.Int64UpDownCounter

	transformDuration metric.Float64Histogram
	runDuration       metric.Float64Histogram

	initialized bool
}

// NewMetrics creates pipeline metrics with the provided meter.
// If meter is nil, uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.segmentsTotal, err = meter.Int64Counter(
		"storybook.pipeline.segments.total",
		metric.WithDescription("Segments processed, labeled by stage and outcome"),
		metric.WithUnit("{segment}"),
	)
	if err != nil {
		return nil, err
	}

	m.runsTotal, err = meter.Int64Counter(
		"storybook.pipeline.runs.total",
		metric.WithDescription("Pipeline runs, labeled by stage and result"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.inFlight, err = meter.Int64UpDownCounter(
		"storybook.pipeline.segments.in_flight",
		metric.WithDescription("Segments currently being transformed"),
		metric.WithUnit("{segment}"),
	)
	if err != nil {
		return nil, err
	}

	m.transformDuration, err = meter.Float64Histogram(
		"storybook.pipeline.transform.duration.seconds",
		metric.WithDescription("Duration of a single segment transform in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	m.runDuration, err = meter.Float64Histogram(
		"storybook.pipeline.run.duration.seconds",
		metric.WithDescription("Duration of a pipeline run in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 60, 300, 900, 1800, 3600, 7200),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordSegment records one segment outcome.
func (m *Metrics) RecordSegment(ctx context.Context, stage manuscript.Stage, outcome Outcome) {
	if m == nil || !m.initialized {
		return
	}
	m.segmentsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("outcome", string(outcome)),
	))
}

// RecordTransform records transform latency.
func (m *Metrics) RecordTransform(ctx context.Context, stage manuscript.Stage, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	m.transformDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", string(stage)),
	))
}

// TransformStarted increments the in-flight gauge.
func (m *Metrics) TransformStarted(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.inFlight.Add(ctx, 1)
}

// TransformFinished decrements the in-flight gauge.
func (m *Metrics) TransformFinished(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.inFlight.Add(ctx, -1)
}

// RecordRun records a completed run.
func (m *Metrics) RecordRun(ctx context.Context, stage manuscript.Stage, result string, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("result", result),
	)
	m.runsTotal.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}
