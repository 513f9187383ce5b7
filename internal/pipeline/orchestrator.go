// Package pipeline fans segments out to a transform through a bounded worker
// pool, persists every outcome, and resumes only outstanding work on re-run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storybook/internal/events"
	"github.com/fyrsmithlabs/storybook/internal/logging"
	"github.com/fyrsmithlabs/storybook/internal/manuscript"
	"github.com/fyrsmithlabs/storybook/internal/segment"
)

// MaxDefaultConcurrency caps the default worker count.
const MaxDefaultConcurrency = 5

const (
	releaseTimeout  = 5 * time.Second
	releaseAttempts = 3
)

// DefaultConcurrency returns min(5, NumCPU).
func DefaultConcurrency() int {
	return min(MaxDefaultConcurrency, runtime.NumCPU())
}

// Config holds orchestrator configuration.
type Config struct {
	// Concurrency bounds parallel transforms. Zero selects DefaultConcurrency.
	Concurrency int `json:"concurrency" koanf:"concurrency"`
	// TransformTimeout bounds each transform call. Zero disables the bound.
	TransformTimeout time.Duration `json:"transform_timeout" koanf:"transform_timeout"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      DefaultConcurrency(),
		TransformTimeout: 5 * time.Minute,
	}
}

// Job describes one pipeline run.
type Job struct {
	ProjectID string
	Stage     manuscript.Stage
	Segments  []segment.Segment
	Transform Transform
	// Focus overrides the focus derived from the project's assessment.
	Focus string
	// Concurrency overrides the orchestrator default when positive.
	Concurrency int
	// Owner identifies the claimant across runs. A run takes back pending
	// claims left by an earlier run of the same owner without waiting for the
	// lease. Empty selects ClaimOwner(ctx).
	Owner string
}

type ownerKey struct{}

// WithClaimOwner returns a context whose runs claim segments as owner.
func WithClaimOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// ClaimOwner returns the claim owner carried by ctx, or "".
func ClaimOwner(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// Failure records why a segment failed in a run.
type Failure struct {
	Index int
	Err   error
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID     string
	Succeeded int
	Failed    int
	// Skipped counts segments that already succeeded or are claimed elsewhere.
	Skipped int
	// Undispatched counts segments never started because the run was cancelled.
	Undispatched int
	Failures     []Failure
}

// Dispatched returns the number of segments that were attempted.
func (s Summary) Dispatched() int {
	return s.Succeeded + s.Failed
}

// Orchestrator runs segments through a transform with bounded parallelism.
type Orchestrator struct {
	store     manuscript.Store
	config    Config
	metrics   *Metrics
	logger    *zap.Logger
	publisher events.Publisher
	tracer    trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics sets custom metrics for the orchestrator.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithTracer sets the tracer used for run and segment spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// WithPublisher sets the progress event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// New creates an Orchestrator.
func New(store manuscript.Store, cfg Config, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency()
	}
	if cfg.TransformTimeout < 0 {
		return nil, fmt.Errorf("transform timeout must not be negative, got %s", cfg.TransformTimeout)
	}

	o := &Orchestrator{
		store:  store,
		config: cfg,
		tracer: otel.Tracer(InstrumentationName),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.metrics == nil {
		// Metrics are best effort; a nil *Metrics records nothing.
		o.metrics, _ = NewMetrics(nil)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.publisher == nil {
		o.publisher = events.NopPublisher{}
	}
	return o, nil
}

// Run processes segments in the improvement stage.
func (o *Orchestrator) Run(ctx context.Context, projectID string, segments []segment.Segment, transform Transform) (Summary, error) {
	return o.RunStage(ctx, Job{
		ProjectID: projectID,
		Stage:     manuscript.StageImprovement,
		Segments:  segments,
		Transform: transform,
	})
}

// run carries the mutable state of a single RunStage call.
type run struct {
	mu      sync.Mutex
	summary Summary
	lastErr error
}

func (r *run) succeeded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Succeeded++
}

func (r *run) failed(index int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Failed++
	r.summary.Failures = append(r.summary.Failures, Failure{Index: index, Err: err})
}

func (r *run) skipped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Skipped++
}

// RunStage processes the job's segments.
//
// Segments are claimed and dispatched in increasing index order. Segments
// whose result already succeeded are skipped. Each failure is isolated to its
// segment; the run fails with *manuscript.PipelineExhaustedError only when work
// was dispatched and nothing succeeded. Cancelling ctx stops dispatch; segments
// already in flight finish and persist their results, and the run returns the
// cancellation error alongside the partial summary.
func (o *Orchestrator) RunStage(ctx context.Context, job Job) (Summary, error) {
	if job.Transform == nil {
		return Summary{}, errors.New("transform is required")
	}
	if job.Stage == "" {
		job.Stage = manuscript.StageImprovement
	}
	if job.Owner == "" {
		job.Owner = ClaimOwner(ctx)
	}

	runID := uuid.NewString()
	ctx = logging.WithProjectID(ctx, job.ProjectID)
	ctx = logging.WithRunID(ctx, runID)
	ctx, span := o.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("project.id", job.ProjectID),
			attribute.String("run.id", runID),
			attribute.String("stage", string(job.Stage)),
			attribute.Int("segments.count", len(job.Segments)),
		),
	)
	defer span.End()
	start := time.Now()

	state, err := o.store.GetState(ctx, job.ProjectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Summary{RunID: runID}, fmt.Errorf("failed to load project state: %w", err)
	}

	focus := job.Focus
	if strings.TrimSpace(focus) == "" {
		focus = state.Assessment.Focus()
	}
	brief := Brief{
		ProjectID: job.ProjectID,
		RunID:     runID,
		Title:     state.Title,
		Stage:     job.Stage,
		Focus:     focus,
		Total:     len(job.Segments),
	}

	concurrency := o.config.Concurrency
	if job.Concurrency > 0 {
		concurrency = job.Concurrency
	}

	segs := make([]segment.Segment, len(job.Segments))
	copy(segs, job.Segments)
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Index < segs[j].Index })

	o.logger.Info("pipeline run started", append(logging.ContextFields(ctx),
		zap.String("stage", string(job.Stage)),
		zap.Int("segments", len(segs)),
		zap.Int("concurrency", concurrency),
	)...)

	// In-flight transforms and their persistence outlive cancellation of ctx.
	workCtx := context.WithoutCancel(ctx)

	r := &run{summary: Summary{RunID: runID}}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

dispatch:
	for pos, seg := range segs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			r.summary.Undispatched = len(segs) - pos
			break dispatch
		}
		if ctx.Err() != nil {
			<-sem
			r.summary.Undispatched = len(segs) - pos
			break
		}

		claim, ok, err := o.store.ClaimResult(workCtx, job.ProjectID, job.Stage, seg.Index, seg.Text, job.Owner)
		if err != nil {
			<-sem
			o.logger.Warn("failed to claim segment", append(logging.ContextFields(ctx),
				zap.Int("segment", seg.Index), zap.Error(err))...)
			o.metrics.RecordSegment(ctx, job.Stage, OutcomeFailed)
			r.failed(seg.Index, fmt.Errorf("claim segment %d: %w", seg.Index, err))
			continue
		}
		if !ok {
			<-sem
			if claim.Status == manuscript.StatusSucceeded && claim.OriginalText != seg.Text {
				// A counted result for different text cannot be reused or redone.
				o.metrics.RecordSegment(ctx, job.Stage, OutcomeFailed)
				r.failed(seg.Index, fmt.Errorf("%w: segment %d text differs from its recorded result",
					manuscript.ErrManuscriptChanged, seg.Index))
				continue
			}
			o.skip(workCtx, job, seg, claim)
			r.skipped()
			continue
		}

		wg.Add(1)
		go func(seg segment.Segment, claim manuscript.SegmentResult) {
			defer wg.Done()
			defer func() { <-sem }()
			o.process(workCtx, r, job, brief, seg, claim)
		}(seg, claim)
	}
	wg.Wait()

	summary := r.summary
	sort.Slice(summary.Failures, func(i, j int) bool { return summary.Failures[i].Index < summary.Failures[j].Index })

	var runErr error
	switch {
	case ctx.Err() != nil && summary.Undispatched > 0:
		runErr = fmt.Errorf("pipeline run cancelled with %d segments undispatched: %w", summary.Undispatched, ctx.Err())
	case summary.Dispatched() > 0 && summary.Succeeded == 0:
		exhausted := &manuscript.PipelineExhaustedError{
			ProjectID: job.ProjectID,
			Stage:     job.Stage,
			Failed:    summary.Failed,
		}
		if n := len(summary.Failures); n > 0 {
			exhausted.LastErr = summary.Failures[n-1].Err
		}
		runErr = exhausted
	}

	result := "ok"
	if runErr != nil {
		result = "error"
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.Int("segments.succeeded", summary.Succeeded),
		attribute.Int("segments.failed", summary.Failed),
		attribute.Int("segments.skipped", summary.Skipped),
	)
	o.metrics.RecordRun(workCtx, job.Stage, result, time.Since(start))

	runEvent := events.RunEvent{
		ProjectID:    job.ProjectID,
		RunID:        runID,
		Stage:        job.Stage,
		Succeeded:    summary.Succeeded,
		Failed:       summary.Failed,
		Skipped:      summary.Skipped,
		Undispatched: summary.Undispatched,
		Timestamp:    time.Now().UTC(),
	}
	if runErr != nil {
		runEvent.Error = runErr.Error()
	}
	if err := o.publisher.PublishRun(workCtx, runEvent); err != nil {
		o.logger.Warn("failed to publish run event", zap.Error(err))
	}

	o.logger.Info("pipeline run finished", append(logging.ContextFields(ctx),
		zap.String("stage", string(job.Stage)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("undispatched", summary.Undispatched),
		zap.Duration("duration", time.Since(start)),
	)...)

	return summary, runErr
}

// skip handles a segment whose claim was refused.
func (o *Orchestrator) skip(ctx context.Context, job Job, seg segment.Segment, existing manuscript.SegmentResult) {
	o.metrics.RecordSegment(ctx, job.Stage, OutcomeSkipped)

	if existing.Status != manuscript.StatusSucceeded {
		o.logger.Info("segment claimed by another run", append(logging.ContextFields(ctx),
			zap.Int("segment", seg.Index),
			zap.Int("attempt", existing.Attempt),
			zap.Time("claimed_at", existing.ClaimedAt),
		)...)
		return
	}

	// Repair a progress increment lost after the result was persisted.
	if job.Stage == manuscript.StageImprovement && !existing.Counted {
		if _, did, err := o.store.IncrementProcessed(ctx, job.ProjectID, seg.Index); err != nil {
			o.logger.Warn("failed to repair progress", append(logging.ContextFields(ctx),
				zap.Int("segment", seg.Index), zap.Error(err))...)
		} else if did {
			o.logger.Info("repaired progress for segment", append(logging.ContextFields(ctx),
				zap.Int("segment", seg.Index))...)
		}
	}
}

// process transforms one claimed segment and persists the outcome.
func (o *Orchestrator) process(ctx context.Context, r *run, job Job, brief Brief, seg segment.Segment, claim manuscript.SegmentResult) {
	ctx = logging.WithSegmentIndex(ctx, seg.Index)
	ctx, span := o.tracer.Start(ctx, "pipeline.segment",
		trace.WithAttributes(
			attribute.Int("segment.index", seg.Index),
			attribute.Int("segment.tokens", seg.TokenCount),
			attribute.Int("attempt", claim.Attempt),
		),
	)
	defer span.End()

	start := time.Now()
	rev, err := o.apply(ctx, job, brief, seg)
	duration := time.Since(start)
	o.metrics.RecordTransform(ctx, job.Stage, duration)

	result := claim
	if err == nil {
		result.Status = manuscript.StatusSucceeded
		result.RevisedText = rev.Text
		result.Summary = rev.Summary
	} else {
		result.Status = manuscript.StatusFailed
		result.Error = err.Error()
	}

	if perr := o.store.PutResult(ctx, result); perr != nil {
		if err == nil {
			err = fmt.Errorf("persist segment %d: %w", seg.Index, perr)
		} else {
			o.logger.Warn("failed to persist segment failure", append(logging.ContextFields(ctx), zap.Error(perr))...)
		}
		result.Status = manuscript.StatusFailed
		result.RevisedText = ""
		result.Summary = ""
		result.Error = err.Error()
		o.release(ctx, result)
	} else if err == nil && job.Stage == manuscript.StageImprovement {
		if _, _, ierr := o.store.IncrementProcessed(ctx, job.ProjectID, seg.Index); ierr != nil {
			// The result is durable; the next run repairs the count.
			o.logger.Warn("failed to increment progress", append(logging.ContextFields(ctx), zap.Error(ierr))...)
		}
	}

	if err != nil {
		outcome := OutcomeFailed
		if errors.Is(err, manuscript.ErrTransformTimeout) {
			outcome = OutcomeTimeout
		}
		o.metrics.RecordSegment(ctx, job.Stage, outcome)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("segment failed", append(logging.ContextFields(ctx),
			zap.Int("attempt", claim.Attempt),
			zap.Duration("duration", duration),
			zap.Error(err),
		)...)
		r.failed(seg.Index, err)
	} else {
		o.metrics.RecordSegment(ctx, job.Stage, OutcomeSucceeded)
		span.SetStatus(codes.Ok, "")
		o.logger.Debug("segment succeeded", append(logging.ContextFields(ctx),
			zap.Int("attempt", claim.Attempt),
			zap.Duration("duration", duration),
		)...)
		r.succeeded()
	}

	ev := events.SegmentEvent{
		ProjectID: job.ProjectID,
		RunID:     brief.RunID,
		Stage:     job.Stage,
		Index:     seg.Index,
		Status:    result.Status,
		Attempt:   claim.Attempt,
		Error:     result.Error,
		Timestamp: time.Now().UTC(),
	}
	if perr := o.publisher.PublishSegment(ctx, ev); perr != nil {
		o.logger.Warn("failed to publish segment event", append(logging.ContextFields(ctx), zap.Error(perr))...)
	}
}

// release records a failed outcome for a claim whose result could not be
// persisted, so the next run can claim the segment without waiting out the
// lease. It retries briefly on a context detached from the run.
func (o *Orchestrator) release(ctx context.Context, result manuscript.SegmentResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := o.store.PutResult(ctx, result)
		if errors.Is(err, manuscript.ErrStaleAttempt) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(releaseAttempts))
	if err != nil {
		o.logger.Warn("failed to release segment claim, it stays held until the lease expires",
			append(logging.ContextFields(ctx),
				zap.Int("attempt", result.Attempt),
				zap.Error(err),
			)...)
	}
}

// apply invokes the transform under the configured timeout and normalizes its errors.
func (o *Orchestrator) apply(ctx context.Context, job Job, brief Brief, seg segment.Segment) (rev Revision, err error) {
	o.metrics.TransformStarted(ctx)
	defer o.metrics.TransformFinished(ctx)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: transform panicked: %v", manuscript.ErrTransformUnavailable, p)
		}
	}()

	if o.config.TransformTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.TransformTimeout)
		defer cancel()
	}

	rev, err = job.Transform.Apply(ctx, seg, brief)
	switch {
	case err == nil && strings.TrimSpace(rev.Text) == "":
		return Revision{}, fmt.Errorf("%w: empty revision for segment %d", manuscript.ErrTransformRejected, seg.Index)
	case err == nil:
		return rev, nil
	case manuscript.IsTransformError(err):
		return Revision{}, err
	case errors.Is(err, context.DeadlineExceeded):
		return Revision{}, fmt.Errorf("%w: %w", manuscript.ErrTransformTimeout, err)
	default:
		return Revision{}, err
	}
}
