// Package events publishes pipeline progress to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storybook/internal/manuscript"
)

// DefaultSubjectPrefix is the root subject for all storybook events.
const DefaultSubjectPrefix = "storybook"

// SegmentEvent reports the outcome of one segment attempt.
type SegmentEvent struct {
	ProjectID string                  `json:"project_id"`
	RunID     string                  `json:"run_id"`
	Stage     manuscript.Stage        `json:"stage"`
	Index     int                     `json:"index"`
	Status    manuscript.ResultStatus `json:"status"`
	Attempt   int                     `json:"attempt"`
	Error     string                  `json:"error,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// PhaseEvent reports a lifecycle transition.
type PhaseEvent struct {
	ProjectID string           `json:"project_id"`
	From      manuscript.Phase `json:"from"`
	To        manuscript.Phase `json:"to"`
	Timestamp time.Time        `json:"timestamp"`
}

// RunEvent reports a finished pipeline run.
type RunEvent struct {
	ProjectID    string           `json:"project_id"`
	RunID        string           `json:"run_id"`
	Stage        manuscript.Stage `json:"stage"`
	Succeeded    int              `json:"succeeded"`
	Failed       int              `json:"failed"`
	Skipped      int              `json:"skipped"`
	Undispatched int              `json:"undispatched"`
	Error        string           `json:"error,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Publisher emits progress events. Publishing is best effort: callers log
// failures and continue.
type Publisher interface {
	PublishSegment(ctx context.Context, ev SegmentEvent) error
	PublishPhase(ctx context.Context, ev PhaseEvent) error
	PublishRun(ctx context.Context, ev RunEvent) error
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) PublishSegment(context.Context, SegmentEvent) error { return nil }
func (NopPublisher) PublishPhase(context.Context, PhaseEvent) error     { return nil }
func (NopPublisher) PublishRun(context.Context, RunEvent) error         { return nil }

// NATSPublisher publishes JSON events to NATS subjects:
//
//	{prefix}.{project}.segment.{status}
//	{prefix}.{project}.phase
//	{prefix}.{project}.run.completed
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher creates a publisher on an existing connection.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Connect dials a NATS server for event publishing.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// SegmentSubject returns the subject for a segment event.
func (p *NATSPublisher) SegmentSubject(projectID string, status manuscript.ResultStatus) string {
	return fmt.Sprintf("%s.%s.segment.%s", p.prefix, subjectToken(projectID), status)
}

// PhaseSubject returns the subject for phase events.
func (p *NATSPublisher) PhaseSubject(projectID string) string {
	return fmt.Sprintf("%s.%s.phase", p.prefix, subjectToken(projectID))
}

// RunSubject returns the subject for run completion events.
func (p *NATSPublisher) RunSubject(projectID string) string {
	return fmt.Sprintf("%s.%s.run.completed", p.prefix, subjectToken(projectID))
}

// PublishSegment implements Publisher.
func (p *NATSPublisher) PublishSegment(ctx context.Context, ev SegmentEvent) error {
	return p.publish(p.SegmentSubject(ev.ProjectID, ev.Status), ev)
}

// PublishPhase implements Publisher.
func (p *NATSPublisher) PublishPhase(ctx context.Context, ev PhaseEvent) error {
	return p.publish(p.PhaseSubject(ev.ProjectID), ev)
}

// PublishRun implements Publisher.
func (p *NATSPublisher) PublishRun(ctx context.Context, ev RunEvent) error {
	return p.publish(p.RunSubject(ev.ProjectID), ev)
}

func (p *NATSPublisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// subjectToken makes s safe for use as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
