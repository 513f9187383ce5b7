package http

import (
	"time"

	"github.com/fyrsmithlabs/storybook/internal/manuscript"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Telemetry string `json:"telemetry,omitempty"`
}

// ProjectResponse is the response body for GET /api/v1/projects/:id.
type ProjectResponse struct {
	ProjectID         string                 `json:"project_id"`
	Title             string                 `json:"title,omitempty"`
	Phase             manuscript.Phase       `json:"phase"`
	TotalSegments     int                    `json:"total_segments"`
	SegmentsProcessed int                    `json:"segments_processed"`
	Progress          float64                `json:"progress"`
	Focus             string                 `json:"focus"`
	Assessment        *manuscript.Assessment `json:"assessment,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

func newProjectResponse(s manuscript.ProjectState) ProjectResponse {
	return ProjectResponse{
		ProjectID:         s.ProjectID,
		Title:             s.Title,
		Phase:             s.Phase,
		TotalSegments:     s.TotalSegments,
		SegmentsProcessed: s.SegmentsProcessed,
		Progress:          s.Progress(),
		Focus:             s.Assessment.Focus(),
		Assessment:        s.Assessment,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

// ResultSummary describes one segment result without its text.
type ResultSummary struct {
	Index     int                     `json:"index"`
	Status    manuscript.ResultStatus `json:"status"`
	Attempt   int                     `json:"attempt"`
	Error     string                  `json:"error,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// ResultsResponse is the response body for GET /api/v1/projects/:id/results.
type ResultsResponse struct {
	ProjectID string                          `json:"project_id"`
	Stage     manuscript.Stage                `json:"stage"`
	Counts    map[manuscript.ResultStatus]int `json:"counts"`
	Results   []ResultSummary                 `json:"results"`
}

// ResultResponse is the response body for GET /api/v1/projects/:id/results/:index.
type ResultResponse struct {
	ResultSummary
	Stage        manuscript.Stage `json:"stage"`
	OriginalText string           `json:"original_text"`
	RevisedText  string           `json:"revised_text,omitempty"`
	Summary      string           `json:"summary,omitempty"`
}

func newResultSummary(r manuscript.SegmentResult) ResultSummary {
	return ResultSummary{
		Index:     r.SegmentIndex,
		Status:    r.Status,
		Attempt:   r.Attempt,
		Error:     r.Error,
		Timestamp: r.Timestamp,
	}
}
