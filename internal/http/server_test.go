package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/storybook/internal/logging"
	"github.com/fyrsmithlabs/storybook/internal/manuscript"
	"github.com/fyrsmithlabs/storybook/internal/store"
	"github.com/fyrsmithlabs/storybook/internal/telemetry"
)

// storeReader serves project reads straight from a store.
type storeReader struct {
	store manuscript.Store
	err   error
}

func (r *storeReader) Status(ctx context.Context, id string) (manuscript.ProjectState, error) {
	if r.err != nil {
		return manuscript.ProjectState{}, r.err
	}
	return r.store.GetState(ctx, id)
}

func (r *storeReader) Results(ctx context.Context, id string, stage manuscript.Stage) ([]manuscript.SegmentResult, error) {
	if _, err := r.Status(ctx, id); err != nil {
		return nil, err
	}
	return r.store.ListResults(ctx, id, stage)
}

func seededReader(t *testing.T) *storeReader {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateState(ctx, manuscript.ProjectState{
		ProjectID:     "rain",
		Title:         "Rain",
		Phase:         manuscript.PhaseImprovement,
		TotalSegments: 4,
	}))
	for i := 1; i <= 3; i++ {
		r, ok, err := s.ClaimResult(ctx, "rain", manuscript.StageImprovement, i, fmt.Sprintf("original %d", i), "")
		require.NoError(t, err)
		require.True(t, ok)
		if i == 3 {
			r.Status = manuscript.StatusFailed
			r.Error = "transform unavailable"
		} else {
			r.Status = manuscript.StatusSucceeded
			r.RevisedText = fmt.Sprintf("revised %d", i)
		}
		require.NoError(t, s.PutResult(ctx, r))
		if i != 3 {
			_, _, err = s.IncrementProcessed(ctx, "rain", i)
			require.NoError(t, err)
		}
	}
	return &storeReader{store: s}
}

func setupTestServer(t *testing.T, reader ProjectReader, opts ...Option) (*Server, *logging.TestLogger) {
	t.Helper()
	tl := logging.NewTestLogger()
	server, err := NewServer(reader, tl.Underlying(), nil, opts...)
	require.NoError(t, err)
	return server, tl
}

func do(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(&storeReader{}, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&storeReader{}, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when reader is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "project reader cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t, &storeReader{})

	rec := do(t, server, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Empty(t, resp.Telemetry)
}

func TestHandleHealth_ReportsTelemetry(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	server, _ := setupTestServer(t, &storeReader{}, WithTelemetry(tt.Telemetry))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(do(t, server, "/health").Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Telemetry)
}

func TestHandleProject(t *testing.T) {
	server, tl := setupTestServer(t, seededReader(t))
	before := testutil.ToFloat64(ProjectLookupsTotal.WithLabelValues("found"))

	rec := do(t, server, "/api/v1/projects/rain")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ProjectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rain", resp.ProjectID)
	assert.Equal(t, "Rain", resp.Title)
	assert.Equal(t, manuscript.PhaseImprovement, resp.Phase)
	assert.Equal(t, 4, resp.TotalSegments)
	assert.Equal(t, 2, resp.SegmentsProcessed)
	assert.InDelta(t, 0.5, resp.Progress, 1e-9)
	assert.Equal(t, manuscript.DefaultFocus, resp.Focus)

	assert.Equal(t, before+1, testutil.ToFloat64(ProjectLookupsTotal.WithLabelValues("found")))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	tl.AssertField(t, "http request", "request.id", rec.Header().Get("X-Request-Id"))
}

func TestHandleProject_Errors(t *testing.T) {
	tests := []struct {
		name   string
		reader *storeReader
		target string
		status int
	}{
		{"unknown project", seededReader(t), "/api/v1/projects/nope", http.StatusNotFound},
		{"invalid id", seededReader(t), "/api/v1/projects/Not_Valid", http.StatusBadRequest},
		{"storage down", &storeReader{err: fmt.Errorf("%w: disk", manuscript.ErrStorageUnavailable)}, "/api/v1/projects/rain", http.StatusServiceUnavailable},
		{"unexpected", &storeReader{err: errors.New("boom")}, "/api/v1/projects/rain", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := setupTestServer(t, tt.reader)
			rec := do(t, server, tt.target)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotContains(t, rec.Body.String(), "boom")
		})
	}
}

func TestHandleResults(t *testing.T) {
	server, _ := setupTestServer(t, seededReader(t))

	rec := do(t, server, "/api/v1/projects/rain/results")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ResultsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, manuscript.StageImprovement, resp.Stage)
	assert.Equal(t, 2, resp.Counts[manuscript.StatusSucceeded])
	assert.Equal(t, 1, resp.Counts[manuscript.StatusFailed])
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "transform unavailable", resp.Results[2].Error)
	assert.NotContains(t, rec.Body.String(), "original 1", "listing omits text")

	rec = do(t, server, "/api/v1/projects/rain/results?stage=finalization")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Results)

	rec = do(t, server, "/api/v1/projects/rain/results?stage=draft")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleResult(t *testing.T) {
	server, _ := setupTestServer(t, seededReader(t))

	rec := do(t, server, "/api/v1/projects/rain/results/2")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Index)
	assert.Equal(t, "original 2", resp.OriginalText)
	assert.Equal(t, "revised 2", resp.RevisedText)
	assert.Equal(t, manuscript.StatusSucceeded, resp.Status)

	assert.Equal(t, http.StatusNotFound, do(t, server, "/api/v1/projects/rain/results/4").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, server, "/api/v1/projects/rain/results/zero").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, server, "/api/v1/projects/rain/results/0").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := setupTestServer(t, seededReader(t))
	do(t, server, "/api/v1/projects/rain")

	rec := do(t, server, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "storybook_http_project_lookups_total"))
}

func TestMetricsMiddleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := NewHTTPMetricsWithMeter(provider.Meter("test"), zap.NewNop())
	server, _ := setupTestServer(t, seededReader(t), WithMetrics(m))

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/projects/:id", "4xx"))
	assert.Equal(t, http.StatusNotFound, do(t, server, "/api/v1/projects/nope").Code)
	assert.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/projects/:id", "4xx")))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "storybook.http.request_duration_seconds" {
				continue
			}
			hist, ok := md.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			require.Len(t, hist.DataPoints, 1)
			status, _ := hist.DataPoints[0].Attributes.Value(attribute.Key("status"))
			assert.Equal(t, int64(http.StatusNotFound), status.AsInt64())
			found = true
		}
	}
	assert.True(t, found, "request duration not recorded")
}

func TestToHTTPError_LogsUnexpected(t *testing.T) {
	server, tl := setupTestServer(t, &storeReader{err: errors.New("boom")})
	do(t, server, "/api/v1/projects/rain")
	tl.AssertLogged(t, zapcore.ErrorLevel, "request failed")
}
