package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/storybook/internal/config"
)

func newBufferLogger(t *testing.T, cfg *Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	l, err := newLogger(cfg, zapcore.AddSync(buf), nil)
	require.NoError(t, err)
	return l, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults", func(*Config) {}, ""},
		{"trace level", func(c *Config) { c.Level = "trace" }, ""},
		{"bad level", func(c *Config) { c.Level = "loud" }, "invalid level"},
		{"bad format", func(c *Config) { c.Format = "xml" }, "format must be"},
		{"no outputs", func(c *Config) { c.Output.Stdout = false }, "at least one output"},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, "sampling tick"},
		{"negative skip", func(c *Config) { c.Caller.Skip = -1 }, "caller skip"},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, "invalid redaction pattern"},
		{"empty field", func(c *Config) { c.Fields = map[string]string{"env": ""} }, "empty value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLevelFromString(t *testing.T) {
	l, err := LevelFromString("TRACE")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, l)

	l, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, l)

	_, err = LevelFromString("nope")
	assert.Error(t, err)
}

func TestLogger_WritesContextFields(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	l, buf := newBufferLogger(t, cfg)

	ctx := WithProjectID(context.Background(), "moby-dick")
	ctx = WithRunID(ctx, "run-7")
	ctx = WithSegmentIndex(ctx, 3)
	l.Info(ctx, "segment succeeded", zap.Int("attempt", 2))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "segment succeeded", lines[0]["msg"])
	assert.Equal(t, "moby-dick", lines[0]["project.id"])
	assert.Equal(t, "run-7", lines[0]["run.id"])
	assert.Equal(t, float64(3), lines[0]["segment.index"])
	assert.Equal(t, float64(2), lines[0]["attempt"])
	assert.Equal(t, "storybook", lines[0]["service"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = "warn"
	cfg.Sampling.Enabled = false
	l, buf := newBufferLogger(t, cfg)

	ctx := context.Background()
	l.Debug(ctx, "hidden")
	l.Info(ctx, "hidden too")
	l.Warn(ctx, "shown")
	l.Error(ctx, "also shown")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "error", lines[1]["level"])
	assert.False(t, l.Enabled(TraceLevel))
}

func TestLogger_TraceLevelName(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = "trace"
	cfg.Sampling.Enabled = false
	l, buf := newBufferLogger(t, cfg)

	l.Trace(context.Background(), "prompt sent")
	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace", lines[0]["level"])
}

func TestLogger_SamplingNeverDropsErrors(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling = SamplingConfig{Enabled: true, Tick: config.Duration(1 << 40), Initial: 2, Thereafter: 0}
	l, buf := newBufferLogger(t, cfg)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		l.Info(ctx, "repeated info")
		l.Error(ctx, "repeated error")
	}

	infos, errs := 0, 0
	for _, line := range decodeLines(t, buf) {
		switch line["msg"] {
		case "repeated info":
			infos++
		case "repeated error":
			errs++
		}
	}
	assert.Equal(t, 2, infos)
	assert.Equal(t, 10, errs)
}

func TestLogger_RedactsSecrets(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	l, buf := newBufferLogger(t, cfg)

	ctx := context.Background()
	l.With(zap.String("api_key", "sk-ant-abc123")).Info(ctx,
		"calling model with sk-ant-xyz789",
		zap.String("authorization", "Bearer abc"),
		zap.String("detail", "header was Bearer qwerty"),
		zap.Error(errors.New("rejected key sk-ant-leaked")),
		Secret("model_key", config.Secret("sk-ant-0123456789")),
	)

	out := buf.String()
	assert.NotContains(t, out, "sk-ant-abc123")
	assert.NotContains(t, out, "sk-ant-xyz789")
	assert.NotContains(t, out, "sk-ant-leaked")
	assert.NotContains(t, out, "qwerty")
	assert.Contains(t, out, "[REDACTED:17]")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "[REDACTED]", lines[0]["api_key"])
	assert.Equal(t, "[REDACTED]", lines[0]["authorization"])
}

func TestLogger_RedactionDisabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	cfg.Redaction.Enabled = false
	l, buf := newBufferLogger(t, cfg)

	l.Info(context.Background(), "plain", zap.String("token", "visible"))
	assert.Contains(t, buf.String(), "visible")
}

func TestContextFields_TraceCorrelation(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	keys := map[string]bool{}
	for _, f := range ContextFields(ctx) {
		keys[f.Key] = true
	}
	assert.True(t, keys["trace_id"])
	assert.True(t, keys["span_id"])
	assert.False(t, keys["project.id"])
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	_, ok := SegmentIndexFromContext(ctx)
	assert.False(t, ok)
	assert.Empty(t, ProjectIDFromContext(ctx))

	ctx = WithSegmentIndex(WithRequestID(ctx, "req-1"), 0)
	idx, ok := SegmentIndexFromContext(ctx)
	assert.True(t, ok)
	assert.Zero(t, idx)
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))

	tl := NewTestLogger()
	ctx = WithLogger(ctx, tl.Logger)
	FromContext(ctx).Info(ctx, "from context")
	tl.AssertLogged(t, zapcore.InfoLevel, "from context")
	tl.AssertField(t, "from context", "request.id", "req-1")
	tl.AssertField(t, "from context", "segment.index", int64(0))

	assert.NotPanics(t, func() {
		FromContext(context.Background()).Warn(context.Background(), "discarded")
	})
}

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	tl.Warn(context.Background(), "segment failed", zap.String("reason", "timeout"))

	tl.AssertLogged(t, zapcore.WarnLevel, "segment failed")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "segment failed")
	tl.AssertField(t, "segment failed", "reason", "timeout")
	assert.Equal(t, 1, tl.FilterMessage("failed").Len())

	tl.Reset()
	assert.Empty(t, tl.All())
}
