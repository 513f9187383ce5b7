// Package config provides configuration loading for storybook.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then STORYBOOK_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Config holds the complete storybook configuration.
type Config struct {
	Segmentation SegmentationConfig `koanf:"segmentation"`
	Pipeline     PipelineConfig     `koanf:"pipeline"`
	Finalization FinalizationConfig `koanf:"finalization"`
	Store        StoreConfig        `koanf:"store"`
	Model        ModelConfig        `koanf:"model"`
	Events       EventsConfig       `koanf:"events"`
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Temporal     TemporalConfig     `koanf:"temporal"`
}

// SegmentationConfig controls how manuscripts are split.
type SegmentationConfig struct {
	MaxTokens     int `koanf:"max_tokens"`
	OverlapTokens int `koanf:"overlap_tokens"`
	// ChapterTailRatio and MergeSlack control chapter-aware merging.
	// A ratio of 0 disables merging.
	ChapterTailRatio float64  `koanf:"chapter_tail_ratio"`
	MergeSlack       float64  `koanf:"merge_slack"`
	Encoding         string   `koanf:"encoding"`
	ChapterPatterns  []string `koanf:"chapter_patterns"`
}

// PipelineConfig controls the segment worker pool.
type PipelineConfig struct {
	// Concurrency of zero selects min(5, NumCPU).
	Concurrency      int      `koanf:"concurrency"`
	TransformTimeout Duration `koanf:"transform_timeout"`
}

// FinalizationConfig controls the finishing pass.
type FinalizationConfig struct {
	WindowChars int `koanf:"window_chars"`
}

// StoreConfig selects the state store.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver     string   `koanf:"driver"`
	Path       string   `koanf:"path"`
	ClaimLease Duration `koanf:"claim_lease"`
}

// ModelConfig configures the remote language model.
type ModelConfig struct {
	// Provider is "anthropic" or "openai".
	Provider          string   `koanf:"provider"`
	APIKey            Secret   `koanf:"api_key"`
	BaseURL           string   `koanf:"base_url"`
	Name              string   `koanf:"name"`
	MaxTokens         int      `koanf:"max_tokens"`
	Temperature       float64  `koanf:"temperature"`
	RequestsPerMinute int      `koanf:"requests_per_minute"`
	MaxRetries        int      `koanf:"max_retries"`
	RequestTimeout    Duration `koanf:"request_timeout"`
}

// EventsConfig configures NATS progress events.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ServerConfig holds HTTP status server configuration.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds the logging options exposed through configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"`
	Insecure    bool   `koanf:"insecure"`
	ServiceName string `koanf:"service_name"`
	// TLSSkipVerify disables certificate checks for collectors behind internal CAs.
	TLSSkipVerify bool `koanf:"tls_skip_verify"`
	// SampleRate is the trace sampling ratio in [0,1].
	SampleRate      float64  `koanf:"sample_rate"`
	MetricsInterval Duration `koanf:"metrics_interval"`
}

// TemporalConfig configures the durable workflow worker.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Segmentation: SegmentationConfig{
			MaxTokens:        8000,
			OverlapTokens:    500,
			ChapterTailRatio: 0.3,
			MergeSlack:       1.3,
			Encoding:         "cl100k_base",
		},
		Pipeline: PipelineConfig{
			TransformTimeout: Duration(5 * time.Minute),
		},
		Finalization: FinalizationConfig{
			WindowChars: 20000,
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			ClaimLease: Duration(30 * time.Minute),
		},
		Model: ModelConfig{
			Provider:          "anthropic",
			BaseURL:           "https://api.anthropic.com",
			Name:              "claude-sonnet-4-5",
			MaxTokens:         8192,
			Temperature:       0.7,
			RequestsPerMinute: 50,
			MaxRetries:        3,
			RequestTimeout:    Duration(4 * time.Minute),
		},
		Events: EventsConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "storybook",
		},
		Server: ServerConfig{
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			ServiceName:     "storybook",
			SampleRate:      1.0,
			MetricsInterval: Duration(15 * time.Second),
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "storybook",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	s := c.Segmentation
	if s.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("segmentation.max_tokens must be positive, got %d", s.MaxTokens))
	}
	if s.OverlapTokens <= 0 || s.OverlapTokens >= s.MaxTokens {
		errs = append(errs, fmt.Errorf("segmentation.overlap_tokens must be in (0, max_tokens), got %d", s.OverlapTokens))
	}
	if s.ChapterTailRatio < 0 || s.ChapterTailRatio > 1 {
		errs = append(errs, fmt.Errorf("segmentation.chapter_tail_ratio must be in [0,1], got %g", s.ChapterTailRatio))
	}
	if s.MergeSlack < 1 {
		errs = append(errs, fmt.Errorf("segmentation.merge_slack must be >= 1, got %g", s.MergeSlack))
	}
	for _, p := range s.ChapterPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("segmentation.chapter_patterns: %w", err))
		}
	}

	if c.Pipeline.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("pipeline.concurrency must not be negative, got %d", c.Pipeline.Concurrency))
	}
	if c.Finalization.WindowChars <= 0 {
		errs = append(errs, fmt.Errorf("finalization.window_chars must be positive, got %d", c.Finalization.WindowChars))
	}

	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or memory, got %q", c.Store.Driver))
	}

	switch c.Model.Provider {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("model.provider must be anthropic or openai, got %q", c.Model.Provider))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if c.Model.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("model.max_tokens must be positive, got %d", c.Model.MaxTokens))
	}
	if c.Model.RequestsPerMinute < 0 || c.Model.MaxRetries < 0 {
		errs = append(errs, errors.New("model.requests_per_minute and model.max_retries must not be negative"))
	}

	if c.Events.Enabled && c.Events.URL == "" {
		errs = append(errs, errors.New("events.url is required when events are enabled"))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("telemetry.sample_rate must be in [0,1], got %g", c.Telemetry.SampleRate))
		}
	}

	return errors.Join(errs...)
}
