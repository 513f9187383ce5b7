package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/storybook/internal/manuscript"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-sonnet-4-5"
	defaultOpenAIModel      = "gpt-4o"
	defaultMaxTokens        = 8192
	defaultTemperature      = 0.7
	defaultRequestsPerMin   = 50
	defaultMaxRetries       = 3
	defaultTimeout          = 4 * time.Minute
	defaultBaseBackoff      = 2 * time.Second
	anthropicVersion        = "2023-06-01"
)

// Completer sends a single system+user exchange to a model and returns the
// text of the reply.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Config configures a model client.
type Config struct {
	APIKey            string `json:"-"` // Never serialize API keys
	BaseURL           string
	Model             string
	MaxTokens         int
	Temperature       float64
	RequestsPerMinute int
	// MaxRetries is the number of retries after the first attempt. Zero
	// selects the default; a negative value disables retries.
	MaxRetries     int
	RequestTimeout time.Duration
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
}

func (c Config) withDefaults(model string) Config {
	if c.Model == "" {
		c.Model = model
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Temperature <= 0 {
		c.Temperature = defaultTemperature
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = defaultRequestsPerMin
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = defaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultTimeout
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBaseBackoff
	}
	return c
}

// newLimiter spreads RequestsPerMinute evenly, allowing a burst of one.
func newLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// retryableError marks transient failures: network errors, 429 and 5xx.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// withRetries calls do until it succeeds, fails permanently, or retries run
// out. Backoff doubles from base between attempts.
func withRetries(ctx context.Context, limiter *rate.Limiter, maxRetries int, base time.Duration, do func(context.Context) (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := base * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", classify(ctx, ctx.Err())
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", classify(ctx, ctx.Err())
			}
			// The wait would outlast the deadline.
			return "", fmt.Errorf("%w: rate limiter: %w", manuscript.ErrTransformTimeout, err)
		}

		out, err := do(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return "", classify(ctx, err)
		}
	}
	return "", classify(ctx, fmt.Errorf("max retries exceeded: %w", lastErr))
}

// classify maps a client error onto the segment-scoped transform errors.
func classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case manuscript.IsTransformError(err):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", manuscript.ErrTransformTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", manuscript.ErrTransformUnavailable, err)
	case isRetryableError(err):
		return fmt.Errorf("%w: %w", manuscript.ErrTransformUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", manuscript.ErrTransformRejected, err)
	}
}
