package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

// LangChain is a Completer backed by any langchaingo model.
//
// langchaingo does not expose HTTP status codes uniformly, so every provider
// error other than a deadline is treated as transient.
type LangChain struct {
	model       llms.Model
	maxTokens   int
	temperature float64
	limiter     *rate.Limiter
	maxRetries  int
	backoff     time.Duration
}

// NewLangChain wraps model. Only the generation settings, rate limit and
// retry fields of cfg are used.
func NewLangChain(model llms.Model, cfg Config) (*LangChain, error) {
	if model == nil {
		return nil, errors.New("model is required")
	}
	cfg = cfg.withDefaults("")
	return &LangChain{
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		limiter:     newLimiter(cfg.RequestsPerMinute),
		maxRetries:  cfg.MaxRetries,
		backoff:     cfg.Backoff,
	}, nil
}

// NewOpenAI creates a LangChain completer for an OpenAI-compatible endpoint.
func NewOpenAI(cfg Config) (*LangChain, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai API key required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return NewLangChain(llm, cfg)
}

// Complete implements Completer.
func (l *LangChain) Complete(ctx context.Context, system, prompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	return withRetries(ctx, l.limiter, l.maxRetries, l.backoff, func(ctx context.Context) (string, error) {
		resp, err := l.model.GenerateContent(ctx, messages,
			llms.WithMaxTokens(l.maxTokens),
			llms.WithTemperature(l.temperature),
		)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", &retryableError{err: fmt.Errorf("generate content: %w", err)}
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
			return "", &retryableError{err: errors.New("empty response from model")}
		}
		return resp.Choices[0].Content, nil
	})
}

var _ Completer = (*LangChain)(nil)
