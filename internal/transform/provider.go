package transform

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storybook/internal/config"
	"github.com/fyrsmithlabs/storybook/internal/logging"
)

// NewCompleter creates the Completer selected by cfg.Provider.
func NewCompleter(cfg config.ModelConfig, logger *zap.Logger) (Completer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := Config{
		APIKey:            cfg.APIKey.Value(),
		BaseURL:           cfg.BaseURL,
		Model:             cfg.Name,
		MaxTokens:         cfg.MaxTokens,
		Temperature:       cfg.Temperature,
		RequestsPerMinute: cfg.RequestsPerMinute,
		MaxRetries:        cfg.MaxRetries,
		RequestTimeout:    cfg.RequestTimeout.Duration(),
	}

	logger.Debug("model client configured",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Name),
		logging.Secret("api_key", cfg.APIKey))

	switch cfg.Provider {
	case "", "anthropic":
		return NewAnthropic(c, WithAnthropicLogger(logger.Named("anthropic")))
	case "openai":
		if c.BaseURL == defaultAnthropicBaseURL {
			c.BaseURL = ""
		}
		if c.Model == defaultAnthropicModel {
			c.Model = ""
		}
		return NewOpenAI(c)
	default:
		return nil, fmt.Errorf("unknown model provider: %s", cfg.Provider)
	}
}
