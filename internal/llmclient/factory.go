// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// NewClient creates an LLMClient for the configured provider.
func NewClient(ctx context.Context, cfg config.ReasonerConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	case config.ProviderGenAI:
		return NewGenAIClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderGenAI)
	}
}
