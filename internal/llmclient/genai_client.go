// internal/llmclient/genai_client.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// GenAIClient implements schemas.LLMClient on the official
// google.golang.org/genai SDK. It is the alternative to the hand-rolled
// GeminiClient for deployments that prefer the SDK's own transport,
// credential handling, and retry behavior.
type GenAIClient struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGenAIClient initializes the SDK-backed client.
func NewGenAIClient(ctx context.Context, cfg config.ReasonerConfig, logger *zap.Logger) (*GenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("genai API key is required (set VISOR_REASONER_API_KEY)")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GenAIClient{
		client: client,
		model:  cfg.Model,
		logger: logger.Named("llm_client.genai"),
	}, nil
}

// Generate produces a completion for the request via the SDK.
func (c *GenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	genConfig := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Options.Temperature)),
	}
	if req.Options.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(req.Options.MaxTokens)
	}
	if req.Options.ForceJSONFormat {
		genConfig.ResponseMIMEType = "application/json"
	}
	if req.SystemPrompt != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.UserPrompt), genConfig)
	if err != nil {
		return "", fmt.Errorf("genai generation failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("genai API returned an empty completion")
	}

	c.logger.Debug("LLM generation complete (genai SDK)", zap.String("model", c.model))
	return text, nil
}

// Close satisfies schemas.LLMClient. The SDK manages its own connections.
func (c *GenAIClient) Close() error {
	return nil
}
