package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/visorlabs/visor-cli/api/schemas"
)

// RateLimitedRouter implements schemas.LLMClient and throttles every
// generation call through a shared token-bucket limiter. Multiple sessions
// share one router, so the limit is global across the process, which is
// what provider-side quotas expect.
type RateLimitedRouter struct {
	logger  *zap.Logger
	inner   schemas.LLMClient
	limiter *rate.Limiter
}

// NewRateLimitedRouter wraps a provider client with a requests-per-second
// cap. rps <= 0 disables throttling.
func NewRateLimitedRouter(logger *zap.Logger, inner schemas.LLMClient, rps float64) (*RateLimitedRouter, error) {
	if inner == nil {
		return nil, fmt.Errorf("an inner LLM client must be provided")
	}

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}

	return &RateLimitedRouter{
		logger:  logger.Named("llm_router"),
		inner:   inner,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// Generate blocks until the limiter grants a slot (or ctx is done), then
// delegates to the provider client.
func (r *RateLimitedRouter) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait aborted: %w", err)
	}

	r.logger.Debug("Routing LLM request", zap.String("tier", string(req.Tier)))
	return r.inner.Generate(ctx, req)
}

// Close releases the underlying provider client.
func (r *RateLimitedRouter) Close() error {
	return r.inner.Close()
}
