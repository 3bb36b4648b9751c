package llmclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// stubLLM counts calls and returns a canned response.
type stubLLM struct {
	calls    atomic.Int32
	response string
	closed   atomic.Bool
}

func (s *stubLLM) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	s.calls.Add(1)
	return s.response, nil
}

func (s *stubLLM) Close() error {
	s.closed.Store(true)
	return nil
}

func TestRateLimitedRouter_Delegates(t *testing.T) {
	inner := &stubLLM{response: "ok"}
	router, err := NewRateLimitedRouter(zap.NewNop(), inner, 0)
	require.NoError(t, err)

	got, err := router.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(1), inner.calls.Load())

	require.NoError(t, router.Close())
	assert.True(t, inner.closed.Load(), "Close must propagate to the inner client")
}

func TestRateLimitedRouter_RequiresInner(t *testing.T) {
	_, err := NewRateLimitedRouter(zap.NewNop(), nil, 1)
	require.Error(t, err)
}

func TestRateLimitedRouter_Throttles(t *testing.T) {
	inner := &stubLLM{response: "ok"}
	// Burst of 1 at 20 rps: the second call must wait roughly 50ms.
	router, err := NewRateLimitedRouter(zap.NewNop(), inner, 20)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := router.Generate(context.Background(), schemas.GenerationRequest{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRateLimitedRouter_WaitAbortsOnCancel(t *testing.T) {
	inner := &stubLLM{response: "ok"}
	router, err := NewRateLimitedRouter(zap.NewNop(), inner, 0.001)
	require.NoError(t, err)

	// Consume the single burst token.
	_, err = router.Generate(context.Background(), schemas.GenerationRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = router.Generate(ctx, schemas.GenerationRequest{})
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load(), "the throttled call must never reach the provider")
}

func TestNewClient_Factory(t *testing.T) {
	t.Run("gemini provider", func(t *testing.T) {
		cfg := validReasonerConfig()
		client, err := NewClient(context.Background(), cfg, zap.NewNop())
		require.NoError(t, err)
		assert.IsType(t, (*GeminiClient)(nil), client)
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := validReasonerConfig()
		cfg.Provider = config.LLMProvider("ollama")
		_, err := NewClient(context.Background(), cfg, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported LLM provider")
	})
}
