package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// -- Test Setup Helpers --

func validReasonerConfig() config.ReasonerConfig {
	return config.ReasonerConfig{
		Provider:    config.ProviderGemini,
		Model:       "gemini-2.5-flash",
		APIKey:      "test-api-key",
		Temperature: 0.0,
		MaxTokens:   512,
		Timeout:     5 * time.Second,
	}
}

// setupGeminiClient rigs up a GeminiClient pointed at a mock HTTP server.
// It returns the client and a log observer. Retry delays are collapsed so
// failure tests finish instantly.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *observer.ObservedLogs) {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Log("Warning: Unexpected HTTP request in test.")
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	loggerCore, observedLogs := observer.New(zap.DebugLevel)
	logger := zap.New(loggerCore)

	cfg := validReasonerConfig()
	cfg.Endpoint = server.URL

	client, err := NewGeminiClient(cfg, logger)
	require.NoError(t, err, "NewGeminiClient initialization failed")

	client.backoffFactory = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Millisecond
		b.MaxElapsedTime = 250 * time.Millisecond
		return b
	}
	return client, observedLogs
}

func testGenerationRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		SystemPrompt: "You plan browser actions.",
		UserPrompt:   "Goal: accept the cookie banner.",
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, MaxTokens: 512},
	}
}

func geminiSuccessBody(text string) string {
	body, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{
				"content":      map[string]any{"parts": []map[string]string{{"text": text}}, "role": "model"},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]int{"promptTokenCount": 10, "candidatesTokenCount": 5, "totalTokenCount": 15},
	})
	return string(body)
}

// -- Tests --

func TestGeminiClient_Generate_Success(t *testing.T) {
	var gotPayload geminiRequestPayload
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		fmt.Fprint(w, geminiSuccessBody(`{"kind":"click","target_id":0}`))
	})

	got, err := client.Generate(context.Background(), testGenerationRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"click","target_id":0}`, got)

	// The request must carry the JSON mime type and the system instruction.
	assert.Equal(t, "application/json", gotPayload.GenerationConfig.ResponseMimeType)
	require.NotNil(t, gotPayload.SystemInstruction)
	assert.Equal(t, "You plan browser actions.", gotPayload.SystemInstruction.Parts[0].Text)
	require.Len(t, gotPayload.Contents, 1)
	assert.Equal(t, "user", gotPayload.Contents[0].Role)
}

func TestGeminiClient_Generate_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, geminiSuccessBody("recovered"))
	})

	got, err := client.Generate(context.Background(), testGenerationRequest())
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
	assert.Equal(t, int32(3), calls.Load(), "two transient failures should be retried")
}

func TestGeminiClient_Generate_PermanentOnClientError(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "invalid argument"}}`)
	})

	_, err := client.Generate(context.Background(), testGenerationRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load(), "4xx responses must not be retried")
}

func TestGeminiClient_Generate_SafetyBlockIsPermanent(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`)
	})

	_, err := client.Generate(context.Background(), testGenerationRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAFETY")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeminiClient_Generate_NoCandidates(t *testing.T) {
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	})

	_, err := client.Generate(context.Background(), testGenerationRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
}

func TestGeminiClient_Generate_ContextCancellation(t *testing.T) {
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Always transient, forcing the backoff loop to consult the context.
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Generate(ctx, testGenerationRequest())
	require.Error(t, err)
}

func TestNewGeminiClient_RequiresAPIKey(t *testing.T) {
	cfg := validReasonerConfig()
	cfg.APIKey = ""
	_, err := NewGeminiClient(cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestNewGeminiClient_DefaultEndpoint(t *testing.T) {
	client, err := NewGeminiClient(validReasonerConfig(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t,
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash:generateContent",
		client.endpoint)
}
