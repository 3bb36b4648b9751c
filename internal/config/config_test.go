// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "green", cfg.Logger.Colors.Info)
	assert.Equal(t, "red", cfg.Logger.Colors.Error)
	assert.Equal(t, DriverChromedp, cfg.Browser.Driver)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 1440, cfg.Browser.ViewportWidth)
	assert.Equal(t, 900, cfg.Browser.ViewportHeight)
	assert.Equal(t, 0.2, cfg.Vision.Detector.MinConfidence)
	assert.Equal(t, 0.5, cfg.Vision.NMSIoU)
	assert.Equal(t, ProviderGemini, cfg.Reasoner.Provider)
	assert.Equal(t, "gemini-2.5-flash", cfg.Reasoner.Model)
	assert.Equal(t, 2, cfg.Reasoner.RetryCount)
	assert.Equal(t, 5, cfg.Reasoner.HistoryTail)
	assert.Equal(t, 8, cfg.Loop.MaxSteps)
	assert.Equal(t, 3, cfg.Loop.MaxConsecutiveFailures)
	assert.Equal(t, 30*time.Minute, cfg.Server.SessionTTL)
	assert.Equal(t, 2*time.Second, cfg.Browser.Health.RestartBackoffInitial)
	assert.Equal(t, 60*time.Second, cfg.Browser.Health.RestartBackoffMax)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	valid := func() *Config { return NewDefaultConfig() }

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Browser.Driver = "selenium" },
			wantErr: "browser.driver",
		},
		{
			name:    "zero viewport",
			mutate:  func(c *Config) { c.Browser.ViewportWidth = 0 },
			wantErr: "viewport",
		},
		{
			name:    "nms iou out of range",
			mutate:  func(c *Config) { c.Vision.NMSIoU = 1.2 },
			wantErr: "vision.nms_iou",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Reasoner.Provider = "openai" },
			wantErr: "reasoner.provider",
		},
		{
			name:    "negative retry count",
			mutate:  func(c *Config) { c.Reasoner.RetryCount = -1 },
			wantErr: "reasoner.retry_count",
		},
		{
			name:    "zero max steps",
			mutate:  func(c *Config) { c.Loop.MaxSteps = 0 },
			wantErr: "loop.max_steps",
		},
		{
			name:    "zero failure threshold",
			mutate:  func(c *Config) { c.Loop.MaxConsecutiveFailures = 0 },
			wantErr: "loop.max_consecutive_failures",
		},
		{
			name:    "auth enabled without secret",
			mutate:  func(c *Config) { c.Server.Auth.Enabled = true },
			wantErr: "jwt_secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	yaml := []byte(`
browser:
  driver: playwright
  headless: false
  nav_timeout: 40s
vision:
  detector:
    endpoint: http://127.0.0.1:9001/v1/detect
    min_confidence: 0.35
reasoner:
  model: gemini-2.5-pro
  retry_count: 4
loop:
  max_steps: 12
`)

	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewReader(yaml)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	// File values override defaults.
	assert.Equal(t, DriverPlaywright, cfg.Browser.Driver)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 40*time.Second, cfg.Browser.NavTimeout)
	assert.Equal(t, "http://127.0.0.1:9001/v1/detect", cfg.Vision.Detector.Endpoint)
	assert.Equal(t, 0.35, cfg.Vision.Detector.MinConfidence)
	assert.Equal(t, "gemini-2.5-pro", cfg.Reasoner.Model)
	assert.Equal(t, 4, cfg.Reasoner.RetryCount)
	assert.Equal(t, 12, cfg.Loop.MaxSteps)

	// Untouched sections keep their defaults.
	assert.Equal(t, 0.5, cfg.Vision.NMSIoU)
	assert.Equal(t, 3, cfg.Loop.MaxConsecutiveFailures)
}

func TestNewConfigFromViper_Invalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("loop.max_steps", 0)

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop.max_steps")
}

func TestExpandPath(t *testing.T) {
	home, err := ExpandPath("~/artifacts")
	require.NoError(t, err)
	assert.NotContains(t, home, "~")

	plain, err := ExpandPath("/tmp/visor_artifacts/")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/visor_artifacts", plain)

	empty, err := ExpandPath("")
	require.NoError(t, err)
	assert.Equal(t, "", empty)
}
