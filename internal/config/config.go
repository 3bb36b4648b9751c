// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the complete, immutable application configuration. It is built
// once by Load (or NewDefaultConfig) and passed by value into component
// constructors; nothing reads configuration from ambient state after that.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Vision    VisionConfig    `mapstructure:"vision" yaml:"vision"`
	Reasoner  ReasonerConfig  `mapstructure:"reasoner" yaml:"reasoner"`
	Loop      LoopConfig      `mapstructure:"loop" yaml:"loop"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DriverKind selects the browser automation backend.
type DriverKind string

const (
	DriverChromedp   DriverKind = "chromedp"
	DriverPlaywright DriverKind = "playwright"
)

// BrowserConfig holds settings for the driven browser instance.
type BrowserConfig struct {
	Driver            DriverKind    `mapstructure:"driver" yaml:"driver"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavTimeout        time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
	ScreenshotTimeout time.Duration `mapstructure:"screenshot_timeout" yaml:"screenshot_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	Gestures          GestureConfig `mapstructure:"gestures" yaml:"gestures"`
	Health            HealthConfig  `mapstructure:"health" yaml:"health"`
	Capture           CaptureConfig `mapstructure:"capture" yaml:"capture"`
}

// GestureConfig tunes the humanized pointer and keyboard behavior of the
// chromedp driver. Disabled gestures degrade to single synthetic events.
type GestureConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	MoveSteps      int     `mapstructure:"move_steps" yaml:"move_steps"`
	MoveJitterPx   float64 `mapstructure:"move_jitter_px" yaml:"move_jitter_px"`
	ClickHoldMinMs int     `mapstructure:"click_hold_min_ms" yaml:"click_hold_min_ms"`
	ClickHoldMaxMs int     `mapstructure:"click_hold_max_ms" yaml:"click_hold_max_ms"`
	KeyDelayMinMs  int     `mapstructure:"key_delay_min_ms" yaml:"key_delay_min_ms"`
	KeyDelayMaxMs  int     `mapstructure:"key_delay_max_ms" yaml:"key_delay_max_ms"`
}

// HealthConfig controls the browser health monitor: probe cadence and the
// restart backoff applied when a probe fails.
type HealthConfig struct {
	ProbeInterval         time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout          time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	RestartBackoffInitial time.Duration `mapstructure:"restart_backoff_initial" yaml:"restart_backoff_initial"`
	RestartBackoffMax     time.Duration `mapstructure:"restart_backoff_max" yaml:"restart_backoff_max"`
}

// CaptureConfig enables per-session network traffic recording through a
// local MITM proxy the browser is pointed at.
type CaptureConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen      string `mapstructure:"listen" yaml:"listen"`
	MaxBodySize int64  `mapstructure:"max_body_size" yaml:"max_body_size"`
}

// VisionConfig configures the perception pipeline and its inference services.
type VisionConfig struct {
	Detector DetectorConfig `mapstructure:"detector" yaml:"detector"`
	OCR      OCRConfig      `mapstructure:"ocr" yaml:"ocr"`
	NMSIoU   float64        `mapstructure:"nms_iou" yaml:"nms_iou"`
	HTTP2    bool           `mapstructure:"http2" yaml:"http2"`
}

// DetectorConfig points at the remote visual detection service.
type DetectorConfig struct {
	Endpoint      string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey        string        `mapstructure:"api_key" yaml:"-"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MinConfidence float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
}

// OCRConfig points at the remote text recognition service.
type OCRConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Language string        `mapstructure:"language" yaml:"language"`
}

// LLMProvider defines the supported reasoning service providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini" // hand-rolled REST client
	ProviderGenAI  LLMProvider = "genai"  // official google.golang.org/genai SDK
)

// ReasonerConfig configures the planning stage: which model to call, how to
// call it, and the corrective-retry and gating behavior around it.
type ReasonerConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RetryCount bounds the corrective re-prompt cycle after a malformed or
	// invalid plan. Retries beyond the first call, so 2 means 3 calls total.
	RetryCount int `mapstructure:"retry_count" yaml:"retry_count"`
	// RateLimitRPS throttles reasoning calls across all concurrent sessions.
	RateLimitRPS float64 `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	// ConfidenceThreshold is the minimum self-reported plan confidence the
	// loop accepts when StopOnLowConfidence is set and the run isn't forced.
	ConfidenceThreshold  float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	StopOnLowConfidence  bool    `mapstructure:"stop_on_low_confidence" yaml:"stop_on_low_confidence"`
	HistoryTail          int     `mapstructure:"history_tail" yaml:"history_tail"`
}

// LoopConfig bounds the orchestration loop.
type LoopConfig struct {
	MaxSteps               int  `mapstructure:"max_steps" yaml:"max_steps"`
	MaxConsecutiveFailures int  `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	DuplicateWindow        int  `mapstructure:"duplicate_window" yaml:"duplicate_window"`
	StopOnDuplicate        bool `mapstructure:"stop_on_duplicate" yaml:"stop_on_duplicate"`
	MaxWaitMS              int  `mapstructure:"max_wait_ms" yaml:"max_wait_ms"`
}

// ArtifactsConfig controls the per-session debug output directory.
type ArtifactsConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Root          string `mapstructure:"root" yaml:"root"`
	KeepOnFailure bool   `mapstructure:"keep_on_failure" yaml:"keep_on_failure"`
}

// StoreConfig enables Postgres persistence of finished sessions. An empty
// DSN disables the store entirely.
type StoreConfig struct {
	DSN string `mapstructure:"dsn" yaml:"-"`
}

// ServerConfig configures the remote control API.
type ServerConfig struct {
	Listen        string        `mapstructure:"listen" yaml:"listen"`
	SessionTTL    time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	MaxSessions   int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	Auth          AuthConfig    `mapstructure:"auth" yaml:"auth"`
}

// AuthConfig enables JWT bearer authentication on the API routes.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret" yaml:"-"`
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "visor-cli")
	v.SetDefault("logger.log_file", "visor.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "red")
	v.SetDefault("logger.colors.panic", "red")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Browser --
	v.SetDefault("browser.driver", string(DriverChromedp))
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1440)
	v.SetDefault("browser.viewport_height", 900)
	v.SetDefault("browser.nav_timeout", "25s")
	v.SetDefault("browser.screenshot_timeout", "10s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.gestures.enabled", true)
	v.SetDefault("browser.gestures.move_steps", 24)
	v.SetDefault("browser.gestures.move_jitter_px", 1.5)
	v.SetDefault("browser.gestures.click_hold_min_ms", 45)
	v.SetDefault("browser.gestures.click_hold_max_ms", 120)
	v.SetDefault("browser.gestures.key_delay_min_ms", 30)
	v.SetDefault("browser.gestures.key_delay_max_ms", 110)
	v.SetDefault("browser.health.probe_interval", "10s")
	v.SetDefault("browser.health.probe_timeout", "10s")
	v.SetDefault("browser.health.restart_backoff_initial", "2s")
	v.SetDefault("browser.health.restart_backoff_max", "60s")
	v.SetDefault("browser.capture.enabled", false)
	v.SetDefault("browser.capture.listen", "127.0.0.1:0")
	v.SetDefault("browser.capture.max_body_size", 1<<20)

	// -- Vision --
	v.SetDefault("vision.detector.timeout", "15s")
	v.SetDefault("vision.detector.min_confidence", 0.2)
	v.SetDefault("vision.ocr.enabled", true)
	v.SetDefault("vision.ocr.timeout", "10s")
	v.SetDefault("vision.ocr.language", "eng")
	v.SetDefault("vision.nms_iou", 0.5)
	v.SetDefault("vision.http2", true)

	// -- Reasoner --
	v.SetDefault("reasoner.provider", string(ProviderGemini))
	v.SetDefault("reasoner.model", "gemini-2.5-flash")
	v.SetDefault("reasoner.temperature", 0.0)
	v.SetDefault("reasoner.max_tokens", 512)
	v.SetDefault("reasoner.timeout", "30s")
	v.SetDefault("reasoner.retry_count", 2)
	v.SetDefault("reasoner.rate_limit_rps", 1.0)
	v.SetDefault("reasoner.confidence_threshold", 0.4)
	v.SetDefault("reasoner.stop_on_low_confidence", true)
	v.SetDefault("reasoner.history_tail", 5)

	// -- Loop --
	v.SetDefault("loop.max_steps", 8)
	v.SetDefault("loop.max_consecutive_failures", 3)
	v.SetDefault("loop.duplicate_window", 5)
	v.SetDefault("loop.stop_on_duplicate", true)
	v.SetDefault("loop.max_wait_ms", 10000)

	// -- Artifacts --
	v.SetDefault("artifacts.enabled", true)
	v.SetDefault("artifacts.root", "/tmp/visor_artifacts")
	v.SetDefault("artifacts.keep_on_failure", true)

	// -- Server --
	v.SetDefault("server.listen", ":8742")
	v.SetDefault("server.session_ttl", "30m")
	v.SetDefault("server.max_sessions", 4)
	v.SetDefault("server.shutdown_grace", "30s")
	v.SetDefault("server.auth.enabled", false)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with the defaults above; fail loudly if it does.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper builds and validates a configuration from a viper
// instance that has already read its sources (file, env, flags).
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for secrets that should never sit in a file.
	v.BindEnv("reasoner.api_key", "VISOR_REASONER_API_KEY")
	v.BindEnv("vision.detector.api_key", "VISOR_DETECTOR_API_KEY")
	v.BindEnv("store.dsn", "VISOR_STORE_DSN")
	v.BindEnv("server.auth.jwt_secret", "VISOR_JWT_SECRET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	root, err := ExpandPath(cfg.Artifacts.Root)
	if err != nil {
		return nil, fmt.Errorf("invalid artifacts.root: %w", err)
	}
	cfg.Artifacts.Root = root

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPath resolves a leading "~" against the user's home directory and
// cleans the result.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	if strings.HasPrefix(p, "~") {
		expanded, err := homedir.Expand(p)
		if err != nil {
			return "", err
		}
		p = expanded
	}
	return filepath.Clean(p), nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Browser.Driver {
	case DriverChromedp, DriverPlaywright:
	default:
		return fmt.Errorf("browser.driver must be %q or %q, got %q", DriverChromedp, DriverPlaywright, c.Browser.Driver)
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport dimensions must be positive")
	}
	if c.Vision.Detector.MinConfidence < 0 || c.Vision.Detector.MinConfidence > 1 {
		return fmt.Errorf("vision.detector.min_confidence must be within [0,1]")
	}
	if c.Vision.NMSIoU <= 0 || c.Vision.NMSIoU > 1 {
		return fmt.Errorf("vision.nms_iou must be within (0,1]")
	}
	switch c.Reasoner.Provider {
	case ProviderGemini, ProviderGenAI:
	default:
		return fmt.Errorf("reasoner.provider must be %q or %q, got %q", ProviderGemini, ProviderGenAI, c.Reasoner.Provider)
	}
	if c.Reasoner.RetryCount < 0 {
		return fmt.Errorf("reasoner.retry_count must not be negative")
	}
	if c.Reasoner.ConfidenceThreshold < 0 || c.Reasoner.ConfidenceThreshold > 1 {
		return fmt.Errorf("reasoner.confidence_threshold must be within [0,1]")
	}
	if c.Reasoner.HistoryTail < 0 {
		return fmt.Errorf("reasoner.history_tail must not be negative")
	}
	if c.Loop.MaxSteps <= 0 {
		return fmt.Errorf("loop.max_steps must be a positive integer")
	}
	if c.Loop.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("loop.max_consecutive_failures must be a positive integer")
	}
	if c.Loop.MaxWaitMS <= 0 {
		return fmt.Errorf("loop.max_wait_ms must be a positive integer")
	}
	if c.Server.MaxSessions <= 0 {
		return fmt.Errorf("server.max_sessions must be a positive integer")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.JWTSecret == "" {
		return fmt.Errorf("server.auth.jwt_secret is required when auth is enabled (set VISOR_JWT_SECRET)")
	}
	return nil
}
