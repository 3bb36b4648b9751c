package schemas

import (
	"context"
)

// -- Browser Driver Interface --

// BrowserDriver is the loop's only window onto the browser. Implementations
// (chromedp, playwright) own the page handle; the core never manages the
// browser process directly and never sees a DOM tree.
type BrowserDriver interface {
	// CaptureScreenshot returns a PNG of the current viewport.
	CaptureScreenshot(ctx context.Context) ([]byte, error)
	// Dispatch executes one already-resolved low-level action.
	Dispatch(ctx context.Context, action DriverAction) error
	// ProbePoint inspects the element occupying a viewport coordinate so
	// the executor can distinguish stale targets from live ones.
	ProbePoint(ctx context.Context, x, y float64) (ProbeResult, error)
	// CurrentURL reports the page's location, used in snapshot summaries.
	CurrentURL(ctx context.Context) (string, error)
	// IsHealthy reports whether the underlying browser still responds.
	// An unhealthy driver is fatal for the session that owns it.
	IsHealthy(ctx context.Context) bool
	// Close releases the page and its context.
	Close(ctx context.Context) error
}

// -- Vision Service Interfaces --

// Detector turns a screenshot into raw candidate detections. Detectors are
// shared across sessions and must be safe for concurrent stateless calls.
type Detector interface {
	Detect(ctx context.Context, png []byte) ([]RawDetection, error)
}

// Recognizer extracts text from one cropped element region. A recognizer
// failure is tolerated upstream (the element keeps an empty Text), so
// implementations should return errors rather than guessing.
type Recognizer interface {
	Recognize(ctx context.Context, png []byte) (string, error)
}

// -- LLM Client Schemas & Interface --

// ModelTier selects a model by preference for speed versus capability.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // prefers a faster, cheaper model
	TierPowerful ModelTier = "powerful" // prefers a more capable model
)

// GenerationOptions controls the text generation process.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // lower is more deterministic
	ForceJSONFormat bool    `json:"force_json_format"` // constrain output to valid JSON
	MaxTokens       int     `json:"max_tokens"`        // response budget; 0 uses the provider default
}

// GenerationRequest encapsulates one complete request to the LLM.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient abstracts the reasoning service provider. Implementations keep
// no per-session state so one client can serve concurrent sessions.
type LLMClient interface {
	// Generate produces a text completion for the request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close releases provider resources (connections, SDK handles).
	Close() error
}

// -- Store Interface --

// SessionStore persists finished runs. The loop itself never blocks on the
// store; persistence happens after a terminal status is reached.
type SessionStore interface {
	// SaveResult writes one finished session and its steps.
	SaveResult(ctx context.Context, result *SessionResult) error
	// ListSessions returns recent finished sessions, newest first, without
	// their step histories.
	ListSessions(ctx context.Context, limit int) ([]*SessionResult, error)
	// GetResult reassembles one stored session including history.
	GetResult(ctx context.Context, id string) (*SessionResult, error)
}
