package schemas

// -- Driver Action Schemas --

// DriverActionKind is the low-level operation vocabulary the executor
// translates plans into. One ActionPlan maps to at most one driver action;
// finish/fail plans map to none.
type DriverActionKind string

const (
	DriverClick    DriverActionKind = "click"    // pointer activation at a point
	DriverTypeText DriverActionKind = "type"     // focus at a point, then keystrokes
	DriverNavigate DriverActionKind = "navigate" // load a URL
	DriverScroll   DriverActionKind = "scroll"   // wheel delta at a point
	DriverWait     DriverActionKind = "wait"     // bounded settle pause
)

// DriverAction is one concrete browser operation, already resolved to
// coordinates. Drivers execute it verbatim; all element-id resolution
// happens in the executor before this point.
type DriverAction struct {
	Kind DriverActionKind `json:"kind"`
	// X, Y position the pointer for click/type/scroll, in CSS pixels.
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`
	// Text is the input submitted after focus for DriverTypeText.
	Text string `json:"text,omitempty"`
	// URL is the absolute target for DriverNavigate.
	URL string `json:"url,omitempty"`
	// DeltaY is the wheel distance for DriverScroll, positive scrolls down.
	DeltaY float64 `json:"delta_y,omitempty"`
	// DurationMS bounds DriverWait.
	DurationMS int `json:"duration_ms,omitempty"`
}

// Viewport is the browser window's logical size in CSS pixels.
type Viewport struct {
	Width  int `json:"width" mapstructure:"width"`
	Height int `json:"height" mapstructure:"height"`
}

// -- Low-Level Input Schemas --

// MouseEventType mirrors the CDP Input.dispatchMouseEvent type field.
type MouseEventType string

const (
	MouseMove    MouseEventType = "mouseMoved"
	MousePress   MouseEventType = "mousePressed"
	MouseRelease MouseEventType = "mouseReleased"
	MouseWheel   MouseEventType = "mouseWheel"
)

// MouseButton identifies the button carried by a mouse event.
type MouseButton string

const (
	ButtonNone MouseButton = "none"
	ButtonLeft MouseButton = "left"
)

// MouseEventData encapsulates one low-level mouse event as dispatched by
// the chromedp driver while replaying a gesture path.
type MouseEventData struct {
	Type       MouseEventType `json:"type"`
	X          float64        `json:"x"`
	Y          float64        `json:"y"`
	Button     MouseButton    `json:"button"`
	ClickCount int            `json:"clickCount"`
	DeltaX     float64        `json:"deltaX"`
	DeltaY     float64        `json:"deltaY"`
}

// ProbeResult is what the driver's geometry probe reports for a point on
// the live page. The executor uses it to tell a still-interactable target
// from a stale one before committing to a click.
type ProbeResult struct {
	// Hit is true when an element occupies the probed point.
	Hit bool `json:"hit"`
	// Interactable is true when that element is visible, unobscured, and
	// accepts pointer events.
	Interactable bool `json:"interactable"`
	// TagName of the occupying element ("INPUT", "BUTTON", ...), for logs.
	TagName string `json:"tagName,omitempty"`
}
