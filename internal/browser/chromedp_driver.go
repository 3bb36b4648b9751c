// internal/browser/chromedp_driver.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// ChromedpDriver drives a Chrome instance over CDP. It owns the allocator
// and browser contexts for one session; Close tears both down.
type ChromedpDriver struct {
	cfg      config.BrowserConfig
	logger   *zap.Logger
	gesturer *Gesturer

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu    sync.Mutex
	lastX float64
	lastY float64
}

var _ schemas.BrowserDriver = (*ChromedpDriver)(nil)

// NewChromedpDriver launches a browser and prepares it at the configured
// viewport. proxyAddr, when non-empty, routes all page traffic through the
// capture proxy.
func NewChromedpDriver(ctx context.Context, cfg config.BrowserConfig, proxyAddr string, logger *zap.Logger) (*ChromedpDriver, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, execAllocatorOptions(cfg, proxyAddr)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	d := &ChromedpDriver{
		cfg:           cfg,
		logger:        logger.Named("browser.chromedp"),
		gesturer:      NewGesturer(cfg.Gestures),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		// Pointer starts at the viewport center, matching where a real
		// cursor tends to rest.
		lastX: float64(cfg.ViewportWidth) / 2,
		lastY: float64(cfg.ViewportHeight) / 2,
	}

	// First Run starts the browser process; size the viewport in the same
	// round trip.
	startCtx, cancel := context.WithTimeout(browserCtx, cfg.NavTimeout)
	defer cancel()
	if err := chromedp.Run(startCtx,
		chromedp.EmulateViewport(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight)),
	); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	d.logger.Info("Browser launched.",
		zap.Bool("headless", cfg.Headless),
		zap.Int("viewport_width", cfg.ViewportWidth),
		zap.Int("viewport_height", cfg.ViewportHeight))
	return d, nil
}

// run executes chromedp actions on the driver's browser context while still
// honoring the caller's context: cancellation of either side aborts the run.
func (d *ChromedpDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(d.browserCtx, timeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("browser action timed out after %v: %w", timeout, context.DeadlineExceeded)
		}
		return err
	}
	return nil
}

// CaptureScreenshot returns a PNG of the current viewport.
func (d *ChromedpDriver) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, d.cfg.ScreenshotTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return buf, nil
}

// Dispatch executes one resolved driver action.
func (d *ChromedpDriver) Dispatch(ctx context.Context, action schemas.DriverAction) error {
	switch action.Kind {
	case schemas.DriverClick:
		return d.click(ctx, action.X, action.Y)
	case schemas.DriverTypeText:
		return d.typeText(ctx, action.X, action.Y, action.Text)
	case schemas.DriverNavigate:
		return d.navigate(ctx, action.URL)
	case schemas.DriverScroll:
		return d.scroll(ctx, action.DeltaY)
	case schemas.DriverWait:
		return d.run(ctx, time.Duration(action.DurationMS)*time.Millisecond+time.Second,
			chromedp.Sleep(time.Duration(action.DurationMS)*time.Millisecond))
	default:
		return fmt.Errorf("chromedp driver cannot dispatch %q", action.Kind)
	}
}

func (d *ChromedpDriver) click(ctx context.Context, x, y float64) error {
	if err := d.moveTo(ctx, x, y); err != nil {
		return err
	}

	press := d.mouseEvent(schemas.MouseEventData{
		Type: schemas.MousePress, X: x, Y: y, Button: schemas.ButtonLeft, ClickCount: 1,
	})
	release := d.mouseEvent(schemas.MouseEventData{
		Type: schemas.MouseRelease, X: x, Y: y, Button: schemas.ButtonLeft, ClickCount: 1,
	})

	actions := []chromedp.Action{press}
	if d.gesturer.Enabled() {
		actions = append(actions, chromedp.Sleep(d.gesturer.ClickHold()))
	}
	actions = append(actions, release)
	return d.run(ctx, d.cfg.ActionTimeout, actions...)
}

func (d *ChromedpDriver) typeText(ctx context.Context, x, y float64, text string) error {
	// Focus the field with a click first; CDP key events go to whatever
	// holds focus.
	if err := d.click(ctx, x, y); err != nil {
		return err
	}

	if !d.gesturer.Enabled() {
		return d.run(ctx, d.cfg.ActionTimeout, chromedp.KeyEvent(text))
	}

	actions := make([]chromedp.Action, 0, len(text)*2)
	for _, r := range text {
		actions = append(actions,
			chromedp.KeyEvent(string(r)),
			chromedp.Sleep(d.gesturer.KeyDelay()),
		)
	}
	// Budget scales with text length; worst-case cadence is ~120ms per rune.
	budget := d.cfg.ActionTimeout + time.Duration(len(text)*150)*time.Millisecond
	return d.run(ctx, budget, actions...)
}

func (d *ChromedpDriver) navigate(ctx context.Context, url string) error {
	if err := d.run(ctx, d.cfg.NavTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

func (d *ChromedpDriver) scroll(ctx context.Context, deltaY float64) error {
	d.mu.Lock()
	x, y := d.lastX, d.lastY
	d.mu.Unlock()

	wheel := d.mouseEvent(schemas.MouseEventData{
		Type: schemas.MouseWheel, X: x, Y: y, Button: schemas.ButtonNone, DeltaY: deltaY,
	})
	return d.run(ctx, d.cfg.ActionTimeout, wheel)
}

// moveTo walks the pointer from its last known position to the target,
// replaying the gesture path as individual CDP move events.
func (d *ChromedpDriver) moveTo(ctx context.Context, x, y float64) error {
	d.mu.Lock()
	startX, startY := d.lastX, d.lastY
	d.mu.Unlock()

	if d.gesturer.Enabled() {
		for _, ev := range d.gesturer.PointerPath(startX, startY, x, y) {
			if err := d.run(ctx, d.cfg.ActionTimeout, d.mouseEvent(ev)); err != nil {
				return err
			}
			select {
			case <-time.After(d.gesturer.StepDelay()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	} else {
		ev := d.mouseEvent(schemas.MouseEventData{Type: schemas.MouseMove, X: x, Y: y, Button: schemas.ButtonNone})
		if err := d.run(ctx, d.cfg.ActionTimeout, ev); err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.lastX, d.lastY = x, y
	d.mu.Unlock()
	return nil
}

// mouseEvent translates one event into a CDP Input.dispatchMouseEvent call.
func (d *ChromedpDriver) mouseEvent(data schemas.MouseEventData) chromedp.Action {
	p := input.DispatchMouseEvent(input.MouseType(data.Type), data.X, data.Y).
		WithButton(input.MouseButton(data.Button)).
		WithClickCount(int64(data.ClickCount))
	if data.Type == schemas.MouseWheel {
		p = p.WithDeltaX(data.DeltaX).WithDeltaY(data.DeltaY)
	}
	return p
}

// probeScript inspects the element occupying a viewport point. It reports
// null only for a malformed call; a miss is an explicit {hit:false}.
const probeScript = `
(function(x, y) {
    const node = document.elementFromPoint(x, y);
    if (!node) return { hit: false, interactable: false };

    const rect = node.getBoundingClientRect();
    const style = window.getComputedStyle(node);
    const interactable = rect.width > 0 && rect.height > 0 &&
        style.display !== 'none' &&
        style.visibility !== 'hidden' &&
        style.opacity !== '0' &&
        style.pointerEvents !== 'none';

    return { hit: true, interactable: interactable, tagName: node.tagName || '' };
})(%s, %s)
`

// ProbePoint asks the live page what occupies a viewport coordinate.
func (d *ChromedpDriver) ProbePoint(ctx context.Context, x, y float64) (schemas.ProbeResult, error) {
	script := fmt.Sprintf(probeScript, jsNumber(x), jsNumber(y))

	var raw json.RawMessage
	err := d.run(ctx, d.cfg.ActionTimeout,
		chromedp.Evaluate(script, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithSilent(true)
		}),
	)
	if err != nil {
		return schemas.ProbeResult{}, fmt.Errorf("probing %.0f,%.0f: %w", x, y, err)
	}

	var result schemas.ProbeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return schemas.ProbeResult{}, fmt.Errorf("decoding probe result: %w (payload: %s)", err, string(raw))
	}
	return result, nil
}

// CurrentURL reports the page's location.
func (d *ChromedpDriver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := d.run(ctx, d.cfg.ActionTimeout, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("reading location: %w", err)
	}
	return url, nil
}

// IsHealthy checks that the browser still evaluates JavaScript within the
// health probe timeout. A crashed or hung renderer fails this quickly.
func (d *ChromedpDriver) IsHealthy(ctx context.Context) bool {
	timeout := d.cfg.Health.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var out int
	err := d.run(ctx, timeout, chromedp.Evaluate("1+1", &out))
	if err != nil {
		d.logger.Warn("Browser health probe failed.", zap.Error(err))
		return false
	}
	return out == 2
}

// Close releases the page, browser, and allocator.
func (d *ChromedpDriver) Close(ctx context.Context) error {
	d.browserCancel()
	d.allocCancel()
	d.logger.Debug("Browser closed.")
	return nil
}

func jsNumber(v float64) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "0"
	}
	return string(b)
}
