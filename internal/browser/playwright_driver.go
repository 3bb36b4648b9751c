// internal/browser/playwright_driver.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

const playwrightInstallTimeout = 5 * time.Minute

// PlaywrightDriver drives a Chromium instance through Playwright. Playwright
// manages its own protocol timeouts, so the context plumbing here is
// cooperative: each operation checks for cancellation before starting.
type PlaywrightDriver struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	pw         *playwright.Playwright
	browser    playwright.Browser
	browserCtx playwright.BrowserContext
	page       playwright.Page
}

var _ schemas.BrowserDriver = (*PlaywrightDriver)(nil)

// NewPlaywrightDriver installs (if needed) and launches Chromium, then opens
// one page at the configured viewport.
func NewPlaywrightDriver(ctx context.Context, cfg config.BrowserConfig, proxyAddr string, logger *zap.Logger) (*PlaywrightDriver, error) {
	log := logger.Named("browser.playwright")

	if err := ensurePlaywrightInstalled(ctx, log); err != nil {
		return nil, err
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("starting playwright driver: %w", err)
	}

	args := append([]string{
		"--disable-gpu",
		"--no-sandbox",
		"--disable-dev-shm-usage",
	}, cfg.Args...)

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
		Args:     args,
		Timeout:  playwright.Float(60000),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("launching chromium: %w", err)
	}

	ctxOptions := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: cfg.ViewportWidth, Height: cfg.ViewportHeight},
	}
	if cfg.UserAgent != "" {
		ctxOptions.UserAgent = playwright.String(cfg.UserAgent)
	}
	if proxyAddr != "" {
		ctxOptions.Proxy = &playwright.Proxy{Server: proxyAddr}
		ctxOptions.IgnoreHttpsErrors = playwright.Bool(true)
	}

	browserCtx, err := browser.NewContext(ctxOptions)
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("creating browser context: %w", err)
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		browserCtx.Close()
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("opening page: %w", err)
	}

	log.Info("Browser launched.",
		zap.Bool("headless", cfg.Headless),
		zap.String("version", browser.Version()))

	return &PlaywrightDriver{
		cfg:        cfg,
		logger:     log,
		pw:         pw,
		browser:    browser,
		browserCtx: browserCtx,
		page:       page,
	}, nil
}

// ensurePlaywrightInstalled downloads the Chromium build on first use. The
// install blocks, so it runs in a goroutine bounded by the context.
func ensurePlaywrightInstalled(ctx context.Context, logger *zap.Logger) error {
	installCtx, cancel := context.WithTimeout(ctx, playwrightInstallTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("installing playwright browsers: %w", err)
		}
		return nil
	case <-installCtx.Done():
		return fmt.Errorf("timeout waiting for playwright installation: %w", installCtx.Err())
	}
}

// CaptureScreenshot returns a PNG of the current viewport.
func (d *PlaywrightDriver) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, err := d.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypePng,
		Timeout: playwright.Float(float64(d.cfg.ScreenshotTimeout.Milliseconds())),
	})
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return buf, nil
}

// Dispatch executes one resolved driver action.
func (d *PlaywrightDriver) Dispatch(ctx context.Context, action schemas.DriverAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch action.Kind {
	case schemas.DriverClick:
		return d.page.Mouse().Click(action.X, action.Y)

	case schemas.DriverTypeText:
		if err := d.page.Mouse().Click(action.X, action.Y); err != nil {
			return fmt.Errorf("focusing input: %w", err)
		}
		return d.page.Keyboard().Type(action.Text, playwright.KeyboardTypeOptions{
			Delay: playwright.Float(50),
		})

	case schemas.DriverNavigate:
		_, err := d.page.Goto(action.URL, playwright.PageGotoOptions{
			Timeout:   playwright.Float(float64(d.cfg.NavTimeout.Milliseconds())),
			WaitUntil: playwright.WaitUntilStateLoad,
		})
		if err != nil {
			return fmt.Errorf("navigating to %s: %w", action.URL, err)
		}
		return nil

	case schemas.DriverScroll:
		return d.page.Mouse().Wheel(0, action.DeltaY)

	case schemas.DriverWait:
		select {
		case <-time.After(time.Duration(action.DurationMS) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		return fmt.Errorf("playwright driver cannot dispatch %q", action.Kind)
	}
}

// ProbePoint asks the live page what occupies a viewport coordinate.
func (d *PlaywrightDriver) ProbePoint(ctx context.Context, x, y float64) (schemas.ProbeResult, error) {
	if err := ctx.Err(); err != nil {
		return schemas.ProbeResult{}, err
	}

	script := fmt.Sprintf(probeScript, jsNumber(x), jsNumber(y))
	value, err := d.page.Evaluate(script)
	if err != nil {
		return schemas.ProbeResult{}, fmt.Errorf("probing %.0f,%.0f: %w", x, y, err)
	}

	// Evaluate returns loosely typed data; round-trip through JSON to land
	// on the schema type.
	raw, err := json.Marshal(value)
	if err != nil {
		return schemas.ProbeResult{}, fmt.Errorf("encoding probe result: %w", err)
	}
	var result schemas.ProbeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return schemas.ProbeResult{}, fmt.Errorf("decoding probe result: %w", err)
	}
	return result, nil
}

// CurrentURL reports the page's location.
func (d *PlaywrightDriver) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.page.URL(), nil
}

// IsHealthy checks the page still evaluates JavaScript.
func (d *PlaywrightDriver) IsHealthy(ctx context.Context) bool {
	if ctx.Err() != nil || d.page.IsClosed() {
		return false
	}
	if _, err := d.page.Evaluate("1+1"); err != nil {
		d.logger.Warn("Browser health probe failed.", zap.Error(err))
		return false
	}
	return true
}

// Close tears down the page, context, browser, and driver in order.
func (d *PlaywrightDriver) Close(ctx context.Context) error {
	var firstErr error
	if err := d.page.Close(); err != nil {
		firstErr = err
	}
	if err := d.browserCtx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.browser.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.pw.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	d.logger.Debug("Browser closed.")
	return firstErr
}
