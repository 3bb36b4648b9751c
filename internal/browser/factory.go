// internal/browser/factory.go
package browser

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// NewDriver launches a browser with the configured backend. proxyAddr, when
// non-empty, routes page traffic through the session's capture proxy.
func NewDriver(ctx context.Context, cfg config.BrowserConfig, proxyAddr string, logger *zap.Logger) (schemas.BrowserDriver, error) {
	switch cfg.Driver {
	case config.DriverChromedp, "":
		return NewChromedpDriver(ctx, cfg, proxyAddr, logger)
	case config.DriverPlaywright:
		return NewPlaywrightDriver(ctx, cfg, proxyAddr, logger)
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}
