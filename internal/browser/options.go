// internal/browser/options.go
package browser

import (
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/visorlabs/visor-cli/internal/config"
)

// execAllocatorOptions translates the browser configuration into chromedp
// allocator options.
func execAllocatorOptions(cfg config.BrowserConfig, proxyAddr string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		// Required on hardened systems where the Chrome sandbox cannot start.
		chromedp.NoSandbox,
		// Recommended for stability in containers and headless environments.
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)

	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if proxyAddr != "" {
		opts = append(opts, chromedp.ProxyServer(proxyAddr),
			// The capture proxy re-signs TLS with its own CA.
			chromedp.Flag("ignore-certificate-errors", true))
	}

	// Additional flags from the config file's 'args' slice.
	for _, arg := range cfg.Args {
		if !strings.Contains(arg, "=") {
			opts = append(opts, chromedp.Flag(strings.TrimPrefix(arg, "--"), true))
			continue
		}
		parts := strings.SplitN(arg, "=", 2)
		opts = append(opts, chromedp.Flag(strings.TrimPrefix(parts[0], "--"), parts[1]))
	}
	return opts
}
