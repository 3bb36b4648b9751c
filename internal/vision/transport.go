// internal/vision/transport.go
package vision

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// newInferenceHTTPClient builds the HTTP client shared by the inference
// service clients. Detection payloads are full screenshots (hundreds of KB),
// so when the service supports it we negotiate HTTP/2 for its multiplexing
// and header compression; otherwise a tuned HTTP/1.1 transport is used.
func newInferenceHTTPClient(timeout time.Duration, useHTTP2 bool) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   useHTTP2,
	}

	if useHTTP2 {
		// Upgrades the transport in place; falls back to HTTP/1.1 when the
		// peer does not negotiate h2 via ALPN.
		if err := http2.ConfigureTransport(transport); err != nil {
			// The only failure mode is a transport already configured for h2,
			// which cannot happen with a freshly built one. Keep HTTP/1.1.
			transport.ForceAttemptHTTP2 = false
		}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
