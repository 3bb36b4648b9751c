// internal/browser/capture/recorder.go
package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// defaultMaxBodySize caps how much of each response body lands in the
// archive when the config names no limit.
const defaultMaxBodySize = 256 << 10

// Recorder is a local MITM proxy the browser is pointed at. Every exchange
// flowing through it is summarized into a HAR archive the session persists
// with its artifacts. HTTPS traffic is re-signed with goproxy's CA, which is
// why the browser launches with certificate errors ignored when capture is
// enabled.
type Recorder struct {
	cfg    config.CaptureConfig
	logger *zap.Logger

	proxy    *goproxy.ProxyHttpServer
	server   *http.Server
	listener net.Listener

	mu  sync.Mutex
	har *schemas.HAR
}

// requestRecord travels from the request hook to the response hook via
// goproxy's per-exchange UserData.
type requestRecord struct {
	started time.Time
	request schemas.HARRequest
}

// NewRecorder builds an inert recorder; Start binds the listener.
func NewRecorder(cfg config.CaptureConfig, version string, logger *zap.Logger) *Recorder {
	proxy := goproxy.NewProxyHttpServer()

	r := &Recorder{
		cfg:    cfg,
		logger: logger.Named("capture"),
		proxy:  proxy,
		har:    schemas.NewHAR(version),
	}

	proxy.OnRequest().HandleConnect(goproxy.AlwaysMitm)
	proxy.OnRequest().DoFunc(r.onRequest)
	proxy.OnResponse().DoFunc(r.onResponse)

	return r
}

// Start binds the proxy listener and begins serving. It returns the address
// the browser should use as its proxy server.
func (r *Recorder) Start() (string, error) {
	listen := r.cfg.Listen
	if listen == "" {
		listen = "127.0.0.1:0"
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return "", fmt.Errorf("binding capture proxy: %w", err)
	}
	r.listener = ln
	r.server = &http.Server{Handler: r.proxy}

	go func() {
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Warn("Capture proxy exited.", zap.Error(err))
		}
	}()

	addr := ln.Addr().String()
	r.logger.Info("Capture proxy listening.", zap.String("addr", addr))
	return addr, nil
}

// Stop shuts the proxy down, draining in-flight exchanges until ctx expires.
func (r *Recorder) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}

// HAR returns a snapshot of the archive recorded so far.
func (r *Recorder) HAR() *schemas.HAR {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := *r.har
	snapshot.Log.Entries = make([]schemas.HAREntry, len(r.har.Log.Entries))
	copy(snapshot.Log.Entries, r.har.Log.Entries)
	return &snapshot
}

func (r *Recorder) onRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	rec := &requestRecord{
		started: time.Now().UTC(),
		request: schemas.HARRequest{
			Method:      req.Method,
			URL:         req.URL.String(),
			HTTPVersion: req.Proto,
			Headers:     headerPairs(req.Header),
			HeadersSize: -1,
			BodySize:    req.ContentLength,
		},
	}
	ctx.UserData = rec
	return req, nil
}

func (r *Recorder) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	rec, ok := ctx.UserData.(*requestRecord)
	if !ok || resp == nil {
		return resp
	}

	entry := schemas.HAREntry{
		StartedDateTime: rec.started,
		Time:            float64(time.Since(rec.started).Microseconds()) / 1000.0,
		Request:         rec.request,
		Response: schemas.HARResponse{
			Status:      resp.StatusCode,
			StatusText:  http.StatusText(resp.StatusCode),
			HTTPVersion: resp.Proto,
			Headers:     headerPairs(resp.Header),
			RedirectURL: resp.Header.Get("Location"),
			HeadersSize: -1,
			BodySize:    resp.ContentLength,
		},
	}
	entry.Response.Content = r.captureBody(resp)

	r.mu.Lock()
	r.har.Log.Entries = append(r.har.Log.Entries, entry)
	r.mu.Unlock()

	return resp
}

// captureBody samples up to the configured cap of the response body without
// consuming it: the sampled prefix is stitched back in front of the unread
// remainder, so the browser still receives the exact original stream.
func (r *Recorder) captureBody(resp *http.Response) schemas.HARContent {
	content := schemas.HARContent{
		Size:     resp.ContentLength,
		MimeType: resp.Header.Get("Content-Type"),
	}
	if resp.Body == nil {
		return content
	}

	limit := r.cfg.MaxBodySize
	if limit <= 0 {
		limit = defaultMaxBodySize
	}

	buf := make([]byte, limit)
	n, err := io.ReadFull(resp.Body, buf)
	sampled := buf[:n]
	complete := err == io.EOF || err == io.ErrUnexpectedEOF

	resp.Body = &prefixedReadCloser{
		Reader: io.MultiReader(bytes.NewReader(sampled), resp.Body),
		closer: resp.Body,
	}

	if !isTextualMime(content.MimeType) {
		return content
	}
	if !complete {
		// A truncated compressed stream will not decode; skip the text
		// rather than archiving garbage.
		r.logger.Debug("Response body exceeds capture cap, text omitted.",
			zap.String("mime", content.MimeType), zap.Int64("cap", limit))
		return content
	}

	decoded, derr := decodeBody(resp.Header.Get("Content-Encoding"), sampled)
	if derr != nil {
		r.logger.Debug("Response body decode failed.", zap.Error(derr))
		return content
	}
	content.Text = string(decoded)
	if content.Size < 0 {
		content.Size = int64(len(sampled))
	}
	return content
}

// prefixedReadCloser replays sampled bytes ahead of the remaining stream
// while keeping the original body's Close.
type prefixedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (p *prefixedReadCloser) Close() error { return p.closer.Close() }

func headerPairs(h http.Header) []schemas.NVPair {
	pairs := make([]schemas.NVPair, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			pairs = append(pairs, schemas.NVPair{Name: name, Value: v})
		}
	}
	return pairs
}
