// internal/browser/capture/recorder_test.go
package capture

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/internal/config"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecodeBody(t *testing.T) {
	payload := []byte(`{"status":"ok"}`)

	tests := []struct {
		name     string
		encoding string
		body     []byte
	}{
		{"identity", "", payload},
		{"gzip", "gzip", gzipBytes(t, payload)},
		{"brotli", "br", brotliBytes(t, payload)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := decodeBody(tt.encoding, tt.body)
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestDecodeBody_UnknownEncoding(t *testing.T) {
	_, err := decodeBody("zstd", []byte("x"))
	require.Error(t, err)
}

func TestIsTextualMime(t *testing.T) {
	assert.True(t, isTextualMime("text/html; charset=utf-8"))
	assert.True(t, isTextualMime("application/json"))
	assert.True(t, isTextualMime("application/ld+json"))
	assert.False(t, isTextualMime("image/png"))
	assert.False(t, isTextualMime("application/octet-stream"))
}

// startRecorder spins up a recorder and returns an HTTP client routed
// through it.
func startRecorder(t *testing.T, cfg config.CaptureConfig) (*Recorder, *http.Client) {
	t.Helper()
	rec := NewRecorder(cfg, "test", zap.NewNop())
	addr, err := rec.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rec.Stop(ctx)
	})

	proxyURL, err := url.Parse("http://" + addr)
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
	return rec, client
}

func TestRecorder_RecordsExchanges(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"created":true}`))
	}))
	defer backend.Close()

	rec, client := startRecorder(t, config.CaptureConfig{Enabled: true, Listen: "127.0.0.1:0"})

	resp, err := client.Post(backend.URL+"/items", "application/json", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, `{"created":true}`, string(body),
		"the proxied client must still receive the full body")

	har := rec.HAR()
	require.Len(t, har.Log.Entries, 1)
	entry := har.Log.Entries[0]
	assert.Equal(t, "POST", entry.Request.Method)
	assert.Contains(t, entry.Request.URL, "/items")
	assert.Equal(t, http.StatusCreated, entry.Response.Status)
	assert.Equal(t, `{"created":true}`, entry.Response.Content.Text)
	assert.Equal(t, "1.2", har.Log.Version)
}

func TestRecorder_DecodesGzipBodies(t *testing.T) {
	payload := `{"compressed":true}`
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(gzipBytes(t, []byte(payload)))
	}))
	defer backend.Close()

	rec, client := startRecorder(t, config.CaptureConfig{Enabled: true, Listen: "127.0.0.1:0"})

	resp, err := client.Get(backend.URL)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	har := rec.HAR()
	require.Len(t, har.Log.Entries, 1)
	assert.Equal(t, payload, har.Log.Entries[0].Response.Content.Text)
}

func TestRecorder_CapsBodyText(t *testing.T) {
	big := strings.Repeat("a", 4096)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(big))
	}))
	defer backend.Close()

	rec, client := startRecorder(t, config.CaptureConfig{Enabled: true, Listen: "127.0.0.1:0", MaxBodySize: 128})

	resp, err := client.Get(backend.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Len(t, body, 4096, "capping the archive must not cap the live stream")

	har := rec.HAR()
	require.Len(t, har.Log.Entries, 1)
	assert.Empty(t, har.Log.Entries[0].Response.Content.Text,
		"over-cap bodies keep no text in the archive")
}

func TestRecorder_HARSnapshotIsIsolated(t *testing.T) {
	rec := NewRecorder(config.CaptureConfig{}, "test", zap.NewNop())
	first := rec.HAR()
	first.Log.Entries = append(first.Log.Entries, rec.HAR().Log.Entries...)
	assert.Empty(t, rec.HAR().Log.Entries, "mutating a snapshot must not touch the recorder")
}
