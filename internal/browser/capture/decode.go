// internal/browser/capture/decode.go
package capture

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// decodeBody reverses a response's Content-Encoding so the archive stores
// readable text. Stacked encodings are applied in reverse declaration order.
// Unknown encodings and truncated streams return an error; the recorder then
// keeps the raw bytes out of the archive rather than guessing.
func decodeBody(encoding string, body []byte) ([]byte, error) {
	if encoding == "" || len(body) == 0 {
		return body, nil
	}

	encodings := strings.Split(encoding, ",")
	out := body
	for i := len(encodings) - 1; i >= 0; i-- {
		var err error
		out, err = decodeSingle(strings.TrimSpace(strings.ToLower(encodings[i])), out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeSingle(encoding string, body []byte) ([]byte, error) {
	switch encoding {
	case "", "identity":
		return body, nil

	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)

	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))

	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if out, err := tryZlib(body); err == nil {
			return out, nil
		}
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func tryZlib(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// isTextualMime reports whether a response body is worth archiving as text.
func isTextualMime(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/javascript", "application/xml",
		"application/xhtml+xml", "application/x-www-form-urlencoded",
		"image/svg+xml":
		return true
	}
	return strings.HasSuffix(mime, "+json") || strings.HasSuffix(mime, "+xml")
}
