// internal/vision/ocr.go
package vision

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/internal/config"
)

// OCRClient talks to the remote text recognition service. It posts a cropped
// PNG region and gets back an hOCR document, from which the recognized words
// are extracted in reading order.
type OCRClient struct {
	endpoint   string
	language   string
	httpClient *http.Client
	logger     *zap.Logger

	backoffFactory func() backoff.BackOff
}

// NewOCRClient builds an OCR client from the vision configuration.
func NewOCRClient(cfg config.VisionConfig, logger *zap.Logger) (*OCRClient, error) {
	if cfg.OCR.Endpoint == "" {
		return nil, fmt.Errorf("ocr endpoint is not configured")
	}
	timeout := cfg.OCR.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &OCRClient{
		endpoint:   cfg.OCR.Endpoint,
		language:   cfg.OCR.Language,
		httpClient: newInferenceHTTPClient(timeout, cfg.HTTP2),
		logger:     logger.Named("vision.ocr"),
		backoffFactory: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 250 * time.Millisecond
			bo.MaxInterval = 2 * time.Second
			bo.MaxElapsedTime = timeout
			return bo
		},
	}, nil
}

// Recognize submits a cropped PNG and returns the recognized text, with
// whitespace normalized down to single spaces. An empty string with a nil
// error means the service found no text in the region.
func (c *OCRClient) Recognize(ctx context.Context, crop []byte) (string, error) {
	if len(crop) == 0 {
		return "", fmt.Errorf("empty crop payload")
	}

	url := c.endpoint
	if c.language != "" {
		url = fmt.Sprintf("%s?lang=%s", c.endpoint, c.language)
	}

	var hocr []byte

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(crop))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building ocr request: %w", err))
		}
		req.Header.Set("Content-Type", "image/png")
		req.Header.Set("Accept", "application/xml")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return fmt.Errorf("reading ocr response: %w", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			hocr = body
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("ocr transient status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("ocr status %d: %s", resp.StatusCode, truncateBody(body)))
		}
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", err
	}

	text, err := parseHOCRWords(hocr)
	if err != nil {
		return "", fmt.Errorf("parsing hocr response: %w", err)
	}
	return text, nil
}

// parseHOCRWords extracts the ocrx_word spans from an hOCR document and joins
// them with single spaces. Document order matches reading order in hOCR, so
// no geometric reordering is needed.
func parseHOCRWords(hocr []byte) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(hocr); err != nil {
		return "", err
	}

	var words []string
	for _, span := range doc.FindElements("//span") {
		if span.SelectAttrValue("class", "") != "ocrx_word" {
			continue
		}
		word := strings.TrimSpace(span.Text())
		if word != "" {
			words = append(words, word)
		}
	}
	return strings.Join(words, " "), nil
}
