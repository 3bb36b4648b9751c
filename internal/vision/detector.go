// internal/vision/detector.go
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// DetectorClient talks to the remote UI element detection service. It posts a
// raw PNG screenshot and gets back a list of labeled bounding boxes. The
// client returns detections exactly as the service scored them; confidence
// filtering and NMS belong to the perception engine.
type DetectorClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger

	// backoffFactory is swapped in tests to collapse retry delays.
	backoffFactory func() backoff.BackOff
}

// detectResponse mirrors the service's JSON reply.
type detectResponse struct {
	Detections []detectionPayload `json:"detections"`
}

type detectionPayload struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        struct {
		X0 float64 `json:"x0"`
		Y0 float64 `json:"y0"`
		X1 float64 `json:"x1"`
		Y1 float64 `json:"y1"`
	} `json:"box"`
}

// NewDetectorClient builds a detector client from the vision configuration.
func NewDetectorClient(cfg config.VisionConfig, logger *zap.Logger) (*DetectorClient, error) {
	if cfg.Detector.Endpoint == "" {
		return nil, fmt.Errorf("detector endpoint is not configured")
	}
	timeout := cfg.Detector.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &DetectorClient{
		endpoint:   cfg.Detector.Endpoint,
		apiKey:     cfg.Detector.APIKey,
		httpClient: newInferenceHTTPClient(timeout, cfg.HTTP2),
		logger:     logger.Named("vision.detector"),
		backoffFactory: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 5 * time.Second
			bo.MaxElapsedTime = timeout
			return bo
		},
	}, nil
}

// Detect submits a PNG screenshot and returns the raw detections.
func (c *DetectorClient) Detect(ctx context.Context, png []byte) ([]schemas.RawDetection, error) {
	if len(png) == 0 {
		return nil, fmt.Errorf("empty screenshot payload")
	}

	var detections []schemas.RawDetection

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(png))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building detect request: %w", err))
		}
		req.Header.Set("Content-Type", "image/png")
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("Detector request failed, retrying.", zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if readErr != nil {
			return fmt.Errorf("reading detector response: %w", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			// fall through to decode
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			c.logger.Warn("Detector returned transient status.",
				zap.Int("status", resp.StatusCode))
			return fmt.Errorf("detector transient status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("detector status %d: %s", resp.StatusCode, truncateBody(body)))
		}

		var decoded detectResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding detector response: %w", err))
		}

		detections = detections[:0]
		for _, d := range decoded.Detections {
			detections = append(detections, schemas.RawDetection{
				Label:      d.Label,
				Confidence: d.Confidence,
				Box: schemas.Box{
					X0: int(math.Round(d.Box.X0)),
					Y0: int(math.Round(d.Box.Y0)),
					X1: int(math.Round(d.Box.X1)),
					Y1: int(math.Round(d.Box.Y1)),
				},
			})
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return nil, err
	}

	c.logger.Debug("Detection complete.", zap.Int("detections", len(detections)))
	return detections, nil
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
