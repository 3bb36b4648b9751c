// internal/perception/engine.go
package perception

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
	"github.com/visorlabs/visor-cli/internal/vision"
)

// Error is a perception stage failure. The loop treats it as a failed step,
// not a fatal run error.
type Error struct {
	Stage string // "detect", "decode"
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("perception %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Engine turns a screenshot into an ordered, deduplicated Snapshot. It is
// stateless across calls and safe for concurrent use by multiple sessions.
type Engine struct {
	detector      schemas.Detector
	recognizer    schemas.Recognizer // nil when OCR is disabled
	minConfidence float64
	nmsIoU        float64
	logger        *zap.Logger
}

// NewEngine wires the inference clients into a perception pipeline.
// recognizer may be nil, in which case all elements keep empty text.
func NewEngine(cfg config.VisionConfig, detector schemas.Detector, recognizer schemas.Recognizer, logger *zap.Logger) *Engine {
	return &Engine{
		detector:      detector,
		recognizer:    recognizer,
		minConfidence: cfg.Detector.MinConfidence,
		nmsIoU:        cfg.NMSIoU,
		logger:        logger.Named("perception"),
	}
}

// Perceive runs the full pipeline: detect, filter, suppress, recognize,
// assign ids. A page with no surviving detections yields a valid snapshot
// with zero elements. Only detector failure is an error; OCR failures
// degrade to empty element text.
func (e *Engine) Perceive(ctx context.Context, image []byte, pageURL string) (*schemas.Snapshot, error) {
	raw, err := e.detector.Detect(ctx, image)
	if err != nil {
		return nil, &Error{Stage: "detect", Err: err}
	}

	kept := e.suppress(e.filter(raw))

	elements := make([]schemas.UIElement, 0, len(kept))
	for i, d := range kept {
		elements = append(elements, schemas.UIElement{
			ID:         i,
			Label:      d.Label,
			Box:        d.Box,
			Confidence: d.Confidence,
			Text:       e.recognize(ctx, image, d.Box),
		})
	}

	e.logger.Debug("Perception complete.",
		zap.Int("raw", len(raw)),
		zap.Int("elements", len(elements)),
		zap.String("page_url", pageURL))

	return &schemas.Snapshot{
		Image:      image,
		Elements:   elements,
		CapturedAt: time.Now().UTC(),
		PageURL:    pageURL,
	}, nil
}

// filter drops low-confidence and degenerate detections, then sorts the
// survivors into the canonical order: confidence desc, area desc, Y0 asc,
// X0 asc. This ordering drives both NMS priority and final id assignment,
// so identical detector output always yields identical snapshots.
func (e *Engine) filter(raw []schemas.RawDetection) []schemas.RawDetection {
	out := make([]schemas.RawDetection, 0, len(raw))
	for _, d := range raw {
		if d.Confidence < e.minConfidence || d.Box.Area() <= 0 {
			continue
		}
		out = append(out, d)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Box.Area() != b.Box.Area() {
			return a.Box.Area() > b.Box.Area()
		}
		if a.Box.Y0 != b.Box.Y0 {
			return a.Box.Y0 < b.Box.Y0
		}
		return a.Box.X0 < b.Box.X0
	})
	return out
}

// suppress applies greedy per-class non-max suppression over the already
// sorted candidates. A candidate is dropped when it overlaps an already kept
// box of the same label above the IoU threshold.
func (e *Engine) suppress(sorted []schemas.RawDetection) []schemas.RawDetection {
	kept := make([]schemas.RawDetection, 0, len(sorted))
	for _, cand := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.Label == cand.Label && k.Box.IoU(cand.Box) > e.nmsIoU {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, cand)
		}
	}
	return kept
}

// recognize OCRs one element region. Any failure along the crop/recognize
// path is absorbed into empty text; a missing word is recoverable, a dead
// loop iteration is not.
func (e *Engine) recognize(ctx context.Context, image []byte, box schemas.Box) string {
	if e.recognizer == nil {
		return ""
	}
	crop, err := vision.CropPNG(image, box)
	if err != nil {
		e.logger.Debug("Element crop failed, keeping empty text.",
			zap.String("box", box.String()), zap.Error(err))
		return ""
	}
	text, err := e.recognizer.Recognize(ctx, crop)
	if err != nil {
		e.logger.Debug("OCR failed, keeping empty text.",
			zap.String("box", box.String()), zap.Error(err))
		return ""
	}
	return text
}
