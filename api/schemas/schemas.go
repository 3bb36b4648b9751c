package schemas

import (
	"fmt"
	"time"
)

// -- Geometry --

// Box is an axis-aligned bounding box in screenshot pixel coordinates.
// (X0, Y0) is the top-left corner and (X1, Y1) the bottom-right; X1 >= X0
// and Y1 >= Y0 for any box produced by the perception pipeline.
type Box struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// Width returns the horizontal extent of the box in pixels.
func (b Box) Width() int { return b.X1 - b.X0 }

// Height returns the vertical extent of the box in pixels.
func (b Box) Height() int { return b.Y1 - b.Y0 }

// Area returns the box area in square pixels. Degenerate boxes report zero.
func (b Box) Area() int {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the midpoint of the box. This is the coordinate the
// executor aims pointer activations at.
func (b Box) Center() (x, y float64) {
	return float64(b.X0) + float64(b.Width())/2, float64(b.Y0) + float64(b.Height())/2
}

// IoU computes intersection-over-union with another box. It returns 0 when
// the boxes do not overlap or when the union is degenerate.
func (b Box) IoU(o Box) float64 {
	ix0 := max(b.X0, o.X0)
	iy0 := max(b.Y0, o.Y0)
	ix1 := min(b.X1, o.X1)
	iy1 := min(b.Y1, o.Y1)
	if ix1 <= ix0 || iy1 <= iy0 {
		return 0
	}
	inter := (ix1 - ix0) * (iy1 - iy0)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// String renders the box as "x0,y0-x1,y1" for logs and prompts.
func (b Box) String() string {
	return fmt.Sprintf("%d,%d-%d,%d", b.X0, b.Y0, b.X1, b.Y1)
}

// -- Detections & Elements --

// RawDetection is one candidate region as reported by the visual detector,
// before confidence filtering and non-max suppression.
type RawDetection struct {
	Label      string  `json:"label"`
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
}

// UIElement is one detected interactive control on the page. The ID is the
// element's index in its snapshot's final ordered list; it is stable within
// that snapshot only and must never be compared across snapshots.
type UIElement struct {
	ID         int     `json:"id"`
	Label      string  `json:"label"`      // detector class, e.g. "button", "input", "link"
	Box        Box     `json:"box"`        // location in screenshot pixels
	Confidence float64 `json:"confidence"` // detector confidence after filtering
	Text       string  `json:"text"`       // OCR text; empty when extraction failed or found nothing
}

// Snapshot is one immutable capture of the page's detected visual state.
// It is owned by the loop iteration that produced it.
type Snapshot struct {
	Image      []byte      `json:"-"` // PNG screenshot bytes; persisted as an artifact, not inline JSON
	Elements   []UIElement `json:"elements"`
	CapturedAt time.Time   `json:"captured_at"`
	PageURL    string      `json:"page_url,omitempty"`
}

// Element returns the element with the given id, or false when the id is
// not present in this snapshot.
func (s *Snapshot) Element(id int) (UIElement, bool) {
	if id < 0 || id >= len(s.Elements) {
		return UIElement{}, false
	}
	return s.Elements[id], true
}

// Summary condenses the snapshot for history entries, which must stay small
// enough to serialize into reasoner prompts.
func (s *Snapshot) Summary() SnapshotSummary {
	return SnapshotSummary{
		ElementCount: len(s.Elements),
		CapturedAt:   s.CapturedAt,
		PageURL:      s.PageURL,
	}
}

// SnapshotSummary is the compact record of a snapshot kept in history.
type SnapshotSummary struct {
	ElementCount int       `json:"element_count"`
	CapturedAt   time.Time `json:"captured_at"`
	PageURL      string    `json:"page_url,omitempty"`
}
