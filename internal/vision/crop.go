// internal/vision/crop.go
package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"

	"github.com/visorlabs/visor-cli/api/schemas"
)

// CropPNG cuts the region described by box out of a PNG screenshot and
// re-encodes it as PNG. Box coordinates are clamped to the image bounds; a
// box that clamps to zero area is an error.
func CropPNG(screenshot []byte, box schemas.Box) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(screenshot))
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot: %w", err)
	}

	bounds := src.Bounds()
	rect := image.Rect(
		clampInt(box.X0, bounds.Min.X, bounds.Max.X),
		clampInt(box.Y0, bounds.Min.Y, bounds.Max.Y),
		clampInt(box.X1, bounds.Min.X, bounds.Max.X),
		clampInt(box.Y1, bounds.Min.Y, bounds.Max.Y),
	)
	if rect.Dx() <= 0 || rect.Dy() <= 0 {
		return nil, fmt.Errorf("box %s is outside the screenshot bounds %v", box.String(), bounds)
	}

	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), src, rect.Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encoding crop: %w", err)
	}
	return buf.Bytes(), nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
