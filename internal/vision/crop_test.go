// internal/vision/crop_test.go
package vision

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visorlabs/visor-cli/api/schemas"
)

// encodeTestImage renders a white image with a red rectangle so crops can be
// verified by pixel color.
func encodeTestImage(t *testing.T, w, h int, red image.Rectangle) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if image.Pt(x, y).In(red) {
				img.Set(x, y, color.RGBA{R: 255, A: 255})
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestCropPNG_ExtractsRegion(t *testing.T) {
	src := encodeTestImage(t, 100, 80, image.Rect(20, 30, 40, 50))

	out, err := CropPNG(src, schemas.Box{X0: 20, Y0: 30, X1: 40, Y1: 50})
	require.NoError(t, err)

	cropped, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 20, cropped.Bounds().Dx())
	assert.Equal(t, 20, cropped.Bounds().Dy())

	r, _, _, _ := cropped.At(10, 10).RGBA()
	assert.EqualValues(t, 0xffff, r, "crop interior should be red")
}

func TestCropPNG_ClampsToBounds(t *testing.T) {
	src := encodeTestImage(t, 50, 50, image.Rectangle{})

	out, err := CropPNG(src, schemas.Box{X0: -10, Y0: 40, X1: 200, Y1: 200})
	require.NoError(t, err)

	cropped, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 50, cropped.Bounds().Dx())
	assert.Equal(t, 10, cropped.Bounds().Dy())
}

func TestCropPNG_RejectsOutOfBounds(t *testing.T) {
	src := encodeTestImage(t, 50, 50, image.Rectangle{})

	_, err := CropPNG(src, schemas.Box{X0: 200, Y0: 200, X1: 300, Y1: 300})
	require.Error(t, err)
}

func TestCropPNG_RejectsInvalidPNG(t *testing.T) {
	_, err := CropPNG([]byte("not a png"), schemas.Box{X0: 0, Y0: 0, X1: 10, Y1: 10})
	require.Error(t, err)
}
