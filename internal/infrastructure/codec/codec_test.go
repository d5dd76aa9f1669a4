package codec

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	return img
}

func TestPNG_Lossless(t *testing.T) {
	c := NewPNG()
	src := gradient(40, 30)

	payload, err := c.Encode(src)
	require.NoError(t, err)
	assert.NotEmpty(t, payload)

	got, err := c.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), got.Bounds())
	assert.Equal(t, src.Pix, got.Pix)
}

func TestJPEG_RoundTripKeepsSize(t *testing.T) {
	c := NewJPEG(90)
	src := gradient(64, 48)

	payload, err := c.Encode(src)
	require.NoError(t, err)

	got, err := c.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, 64, got.Bounds().Dx())
	assert.Equal(t, 48, got.Bounds().Dy())

	// lossy, but close
	want := src.RGBAAt(10, 10)
	have := got.RGBAAt(10, 10)
	assert.InDelta(t, float64(want.R), float64(have.R), 12)
	assert.InDelta(t, float64(want.G), float64(have.G), 12)
}

func TestCodec_ReusesBuffers(t *testing.T) {
	c := NewPNG()
	for i := 0; i < 5; i++ {
		payload, err := c.Encode(gradient(16+i, 16))
		require.NoError(t, err)
		img, err := c.Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, 16+i, img.Bounds().Dx())
	}
}

func TestCodec_Errors(t *testing.T) {
	c := NewJPEG(75)

	_, err := c.Encode(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	assert.Error(t, err)

	_, err = c.Decode("")
	assert.Error(t, err)

	_, err = c.Decode("%%%not-base64")
	assert.Error(t, err)

	_, err = c.Decode("aGVsbG8gd29ybGQ=")
	assert.Error(t, err)

	_, err = New("webp", 10)
	assert.Error(t, err)
	_, err = New(FormatJPEG, 0)
	assert.Error(t, err)

	assert.Equal(t, FormatJPEG, NewJPEG(500).Format())
}

func TestEncodeTo_WritesRawImage(t *testing.T) {
	c := NewJPEG(90)
	assert.Equal(t, "image/jpeg", c.ContentType())
	assert.Equal(t, "image/png", NewPNG().ContentType())

	var buf bytes.Buffer
	require.NoError(t, c.EncodeTo(&buf, gradient(32, 24)))

	img, err := jpeg.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 24), img.Bounds())

	assert.Error(t, c.EncodeTo(&buf, nil))
}
