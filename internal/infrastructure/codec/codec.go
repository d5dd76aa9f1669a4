package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"tilecast/pkg/optimize"
	"tilecast/pkg/raster"
)

const (
	DefaultJPEGQuality = 75

	initialBufferSize = 64 << 10
	maxPooledBuffer   = 4 << 20
)

// Format selects the still-image encoding used for full frames.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// Codec encodes full frames as base64 text so they fit in a JSON packet.
// It implements ports.ImageCodec.
type Codec struct {
	format  Format
	quality int
	buffers *optimize.BufferPool
	bytes   *optimize.BytePool
	png     *png.Encoder
}

// New creates a codec. quality only applies to JPEG.
func New(format Format, quality int) (*Codec, error) {
	switch format {
	case FormatJPEG:
		if quality < 1 || quality > 100 {
			return nil, fmt.Errorf("jpeg quality must be within [1, 100], got %d", quality)
		}
	case FormatPNG:
	default:
		return nil, fmt.Errorf("unsupported image format %q", format)
	}
	return &Codec{
		format:  format,
		quality: quality,
		buffers: optimize.NewBufferPool(initialBufferSize, maxPooledBuffer),
		bytes:   optimize.NewBytePool(initialBufferSize),
		png:     &png.Encoder{CompressionLevel: png.BestSpeed},
	}, nil
}

// NewJPEG creates a JPEG codec.
func NewJPEG(quality int) *Codec {
	c, err := New(FormatJPEG, quality)
	if err != nil {
		c, _ = New(FormatJPEG, DefaultJPEGQuality)
	}
	return c
}

// NewPNG creates a lossless codec.
func NewPNG() *Codec {
	c, _ := New(FormatPNG, 0)
	return c
}

func (c *Codec) Format() Format { return c.format }

func (c *Codec) ContentType() string { return "image/" + string(c.format) }

// EncodeTo writes img to w in the codec's format without base64 framing.
func (c *Codec) EncodeTo(w io.Writer, img image.Image) error {
	if img == nil || img.Bounds().Empty() {
		return fmt.Errorf("cannot encode empty image")
	}

	var err error
	switch c.format {
	case FormatPNG:
		err = c.png.Encode(w, img)
	default:
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: c.quality})
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", c.format, err)
	}
	return nil
}

// Encode compresses img and returns the base64 payload.
func (c *Codec) Encode(img image.Image) (string, error) {
	buf := c.buffers.Get()
	defer c.buffers.Put(buf)

	if err := c.EncodeTo(buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode. Any registered still format is accepted.
func (c *Codec) Decode(payload string) (*image.RGBA, error) {
	if payload == "" {
		return nil, fmt.Errorf("empty payload")
	}

	raw := c.bytes.Get(base64.StdEncoding.DecodedLen(len(payload)))
	defer c.bytes.Put(raw)

	n, err := base64.StdEncoding.Decode(raw, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw[:n]))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return raster.ToRGBA(img), nil
}
