package domain

import (
	"image"
	"time"
)

// Frame is one raw screen snapshot. It is owned by whichever queue holds it
// and is never shared between pipeline stages.
type Frame struct {
	Image      *image.RGBA
	Width      int
	Height     int
	CapturedAt time.Time
}

// NewFrame wraps a captured raster.
func NewFrame(img *image.RGBA, capturedAt time.Time) *Frame {
	b := img.Bounds()
	return &Frame{
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: capturedAt,
	}
}

// Size returns the frame dimensions.
func (f *Frame) Size() Resolution {
	return Resolution{Width: f.Width, Height: f.Height}
}

// EncodedUnit is a compressed full frame or a delta list ready for transmission.
// Exactly one of Payload and Deltas carries data; both empty is a no-op frame.
type EncodedUnit struct {
	Payload string
	Deltas  []PixelDelta
}

func (u EncodedUnit) IsFull() bool  { return u.Payload != "" }
func (u EncodedUnit) IsDelta() bool { return u.Payload == "" && u.Deltas != nil }
func (u EncodedUnit) IsNoop() bool  { return u.Payload == "" && u.Deltas == nil }

// Kind labels the unit for logs and metrics.
func (u EncodedUnit) Kind() string {
	switch {
	case u.IsFull():
		return "full"
	case u.IsDelta():
		return "delta"
	default:
		return "noop"
	}
}
