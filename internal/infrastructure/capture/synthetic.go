package capture

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
)

const markerSize = 16

// SyntheticSource paints a deterministic scene: a static gradient and a
// marker that moves a few pixels per capture. Consecutive frames differ in
// a small region, which keeps the delta path busy.
type SyntheticSource struct {
	width, height int
	background    *image.RGBA

	mu    sync.Mutex
	frame int
}

// NewSyntheticSource creates a width x height scene.
func NewSyntheticSource(width, height int) (*SyntheticSource, error) {
	if width < markerSize || height < markerSize {
		return nil, fmt.Errorf("synthetic scene must be at least %dx%d", markerSize, markerSize)
	}
	bg := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			bg.SetRGBA(x, y, color.RGBA{
				R: uint8(x * 255 / width),
				G: uint8(y * 255 / height),
				B: 96,
				A: 255,
			})
		}
	}
	return &SyntheticSource{width: width, height: height, background: bg}, nil
}

func (s *SyntheticSource) Capture() (*image.RGBA, error) {
	s.mu.Lock()
	n := s.frame
	s.frame++
	s.mu.Unlock()

	img := image.NewRGBA(s.background.Bounds())
	copy(img.Pix, s.background.Pix)

	at := s.markerAt(n)
	draw.Draw(img, image.Rect(at.X, at.Y, at.X+markerSize, at.Y+markerSize),
		image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255}), image.Point{}, draw.Src)
	return img, nil
}

// markerAt walks the marker left to right, one row band at a time.
func (s *SyntheticSource) markerAt(n int) image.Point {
	const step = 4
	cols := (s.width - markerSize) / step
	if cols < 1 {
		cols = 1
	}
	rows := (s.height - markerSize) / markerSize
	if rows < 1 {
		rows = 1
	}
	col := n % cols
	row := (n / cols) % rows
	return image.Point{X: col * step, Y: row * markerSize}
}

// Frames returns how many captures were taken.
func (s *SyntheticSource) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}
