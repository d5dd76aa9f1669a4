package capture

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// ScreenshotSource grabs one physical display.
type ScreenshotSource struct {
	display int
}

// NewScreenshotSource checks that display exists.
func NewScreenshotSource(display int) (*ScreenshotSource, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, fmt.Errorf("no active displays")
	}
	if display < 0 || display >= n {
		return nil, fmt.Errorf("display %d out of range [0, %d)", display, n)
	}
	return &ScreenshotSource{display: display}, nil
}

func (s *ScreenshotSource) Capture() (*image.RGBA, error) {
	img, err := screenshot.CaptureDisplay(s.display)
	if err != nil {
		return nil, fmt.Errorf("failed to capture display %d: %w", s.display, err)
	}
	return img, nil
}

// Bounds returns the display rectangle in virtual screen coordinates.
func (s *ScreenshotSource) Bounds() image.Rectangle {
	return screenshot.GetDisplayBounds(s.display)
}
