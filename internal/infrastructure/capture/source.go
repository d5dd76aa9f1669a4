package capture

import (
	"fmt"

	"tilecast/internal/core/ports"
)

const (
	KindScreen    = "screen"
	KindSynthetic = "synthetic"
)

// NewSource picks a screen source by kind. width and height only apply to
// the synthetic scene.
func NewSource(kind string, display, width, height int) (ports.ScreenSource, error) {
	switch kind {
	case KindScreen:
		return NewScreenshotSource(display)
	case KindSynthetic:
		return NewSyntheticSource(width, height)
	default:
		return nil, fmt.Errorf("unknown capture source %q", kind)
	}
}
