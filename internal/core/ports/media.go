package ports

import "image"

// ScreenSource grabs a raster snapshot of the local screen.
type ScreenSource interface {
	Capture() (*image.RGBA, error)
}

// ImageCodec turns rasters into transport payloads and back.
type ImageCodec interface {
	Encode(img image.Image) (string, error)
	Decode(payload string) (*image.RGBA, error)
}
