// Package raster holds the image plumbing shared by the presenter and viewer
// pipelines: scaling, copying and normalizing to RGBA.
package raster

import (
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// Resize scales src to width x height with bilinear filtering. A source that
// already has the requested size is copied, not resampled.
func Resize(src image.Image, width, height int) *image.RGBA {
	b := src.Bounds()
	if width <= 0 || height <= 0 {
		return ToRGBA(src)
	}
	if b.Dx() == width && b.Dy() == height {
		return Clone(src)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

// Fit scales src to fit inside width x height keeping its aspect ratio.
func Fit(src image.Image, width, height int) *image.RGBA {
	b := src.Bounds()
	if width <= 0 || height <= 0 || b.Dx() == 0 || b.Dy() == 0 {
		return ToRGBA(src)
	}
	w, h := width, b.Dy()*width/b.Dx()
	if h > height {
		w, h = b.Dx()*height/b.Dy(), height
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return Resize(src, w, h)
}

// Clone returns a zero-origin RGBA copy of src.
func Clone(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if rgba, ok := src.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == 4*b.Dx() {
		copy(dst.Pix, rgba.Pix)
		return dst
	}
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// ToRGBA returns src unchanged when it already is a zero-origin RGBA,
// otherwise a converted copy.
func ToRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	return Clone(src)
}

// SameSize reports whether both images have identical dimensions.
func SameSize(a, b image.Image) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Bounds().Dx() == b.Bounds().Dx() && a.Bounds().Dy() == b.Bounds().Dy()
}
