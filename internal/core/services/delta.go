package services

import (
	"image"

	"tilecast/internal/core/domain"
)

// DeltaThreshold is the largest number of changed pixels still sent as a
// delta; anything above it goes out as a full frame.
const DeltaThreshold = 1000

// ComputeDelta lists the pixels of cur that differ from prev in row-major
// order. It gives up as soon as more than threshold pixels differ, and when
// the two rasters do not share dimensions. Identical rasters yield an empty,
// non-nil slice.
func ComputeDelta(prev, cur *image.RGBA, threshold int) ([]domain.PixelDelta, bool) {
	if prev == nil || cur == nil {
		return nil, false
	}
	pb, cb := prev.Bounds(), cur.Bounds()
	if pb.Dx() != cb.Dx() || pb.Dy() != cb.Dy() {
		return nil, false
	}

	deltas := make([]domain.PixelDelta, 0)
	w, h := cb.Dx(), cb.Dy()
	for y := 0; y < h; y++ {
		po := y * prev.Stride
		co := y * cur.Stride
		for x := 0; x < w; x++ {
			p := prev.Pix[po+4*x : po+4*x+4 : po+4*x+4]
			c := cur.Pix[co+4*x : co+4*x+4 : co+4*x+4]
			if p[0] == c[0] && p[1] == c[1] && p[2] == c[2] && p[3] == c[3] {
				continue
			}
			if len(deltas) == threshold {
				return nil, false
			}
			deltas = append(deltas, domain.PixelDelta{
				X:     uint16(x),
				Y:     uint16(y),
				Red:   c[0],
				Green: c[1],
				Blue:  c[2],
				Alpha: c[3],
			})
		}
	}
	return deltas, true
}

// ApplyDelta writes deltas into img in place. Out-of-bounds entries are
// skipped and counted.
func ApplyDelta(img *image.RGBA, deltas []domain.PixelDelta) (skipped int) {
	b := img.Bounds()
	for _, d := range deltas {
		x, y := int(d.X), int(d.Y)
		if x >= b.Dx() || y >= b.Dy() {
			skipped++
			continue
		}
		i := y*img.Stride + 4*x
		img.Pix[i] = d.Red
		img.Pix[i+1] = d.Green
		img.Pix[i+2] = d.Blue
		img.Pix[i+3] = d.Alpha
	}
	return skipped
}
