package raster

import (
	"fmt"
	"math"
)

// DefaultMaxSamples bounds the fine cells inspected per coarse cell.
const DefaultMaxSamples = 300

type ResampleOptions struct {
	// MaxSamples caps the number of fine cells voting for one coarse cell.
	// Above the cap a regular strided subset of the footprint votes. Zero
	// means every fine cell votes.
	MaxSamples int
}

// ModeResample aggregates fine onto coarse by majority vote. A fine cell
// votes for the coarse cell whose footprint contains its center. Ties go to
// the higher value, so a [1,1,0,0] block resolves to 1. Coarse cells with
// no valid voter are invalid. Both grids must share a CRS and be north-up.
func ModeResample(fine *Layer, coarse Grid, opts ResampleOptions) (*Layer, error) {
	fg := fine.Grid()
	if canonicalCRS(fg.CRS) != canonicalCRS(coarse.CRS) {
		return nil, fmt.Errorf("mode resample: fine grid is %s, coarse grid is %s", fg.CRS, coarse.CRS)
	}
	if !fg.Transform.NorthUp() || !coarse.Transform.NorthUp() {
		return nil, fmt.Errorf("mode resample: rotated grids are not supported")
	}
	out := NewLayer(coarse)
	for row := 0; row < coarse.Height; row++ {
		for col := 0; col < coarse.Width; col++ {
			c0, r0, c1, r1, err := footprint(fg, coarse, col, row)
			if err != nil {
				return nil, err
			}
			v, ok := vote(fine, c0, r0, c1, r1, opts.MaxSamples)
			if !ok {
				out.SetInvalid(col, row)
				continue
			}
			out.Set(col, row, v)
		}
	}
	return out, nil
}

// footprint returns the half-open fine pixel range [c0,c1)x[r0,r1) whose
// centers fall inside coarse pixel (col, row), clipped to the fine grid.
func footprint(fg, coarse Grid, col, row int) (int, int, int, int, error) {
	x0, y0 := coarse.Transform.PixelToGeo(float64(col), float64(row))
	x1, y1 := coarse.Transform.PixelToGeo(float64(col+1), float64(row+1))
	fc0, fr0, err := fg.Transform.GeoToPixel(x0, y0)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	fc1, fr1, err := fg.Transform.GeoToPixel(x1, y1)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	c0, c1 := centerSpan(fc0, fc1)
	r0, r1 := centerSpan(fr0, fr1)
	c0, c1 = max(c0, 0), min(c1, fg.Width)
	r0, r1 = max(r0, 0), min(r1, fg.Height)
	return c0, r0, c1, r1, nil
}

// centerSpan returns the integer cells i with i+0.5 in [min(a,b), max(a,b)).
func centerSpan(a, b float64) (int, int) {
	lo, hi := math.Min(a, b), math.Max(a, b)
	return int(math.Ceil(lo - 0.5)), int(math.Ceil(hi - 0.5))
}

// sampleStride returns the smallest stride keeping a w x h block at or
// under limit samples.
func sampleStride(w, h, limit int) int {
	if limit <= 0 || w*h <= limit {
		return 1
	}
	k := int(math.Sqrt(float64(w*h) / float64(limit)))
	if k < 1 {
		k = 1
	}
	for ceilDiv(w, k)*ceilDiv(h, k) > limit {
		k++
	}
	return k
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func vote(fine *Layer, c0, r0, c1, r1, limit int) (uint8, bool) {
	if c1 <= c0 || r1 <= r0 {
		return 0, false
	}
	k := sampleStride(c1-c0, r1-r0, limit)
	var counts [256]int
	n := 0
	for r := r0; r < r1; r += k {
		for c := c0; c < c1; c += k {
			v, ok := fine.At(c, r)
			if !ok {
				continue
			}
			counts[v]++
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	best := 0
	for v := 1; v < len(counts); v++ {
		if counts[v] >= counts[best] {
			best = v
		}
	}
	return uint8(best), true
}
