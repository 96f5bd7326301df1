package raster

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Mosaic samples every source onto target and keeps, per cell, the highest
// valid value found. Sources are sampled with the pixel that contains the
// target cell center, so classes are never blended. Cells that no source
// covers are 0. The result does not depend on the order of sources.
func Mosaic(ctx context.Context, target Grid, sources []Source) (*Layer, error) {
	if target.Width <= 0 || target.Height <= 0 {
		return nil, fmt.Errorf("mosaic: empty target grid %v", target)
	}
	out := NewLayer(target)
	centers := newCenterCache(target)
	defer centers.close()

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := mosaicSource(ctx, out, src, centers); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func mosaicSource(ctx context.Context, out *Layer, src Source, centers *centerCache) error {
	sg := src.Grid()
	pts, err := centers.in(sg.CRS)
	if err != nil {
		return fmt.Errorf("mosaic %s: %w", src.Name(), err)
	}

	n := len(out.Data)
	cols := make([]int, n)
	rows := make([]int, n)
	minC, minR := math.MaxInt, math.MaxInt
	maxC, maxR := -1, -1
	for i := 0; i < n; i++ {
		cols[i] = -1
		if !pts.ok[i] {
			continue
		}
		fc, fr, err := sg.Transform.GeoToPixel(pts.xs[i], pts.ys[i])
		if err != nil {
			return fmt.Errorf("mosaic %s: %w", src.Name(), err)
		}
		c, r := int(math.Floor(fc)), int(math.Floor(fr))
		if !sg.Contains(c, r) {
			continue
		}
		cols[i], rows[i] = c, r
		minC, maxC = min(minC, c), max(maxC, c)
		minR, maxR = min(minR, r), max(maxR, r)
	}
	if maxC < 0 {
		logrus.WithField("source", src.Name()).Debug("source does not intersect tile")
		return nil
	}

	win, err := src.ReadWindow(ctx, minC, minR, maxC-minC+1, maxR-minR+1)
	if err != nil {
		return fmt.Errorf("read %s window [%d,%d %dx%d]: %w", src.Name(), minC, minR, maxC-minC+1, maxR-minR+1, err)
	}
	for i := 0; i < n; i++ {
		if cols[i] < 0 {
			continue
		}
		v, ok := win.At(cols[i]-minC, rows[i]-minR)
		if ok && v > out.Data[i] {
			out.Data[i] = v
		}
	}
	return nil
}

type points struct {
	xs, ys []float64
	ok     []bool
}

// centerCache holds the target cell centers expressed in each source CRS,
// so that sources sharing a projection are only transformed once.
type centerCache struct {
	target Grid
	byCRS  map[string]*points
}

func newCenterCache(target Grid) *centerCache {
	return &centerCache{target: target, byCRS: make(map[string]*points)}
}

func (cc *centerCache) in(crs string) (*points, error) {
	key := canonicalCRS(crs)
	if p, ok := cc.byCRS[key]; ok {
		return p, nil
	}
	n := cc.target.Width * cc.target.Height
	p := &points{xs: make([]float64, n), ys: make([]float64, n), ok: make([]bool, n)}
	for r := 0; r < cc.target.Height; r++ {
		for c := 0; c < cc.target.Width; c++ {
			i := r*cc.target.Width + c
			p.xs[i], p.ys[i] = cc.target.CellCenter(c, r)
		}
	}
	proj, err := NewProjector(cc.target.CRS, crs)
	if err != nil {
		return nil, err
	}
	defer proj.Close()
	if err := proj.Project(p.xs, p.ys, p.ok); err != nil {
		return nil, fmt.Errorf("project %s -> %s: %w", cc.target.CRS, crs, err)
	}
	cc.byCRS[key] = p
	return p, nil
}

func (cc *centerCache) close() {
	cc.byCRS = nil
}
