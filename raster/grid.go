package raster

import (
	"fmt"
	"math"
)

// GeoTransform holds the six affine coefficients in GDAL order:
// x = gt[0] + col*gt[1] + row*gt[2], y = gt[3] + col*gt[4] + row*gt[5].
type GeoTransform [6]float64

func (gt GeoTransform) PixelToGeo(col, row float64) (float64, float64) {
	x := gt[0] + col*gt[1] + row*gt[2]
	y := gt[3] + col*gt[4] + row*gt[5]
	return x, y
}

// GeoToPixel returns fractional pixel coordinates. The pixel containing the
// point is (floor(col), floor(row)).
func (gt GeoTransform) GeoToPixel(x, y float64) (float64, float64, error) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 {
		return 0, 0, fmt.Errorf("geotransform %v is not invertible", gt)
	}
	dx := x - gt[0]
	dy := y - gt[3]
	col := (gt[5]*dx - gt[2]*dy) / det
	row := (gt[1]*dy - gt[4]*dx) / det
	return col, row, nil
}

// NorthUp reports whether the transform has no rotation terms.
func (gt GeoTransform) NorthUp() bool {
	return gt[2] == 0 && gt[4] == 0
}

// Grid is a finite pixel lattice in one CRS.
type Grid struct {
	CRS       string
	Transform GeoTransform
	Width     int
	Height    int
}

func (g Grid) Pixels() int64 {
	return int64(g.Width) * int64(g.Height)
}

// CellCenter returns the CRS coordinates of the center of pixel (col, row).
func (g Grid) CellCenter(col, row int) (float64, float64) {
	return g.Transform.PixelToGeo(float64(col)+0.5, float64(row)+0.5)
}

// Window returns the sub-grid starting at (col, row), sharing the parent
// lattice.
func (g Grid) Window(col, row, width, height int) Grid {
	x, y := g.Transform.PixelToGeo(float64(col), float64(row))
	gt := g.Transform
	gt[0] = x
	gt[3] = y
	return Grid{CRS: g.CRS, Transform: gt, Width: width, Height: height}
}

// Bounds returns the extent of the grid in CRS units.
func (g Grid) Bounds() Bounds {
	b := EmptyBounds()
	for _, c := range [][2]float64{{0, 0}, {float64(g.Width), 0}, {0, float64(g.Height)}, {float64(g.Width), float64(g.Height)}} {
		x, y := g.Transform.PixelToGeo(c[0], c[1])
		b = b.Extend(x, y)
	}
	return b
}

// Contains reports whether (col, row) addresses a pixel of the grid.
func (g Grid) Contains(col, row int) bool {
	return col >= 0 && row >= 0 && col < g.Width && row < g.Height
}

func (g Grid) String() string {
	return fmt.Sprintf("%s %dx%d %v", g.CRS, g.Width, g.Height, [6]float64(g.Transform))
}

// Bounds is an axis-aligned rectangle in CRS units.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

func EmptyBounds() Bounds {
	return Bounds{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
}

func (b Bounds) Empty() bool {
	return !(b.MinX < b.MaxX && b.MinY < b.MaxY)
}

func (b Bounds) Extend(x, y float64) Bounds {
	b.MinX = math.Min(b.MinX, x)
	b.MinY = math.Min(b.MinY, y)
	b.MaxX = math.Max(b.MaxX, x)
	b.MaxY = math.Max(b.MaxY, y)
	return b
}

// AlignedGrid snaps b onto the lattice of square pixels of size scale whose
// corners sit on integer multiples of scale from the CRS origin. The
// returned grid covers every lattice pixel intersecting b.
func AlignedGrid(crs string, scale float64, b Bounds) (Grid, error) {
	if scale <= 0 {
		return Grid{}, fmt.Errorf("invalid scale %g", scale)
	}
	if b.Empty() {
		return Grid{}, fmt.Errorf("empty bounds %+v", b)
	}
	col0 := math.Floor(b.MinX / scale)
	col1 := math.Ceil(b.MaxX / scale)
	row0 := math.Floor(-b.MaxY / scale)
	row1 := math.Ceil(-b.MinY / scale)
	return Grid{
		CRS:       crs,
		Transform: GeoTransform{col0 * scale, scale, 0, -row0 * scale, 0, -scale},
		Width:     int(col1 - col0),
		Height:    int(row1 - row0),
	}, nil
}
