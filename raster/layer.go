package raster

import (
	"context"
	"fmt"
)

// Source is anything that can hand out windows of a single byte band on its
// native grid.
type Source interface {
	Name() string
	Grid() Grid
	ReadWindow(ctx context.Context, col, row, width, height int) (*Layer, error)
}

// Layer is an in-memory single band byte raster. A nil valid slice means
// every cell holds data.
type Layer struct {
	grid  Grid
	Data  []uint8
	valid []bool
	name  string
}

func NewLayer(grid Grid) *Layer {
	return &Layer{grid: grid, Data: make([]uint8, grid.Width*grid.Height)}
}

// NewNamedLayer wraps existing row-major data. Used as an in-memory Source.
func NewNamedLayer(name string, grid Grid, data []uint8) (*Layer, error) {
	if len(data) != grid.Width*grid.Height {
		return nil, fmt.Errorf("layer %s: got %d values for a %dx%d grid", name, len(data), grid.Width, grid.Height)
	}
	return &Layer{grid: grid, Data: data, name: name}, nil
}

func (l *Layer) Name() string { return l.name }

func (l *Layer) Grid() Grid { return l.grid }

func (l *Layer) index(col, row int) int {
	return row*l.grid.Width + col
}

// At returns the value at (col, row) and whether it is valid. Out of grid
// cells are never valid.
func (l *Layer) At(col, row int) (uint8, bool) {
	if !l.grid.Contains(col, row) {
		return 0, false
	}
	i := l.index(col, row)
	if l.valid != nil && !l.valid[i] {
		return 0, false
	}
	return l.Data[i], true
}

func (l *Layer) Set(col, row int, v uint8) {
	i := l.index(col, row)
	l.Data[i] = v
	if l.valid != nil {
		l.valid[i] = true
	}
}

func (l *Layer) SetInvalid(col, row int) {
	if l.valid == nil {
		l.valid = make([]bool, len(l.Data))
		for i := range l.valid {
			l.valid[i] = true
		}
	}
	i := l.index(col, row)
	l.Data[i] = 0
	l.valid[i] = false
}

func (l *Layer) Valid(col, row int) bool {
	_, ok := l.At(col, row)
	return ok
}

// ValidCount returns the number of cells holding data.
func (l *Layer) ValidCount() int {
	if l.valid == nil {
		return len(l.Data)
	}
	n := 0
	for _, v := range l.valid {
		if v {
			n++
		}
	}
	return n
}

func (l *Layer) Clone() *Layer {
	out := &Layer{grid: l.grid, Data: append([]uint8(nil), l.Data...), name: l.name}
	if l.valid != nil {
		out.valid = append([]bool(nil), l.valid...)
	}
	return out
}

// Values returns the distinct valid values present in the layer.
func (l *Layer) Values() map[uint8]int {
	out := make(map[uint8]int)
	for i, v := range l.Data {
		if l.valid != nil && !l.valid[i] {
			continue
		}
		out[v]++
	}
	return out
}

// ReadWindow copies a window out of the layer. Cells outside the layer come
// back invalid.
func (l *Layer) ReadWindow(_ context.Context, col, row, width, height int) (*Layer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("layer %s: invalid window %dx%d", l.name, width, height)
	}
	out := NewLayer(l.grid.Window(col, row, width, height))
	out.name = l.name
	for r := 0; r < height; r++ {
		for c := 0; c < width; c++ {
			v, ok := l.At(col+c, row+r)
			if !ok {
				out.SetInvalid(c, r)
				continue
			}
			out.Data[out.index(c, r)] = v
		}
	}
	return out, nil
}

// MaskValue marks every cell equal to nodata as invalid.
func (l *Layer) MaskValue(nodata uint8) {
	for i, v := range l.Data {
		if v == nodata {
			l.SetInvalid(i%l.grid.Width, i/l.grid.Width)
		}
	}
}

// Paste copies src into l with its top-left cell at (col, row). Cells of
// src falling outside l are dropped.
func (l *Layer) Paste(src *Layer, col, row int) {
	sg := src.grid
	for r := 0; r < sg.Height; r++ {
		for c := 0; c < sg.Width; c++ {
			dc, dr := col+c, row+r
			if !l.grid.Contains(dc, dr) {
				continue
			}
			if v, ok := src.At(c, r); ok {
				l.Set(dc, dr, v)
			} else {
				l.SetInvalid(dc, dr)
			}
		}
	}
}
