package raster

// Threshold maps every valid cell to 1 when it equals class and 0 otherwise.
// Invalid cells stay invalid and the grid is unchanged.
func Threshold(l *Layer, class uint8) *Layer {
	out := &Layer{grid: l.grid, Data: make([]uint8, len(l.Data)), name: l.name}
	if l.valid != nil {
		out.valid = append([]bool(nil), l.valid...)
	}
	for i, v := range l.Data {
		if l.valid != nil && !l.valid[i] {
			continue
		}
		if v == class {
			out.Data[i] = 1
		}
	}
	return out
}

// MaskZero returns a copy of l where every valid zero is turned into
// no-data, leaving only positive cells explicit.
func MaskZero(l *Layer) *Layer {
	out := l.Clone()
	for i, v := range out.Data {
		if v == 0 && (out.valid == nil || out.valid[i]) {
			out.SetInvalid(i%out.grid.Width, i/out.grid.Width)
		}
	}
	return out
}
