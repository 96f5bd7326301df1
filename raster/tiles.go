package raster

// Tile is a window of a grid in pixel coordinates.
type Tile struct {
	Col, Row      int
	Width, Height int
}

// Tiles splits grid into size x size windows, row by row. Edge tiles are
// truncated.
func Tiles(grid Grid, size int) []Tile {
	if size <= 0 {
		size = 256
	}
	var tiles []Tile
	for row := 0; row < grid.Height; row += size {
		for col := 0; col < grid.Width; col += size {
			tiles = append(tiles, Tile{
				Col:    col,
				Row:    row,
				Width:  min(size, grid.Width-col),
				Height: min(size, grid.Height-row),
			})
		}
	}
	return tiles
}

// Grid returns the sub-grid covered by t.
func (t Tile) Grid(parent Grid) Grid {
	return parent.Window(t.Col, t.Row, t.Width, t.Height)
}
