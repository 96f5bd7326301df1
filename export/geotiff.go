package export

import (
	"errors"
	"fmt"
	"sync"

	"github.com/airbusgeo/godal"

	"cropmask/raster"
)

const blockSize = 256

// stagedRaster is the single output file tiles are written into before it
// is published.
type stagedRaster struct {
	path   string
	ds     *godal.Dataset
	band   godal.Band
	grid   raster.Grid
	mu     sync.Mutex
	closed bool
}

func createStaged(path string, s Spec) (*stagedRaster, error) {
	ds, err := godal.Create(godal.GTiff, path, 1, godal.Byte, s.Width, s.Height,
		godal.CreationOption(
			"TILED=YES",
			fmt.Sprintf("BLOCKXSIZE=%d", blockSize),
			fmt.Sprintf("BLOCKYSIZE=%d", blockSize),
			"COMPRESS=DEFLATE",
			"BIGTIFF=IF_SAFER",
		))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	st := &stagedRaster{path: path, ds: ds, band: ds.Bands()[0], grid: s.Grid()}
	if err := st.georeference(s); err != nil {
		return nil, errors.Join(err, st.close())
	}
	return st, nil
}

func (st *stagedRaster) georeference(s Spec) error {
	if err := st.ds.SetGeoTransform([6]float64(s.Transform)); err != nil {
		return fmt.Errorf("set geotransform: %w", err)
	}
	sr, err := raster.SpatialRef(s.CRS)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.CRS, err)
	}
	defer sr.Close()
	if err := st.ds.SetSpatialRef(sr); err != nil {
		return fmt.Errorf("set spatial ref: %w", err)
	}
	if err := st.band.SetNoData(0); err != nil {
		return fmt.Errorf("set nodata: %w", err)
	}
	name := s.BandName
	if name == "" {
		name = DefaultBandName
	}
	if err := st.band.SetDescription(name); err != nil {
		return fmt.Errorf("set band name: %w", err)
	}
	return nil
}

// write stores a rendered tile. Invalid cells are written as the no-data
// value 0.
func (st *stagedRaster) write(tile raster.Tile, l *raster.Layer) error {
	g := l.Grid()
	if g.Width != tile.Width || g.Height != tile.Height {
		return fmt.Errorf("tile [%d,%d]: rendered %dx%d, want %dx%d", tile.Col, tile.Row, g.Width, g.Height, tile.Width, tile.Height)
	}
	buf := make([]uint8, len(l.Data))
	for i := range buf {
		if v, ok := l.At(i%g.Width, i/g.Width); ok {
			buf[i] = v
		}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.band.Write(tile.Col, tile.Row, buf, tile.Width, tile.Height)
}

// overviewLevels halves the raster until it fits in a single block.
func overviewLevels(width, height int) []int {
	var levels []int
	for l := 2; width/(l/2) > blockSize || height/(l/2) > blockSize; l *= 2 {
		levels = append(levels, l)
	}
	return levels
}

func (st *stagedRaster) buildOverviews() error {
	levels := overviewLevels(st.grid.Width, st.grid.Height)
	if len(levels) == 0 {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ds.BuildOverviews(godal.Levels(levels...), godal.Resampling(godal.Mode))
}

func (st *stagedRaster) close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	return st.ds.Close()
}
