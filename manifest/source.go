package manifest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	"github.com/sirupsen/logrus"

	"cropmask/export"
	"cropmask/raster"
)

// DatasetSource is a region backed by a GDAL dataset.
type DatasetSource struct {
	name      string
	ds        *godal.Dataset
	band      godal.Band
	grid      raster.Grid
	noData    uint8
	hasNoData bool
	mu        sync.Mutex
}

func (s *DatasetSource) Name() string { return s.name }

func (s *DatasetSource) Grid() raster.Grid { return s.grid }

// ReadWindow reads a window of band 1. Parts of the window outside the
// dataset and no-data pixels come back invalid.
func (s *DatasetSource) ReadWindow(ctx context.Context, col, row, width, height int) (*raster.Layer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := raster.NewLayer(s.grid.Window(col, row, width, height))
	c0, r0 := max(col, 0), max(row, 0)
	c1, r1 := min(col+width, s.grid.Width), min(row+height, s.grid.Height)
	if c1 <= c0 || r1 <= r0 {
		for r := 0; r < height; r++ {
			for c := 0; c < width; c++ {
				out.SetInvalid(c, r)
			}
		}
		return out, nil
	}
	w, h := c1-c0, r1-r0
	buf := make([]uint8, w*h)
	if err := s.lockedRead(c0, r0, buf, w, h); err != nil {
		return nil, fmt.Errorf("read %s: %w", s.name, err)
	}
	for r := 0; r < height; r++ {
		for c := 0; c < width; c++ {
			sc, sr := col+c, row+r
			if sc < c0 || sc >= c1 || sr < r0 || sr >= r1 {
				out.SetInvalid(c, r)
				continue
			}
			v := buf[(sr-r0)*w+(sc-c0)]
			if s.hasNoData && v == s.noData {
				out.SetInvalid(c, r)
				continue
			}
			out.Set(c, r, v)
		}
	}
	return out, nil
}

// Locking is required to read from compressed rasters.
func (s *DatasetSource) lockedRead(col, row int, buf []uint8, w, h int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.band.Read(col, row, buf, w, h)
}

func (s *DatasetSource) Close() error {
	return s.ds.Close()
}

// Sources holds the opened regions of a manifest.
type Sources struct {
	list []*DatasetSource
}

// Sources returns the regions as raster sources, in manifest order.
func (s *Sources) Sources() []raster.Source {
	out := make([]raster.Source, len(s.list))
	for i, src := range s.list {
		out[i] = src
	}
	return out
}

func (s *Sources) Close() error {
	var err error
	for _, src := range s.list {
		err = errors.Join(err, src.Close())
	}
	return err
}

type openOptions struct {
	gcsClient       *storage.Client
	blockSize       string
	numCachedBlocks int
	catalog         export.Catalog
}

type Option func(*openOptions)

// GCSClient enables gs:// locations through an osio backed VSI handler.
func GCSClient(cl *storage.Client) Option {
	return func(o *openOptions) { o.gcsClient = cl }
}

// GCSCache tunes the block cache used for gs:// reads.
func GCSCache(blockSize string, numBlocks int) Option {
	return func(o *openOptions) {
		o.blockSize = blockSize
		o.numCachedBlocks = numBlocks
	}
}

// WithCatalog resolves asset:// locations against catalog.
func WithCatalog(catalog export.Catalog) Option {
	return func(o *openOptions) { o.catalog = catalog }
}

var vsiOnce sync.Once
var vsiErr error

func registerGCS(ctx context.Context, o openOptions) error {
	vsiOnce.Do(func() {
		gcsh, err := gcs.Handle(ctx, gcs.GCSClient(o.gcsClient))
		if err != nil {
			vsiErr = fmt.Errorf("gcs.handle: %w", err)
			return
		}
		gcsa, err := osio.NewAdapter(gcsh, osio.BlockSize(o.blockSize), osio.NumCachedBlocks(o.numCachedBlocks))
		if err != nil {
			vsiErr = fmt.Errorf("osio.new: %w", err)
			return
		}
		if err := godal.RegisterVSIHandler("gs://", gcsa); err != nil {
			vsiErr = fmt.Errorf("register osio: %w", err)
		}
	})
	return vsiErr
}

// Open opens every region of m. Any region that cannot be opened aborts the
// whole call with an error wrapping ErrInputUnavailable.
func Open(ctx context.Context, m Manifest, opts ...Option) (*Sources, error) {
	o := openOptions{blockSize: "512k", numCachedBlocks: 1000}
	for _, opt := range opts {
		opt(&o)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	godal.RegisterAll()

	srcs := &Sources{}
	for _, region := range m.Regions {
		src, err := openRegion(ctx, region, o)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("region %s: %w: %w", region.Name, ErrInputUnavailable, err), srcs.Close())
		}
		logrus.WithFields(logrus.Fields{
			"region": region.Name,
			"grid":   src.grid.String(),
		}).Info("opened region")
		srcs.list = append(srcs.list, src)
	}
	return srcs, nil
}

func openRegion(ctx context.Context, region Region, o openOptions) (*DatasetSource, error) {
	location := region.Location
	switch {
	case strings.HasPrefix(location, "gs://"):
		if o.gcsClient == nil {
			return nil, fmt.Errorf("%s: no storage client configured", location)
		}
		if err := registerGCS(ctx, o); err != nil {
			return nil, err
		}
	case strings.HasPrefix(location, export.AssetScheme):
		path, err := o.catalog.Path(strings.TrimPrefix(location, export.AssetScheme))
		if err != nil {
			return nil, err
		}
		location = path
	}

	ds, err := godal.Open(location, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", location, err)
	}
	src, err := newDatasetSource(region, ds)
	if err != nil {
		return nil, errors.Join(err, ds.Close())
	}
	return src, nil
}

func newDatasetSource(region Region, ds *godal.Dataset) (*DatasetSource, error) {
	struc := ds.Structure()
	if struc.NBands < 1 {
		return nil, fmt.Errorf("%s has no bands", region.Location)
	}
	if struc.NBands > 1 {
		logrus.Warnf("region %s has %d bands, using the first", region.Name, struc.NBands)
	}
	if struc.DataType != godal.Byte {
		return nil, fmt.Errorf("%s: expected a byte band, got %v", region.Location, struc.DataType)
	}

	crs := region.CRS
	if crs == "" {
		crs = ds.Projection()
	}
	if crs == "" {
		return nil, fmt.Errorf("%s has no CRS", region.Location)
	}

	gt, ok := region.transform()
	if !ok {
		dsgt, err := ds.GeoTransform()
		if err != nil {
			return nil, fmt.Errorf("%s geotransform: %w", region.Location, err)
		}
		gt = raster.GeoTransform(dsgt)
	}

	band := ds.Bands()[0]
	src := &DatasetSource{
		name: region.Name,
		ds:   ds,
		band: band,
		grid: raster.Grid{CRS: crs, Transform: gt, Width: struc.SizeX, Height: struc.SizeY},
	}
	if region.NoData != nil {
		src.noData, src.hasNoData = uint8(*region.NoData), true
	} else if nd, ok := band.NoData(); ok && nd >= 0 && nd <= 255 {
		src.noData, src.hasNoData = uint8(nd), true
	}
	return src, nil
}
