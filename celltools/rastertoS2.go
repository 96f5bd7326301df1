package celltools

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/golang/geo/s2"
	"github.com/sirupsen/logrus"

	"cropmask/raster"
)

const EarthRadius = 6371000

type ConfigOpts struct {
	NumWorkers int
	S2Lvl      int
	AggFunc    AggFunc
	// MemLimit is the memory in GB a sink may use to buffer rows.
	MemLimit int
}

type BandContainer struct {
	Band      *godal.Band
	Grid      raster.Grid
	NoData    float64
	HasNoData bool
	mu        sync.Mutex
}

type S2CellData struct {
	Cell       s2.CellID
	Data       float64
	GeomString string
}

func (c S2CellData) String() string {
	return fmt.Sprintf("%v;%v;%s", int64(c.Cell), c.Data, c.GeomString)
}

type AggFunc func(...float64) float64

// Sink consumes aggregated cells until the channel is closed. A sink that
// returns early stops the indexing.
type Sink func(cells chan S2CellData) error

// RasterToS2 indexes every non-zero pixel of the mask at path onto the S2
// cell containing the pixel center. A pixel contributes its value times its
// ground area in m². Aggregated cells are handed to sink as they are ready.
func RasterToS2(path string, opts ConfigOpts, sink Sink) (err error) {
	godal.RegisterAll()
	if opts.NumWorkers < 1 {
		opts.NumWorkers = 1
	}
	if opts.AggFunc == nil {
		opts.AggFunc = Sum
	}

	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, ds.Close())
	}()

	band, err := newBandContainer(ds)
	if err != nil {
		return err
	}

	resMap, err := indexBand(band, opts)
	if err != nil {
		return err
	}

	out := make(chan S2CellData, 1024)
	sinkDone := make(chan struct{})
	var sinkErr error
	go func() {
		defer close(sinkDone)
		sinkErr = sink(out)
	}()
	aggCellResults(resMap, opts.AggFunc, out, sinkDone)
	close(out)
	<-sinkDone
	return sinkErr
}

func newBandContainer(ds *godal.Dataset) (*BandContainer, error) {
	gt, err := ds.GeoTransform()
	if err != nil {
		logrus.Error(err)
		return nil, err
	}
	crs := ds.Projection()
	if crs == "" {
		return nil, fmt.Errorf("raster has no CRS")
	}
	struc := ds.Structure()
	band := &ds.Bands()[0]
	container := &BandContainer{
		Band: band,
		Grid: raster.Grid{CRS: crs, Transform: raster.GeoTransform(gt), Width: struc.SizeX, Height: struc.SizeY},
	}
	container.NoData, container.HasNoData = band.NoData()
	if !container.HasNoData {
		logrus.Warn("NoData not set")
	}
	return container, nil
}

func indexBand(band *BandContainer, opts ConfigOpts) (map[s2.CellID][]float64, error) {
	done := make(chan struct{})
	defer close(done)

	// Asynchronous generation of blocks to be consumed.
	blocks := genBlocks(band, done)
	// Parallel processing of each block produced above.
	resCh, errCh := processBlocks(band, blocks, opts)

	resMap := groupByCell(resCh)
	if err := <-errCh; err != nil {
		return nil, err
	}
	return resMap, nil
}

// Produce blocks from a raster band, putting them in a channel to be consumed
// downstream. The production here is happening serially, but there would be
// very little speedup from parallelising at this step.
func genBlocks(band *BandContainer, done <-chan struct{}) <-chan godal.Block {
	logrus.Debug("Entered genBlocks")

	blocks := make(chan godal.Block)
	firstBlock := band.Band.Structure().FirstBlock()
	go func() {
		defer close(blocks)
		for block, ok := firstBlock, true; ok; block, ok = block.Next() {
			select {
			case blocks <- block:
			case <-done:
				return
			}
		}
	}()
	return blocks
}

func processBlocks(band *BandContainer, blocks <-chan godal.Block, opts ConfigOpts) (<-chan S2CellData, <-chan error) {
	logrus.Debug("Entered processBlocks")
	resCh := make(chan S2CellData, 4096)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	wg.Add(opts.NumWorkers)
	for i := 0; i < opts.NumWorkers; i++ {
		go func() {
			defer wg.Done()
			if err := indexBlocks(band, blocks, opts, resCh); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resCh)
		errCh <- firstErr
	}()
	return resCh, errCh
}

func indexBlocks(band *BandContainer, blocks <-chan godal.Block, opts ConfigOpts, resCh chan<- S2CellData) error {
	// OSR transforms are not safe for concurrent use, each worker owns one.
	proj, err := raster.NewProjector(band.Grid.CRS, raster.Geographic)
	if err != nil {
		// drain so the producer can exit
		for range blocks {
		}
		return err
	}
	defer proj.Close()

	var blockErr error
	for block := range blocks {
		if blockErr != nil {
			continue
		}
		logrus.Infof("Processing block at [%v, %v]", block.X0, block.Y0)
		blockErr = rasterBlockToS2(band, block, proj, opts, resCh)
	}
	return blockErr
}

func rasterBlockToS2(band *BandContainer, block godal.Block, proj raster.Projector, opts ConfigOpts, resCh chan<- S2CellData) error {
	blockBuf := make([]float64, block.H*block.W)

	// Read band into blockBuf
	if err := lockedRead(band, block, blockBuf); err != nil {
		return err
	}

	var xs, ys []float64
	var values []float64
	for pix := 0; pix < block.W*block.H; pix++ {
		value := blockBuf[pix]
		if value == 0 || (band.HasNoData && value == band.NoData) {
			continue
		}
		// GDAL is row-major
		row := block.Y0 + pix/block.W
		col := block.X0 + pix%block.W
		x, y := band.Grid.CellCenter(col, row)
		xs = append(xs, x)
		ys = append(ys, y)
		values = append(values, value)
	}
	if len(xs) == 0 {
		return nil
	}
	ok := make([]bool, len(xs))
	if err := proj.Project(xs, ys, ok); err != nil {
		return err
	}

	geographic := raster.IsGeographic(band.Grid.CRS)
	for i := range xs {
		if !ok[i] {
			continue
		}
		lng, lat := xs[i], ys[i]
		var pixArea float64
		if geographic {
			pixArea = pixelArea(lat, band.Grid.Transform[1], band.Grid.Transform[5])
		} else {
			pixArea = math.Abs(band.Grid.Transform[1] * band.Grid.Transform[5])
		}
		value := values[i] * pixArea

		s2Cell := s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lng)).Parent(opts.S2Lvl)
		if cellArea := s2.CellFromCellID(s2Cell).ApproxArea() * EarthRadius * EarthRadius; cellArea < pixArea {
			value = value * cellArea / pixArea
		}
		resCh <- S2CellData{Cell: s2Cell, Data: value}
	}
	return nil
}

// Locking is required to read from compressed rasters.
func lockedRead(band *BandContainer, block godal.Block, blockBuf []float64) error {
	band.mu.Lock()
	defer band.mu.Unlock()
	return band.Band.Read(block.X0, block.Y0, blockBuf, block.W, block.H)
}

// aggCellResults stops early once done is closed, i.e. when the sink gave
// up reading.
func aggCellResults(resMap map[s2.CellID][]float64, aggFunc AggFunc, out chan<- S2CellData, done <-chan struct{}) {
	logrus.Debug("Entered aggCellResults")
	for cell, values := range resMap {
		res := S2CellData{
			Cell:       cell,
			Data:       aggFunc(values...),
			GeomString: cellToWKT(s2.CellFromCellID(cell)),
		}
		select {
		case out <- res:
		case <-done:
			logrus.Debug("sink stopped, dropping remaining cells")
			return
		}
	}
	logrus.Debug("Exited aggCellResults")
}

func groupByCell(resCh <-chan S2CellData) map[s2.CellID][]float64 {
	logrus.Debug("Entered groupByCell")
	outMap := make(map[s2.CellID][]float64)
	for cellData := range resCh {
		outMap[cellData.Cell] = append(outMap[cellData.Cell], cellData.Data)
	}
	logrus.Debug("Exited groupByCell")
	return outMap
}

// pixelArea is the ground area in m² of a geographic pixel centered at
// latitude, with resolutions in degrees.
func pixelArea(latitude float64, xRes float64, yRes float64) float64 {
	pixWidth := haversinePixelWidth(latitude, math.Abs(xRes))
	pixHeight := (math.Pi / 180) * math.Abs(yRes) * EarthRadius
	return pixWidth * pixHeight
}

func haversinePixelWidth(latitude float64, resolution float64) float64 {
	latRad := latitude * math.Pi / 180
	resRad := resolution * math.Pi / 180
	a := math.Pow(math.Cos(latRad), 2) * math.Pow(math.Sin(resRad/2), 2)
	return 2 * EarthRadius * math.Asin(math.Sqrt(a))
}
