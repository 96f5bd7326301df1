// Package pipeline chains the cropland stages: regional rasters are
// mosaicked, thresholded to a cropland mask, aggregated by majority vote and
// handed to the exporter tile by tile.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"cropmask/export"
	"cropmask/manifest"
	"cropmask/raster"
)

var (
	ErrInputUnavailable    = manifest.ErrInputUnavailable
	ErrPixelBudgetExceeded = export.ErrPixelBudgetExceeded
	ErrExportFailure       = export.ErrExportFailure
)

const (
	// CroplandClass is the cropland value of the regional rasters
	// (0 water, 1 non-cropland, 2 cropland).
	CroplandClass = 2
	// IntermediateScale is the sinusoidal pixel size at which the mask is
	// sampled before the vote, about 16.6 samples per side of a 463.3m
	// output pixel.
	IntermediateScale = 27.829872698318393
	// DefaultChunkSize bounds the output pixels per side rendered at once.
	DefaultChunkSize = 64
)

type Options struct {
	CroplandClass     uint8
	IntermediateScale float64
	MaxSamples        int
	ChunkSize         int
}

func DefaultOptions() Options {
	return Options{
		CroplandClass:     CroplandClass,
		IntermediateScale: IntermediateScale,
		MaxSamples:        raster.DefaultMaxSamples,
		ChunkSize:         DefaultChunkSize,
	}
}

// Aggregate renders tiles of the coarse product: for each chunk, the mosaic
// is sampled on the intermediate grid covering it, thresholded, voted onto
// the chunk and stripped of zeros.
func Aggregate(sources []raster.Source, opts Options) export.Renderer {
	return chunked(opts.ChunkSize, func(ctx context.Context, chunk raster.Grid) (*raster.Layer, error) {
		fine, err := raster.AlignedGrid(chunk.CRS, opts.IntermediateScale, chunk.Bounds())
		if err != nil {
			return nil, err
		}
		mosaic, err := raster.Mosaic(ctx, fine, sources)
		if err != nil {
			return nil, classify(err)
		}
		mask := raster.Threshold(mosaic, opts.CroplandClass)
		coarse, err := raster.ModeResample(mask, chunk, raster.ResampleOptions{MaxSamples: opts.MaxSamples})
		if err != nil {
			return nil, err
		}
		return raster.MaskZero(coarse), nil
	})
}

// Mask renders the cropland mask directly on the export grid, keeping only
// cropland cells.
func Mask(sources []raster.Source, opts Options) export.Renderer {
	return chunked(opts.ChunkSize, func(ctx context.Context, chunk raster.Grid) (*raster.Layer, error) {
		mosaic, err := raster.Mosaic(ctx, chunk, sources)
		if err != nil {
			return nil, classify(err)
		}
		return raster.MaskZero(raster.Threshold(mosaic, opts.CroplandClass)), nil
	})
}

// chunked splits every tile into size x size chunks rendered one after the
// other, so that a worker never holds more than one chunk of samples.
func chunked(size int, render export.Renderer) export.Renderer {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return func(ctx context.Context, tile raster.Grid) (*raster.Layer, error) {
		chunks := raster.Tiles(tile, size)
		if len(chunks) == 1 {
			return render(ctx, tile)
		}
		out := raster.NewLayer(tile)
		for _, c := range chunks {
			l, err := render(ctx, c.Grid(tile))
			if err != nil {
				return nil, err
			}
			out.Paste(l, c.Col, c.Row)
		}
		return out, nil
	}
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrInputUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInputUnavailable, err)
}

// Run submits the export and blocks until it has either been published or
// failed. Cancelling ctx aborts the job and nothing is published.
func Run(ctx context.Context, spec export.Spec, render export.Renderer, opts ...export.Option) error {
	job, err := export.Submit(ctx, spec, render, opts...)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"job":         job.ID(),
		"destination": spec.DestinationNames(),
		"grid":        spec.Grid().String(),
	}).Info("export submitted")
	return job.Wait(context.Background())
}
