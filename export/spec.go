// Package export writes finished rasters to their destination exactly once.
package export

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"cropmask/raster"
)

var (
	ErrPixelBudgetExceeded = errors.New("pixel budget exceeded")
	ErrExportFailure       = errors.New("export failed")
)

const (
	GCSScheme   = "gs://"
	AssetScheme = "asset://"

	DefaultBandName = "cropland_mask"
)

type Kind int

const (
	Local Kind = iota
	ObjectStorage
	Asset
)

func (k Kind) String() string {
	switch k {
	case ObjectStorage:
		return "object-storage"
	case Asset:
		return "asset"
	}
	return "local"
}

// Destination is where an export lands: gs://bucket/object, asset://id or
// a local path.
type Destination struct {
	Kind   Kind
	Bucket string
	Object string
	Asset  string
	Path   string
}

func ParseDestination(uri string) (Destination, error) {
	switch {
	case uri == "":
		return Destination{}, fmt.Errorf("empty destination")
	case strings.HasPrefix(uri, GCSScheme):
		bucket, object, _ := strings.Cut(strings.TrimPrefix(uri, GCSScheme), "/")
		if bucket == "" || object == "" {
			return Destination{}, fmt.Errorf("invalid object storage destination %q", uri)
		}
		if !strings.HasSuffix(object, ".tif") {
			object += ".tif"
		}
		return Destination{Kind: ObjectStorage, Bucket: bucket, Object: object}, nil
	case strings.HasPrefix(uri, AssetScheme):
		id := strings.TrimPrefix(uri, AssetScheme)
		if id == "" {
			return Destination{}, fmt.Errorf("invalid asset destination %q", uri)
		}
		return Destination{Kind: Asset, Asset: id}, nil
	}
	return Destination{Kind: Local, Path: uri}, nil
}

// DestinationNames joins the destinations for logging.
func (s Spec) DestinationNames() string {
	names := make([]string, len(s.Destinations))
	for i, d := range s.Destinations {
		names[i] = d.String()
	}
	return strings.Join(names, ",")
}

func (d Destination) String() string {
	switch d.Kind {
	case ObjectStorage:
		return GCSScheme + d.Bucket + "/" + d.Object
	case Asset:
		return AssetScheme + d.Asset
	}
	return d.Path
}

// Spec fixes the geometry and destinations of one export. It is built once
// per run and not modified afterwards. The raster is rendered once and
// published to every destination.
type Spec struct {
	Destinations []Destination
	CRS          string
	Transform    raster.GeoTransform
	Width        int
	Height       int
	MaxPixels    int64
	BandName     string
	// Overviews builds mode overviews in the exported file.
	Overviews bool
}

func (s Spec) Grid() raster.Grid {
	return raster.Grid{CRS: s.CRS, Transform: s.Transform, Width: s.Width, Height: s.Height}
}

// Validate rejects malformed specs and, with ErrPixelBudgetExceeded, any
// spec whose pixel count is over MaxPixels.
func (s Spec) Validate() error {
	if len(s.Destinations) == 0 {
		return fmt.Errorf("no destination")
	}
	seen := make(map[string]bool, len(s.Destinations))
	for _, d := range s.Destinations {
		if seen[d.String()] {
			return fmt.Errorf("duplicate destination %s", d)
		}
		seen[d.String()] = true
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", s.Width, s.Height)
	}
	if s.CRS == "" {
		return fmt.Errorf("missing CRS")
	}
	if _, _, err := s.Transform.GeoToPixel(0, 0); err != nil {
		return err
	}
	if s.MaxPixels <= 0 {
		return fmt.Errorf("%w: no pixel budget configured", ErrPixelBudgetExceeded)
	}
	if px := s.Grid().Pixels(); px > s.MaxPixels {
		return fmt.Errorf("%w: %dx%d is %d pixels, budget is %d", ErrPixelBudgetExceeded, s.Width, s.Height, px, s.MaxPixels)
	}
	return nil
}

// Sinusoidal500m is the global 500m cropland product: 86400x36000 pixels
// of the MODIS sinusoidal grid.
func Sinusoidal500m(dsts ...Destination) Spec {
	const w, h = 86400, 36000
	return Spec{
		Destinations: dsts,
		CRS:          raster.Sinusoidal,
		Transform:    raster.GeoTransform{-20015109.354096, 463.31271653, 0, 10007554.677048, 0, -463.31271653},
		Width:        w,
		Height:       h,
		MaxPixels:    w * h,
		BandName:     DefaultBandName,
	}
}

// metersPerDegree converts a nominal scale in meters to degrees at the
// equator.
const metersPerDegree = 111319.49079327357

// Geographic30m is the 30m global mosaic between 88S and 88N, with mode
// overviews.
func Geographic30m(dsts ...Destination) Spec {
	deg := 30 / metersPerDegree
	w := int(math.Ceil(360 / deg))
	h := int(math.Ceil(176 / deg))
	return Spec{
		Destinations: dsts,
		CRS:          raster.Geographic,
		Transform:    raster.GeoTransform{-180, deg, 0, 88, 0, -deg},
		Width:        w,
		Height:       h,
		MaxPixels:    int64(w) * int64(h),
		BandName:     DefaultBandName,
		Overviews:    true,
	}
}
