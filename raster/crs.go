package raster

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/sirupsen/logrus"
)

const (
	Geographic = "EPSG:4326"
	// Sinusoidal is the MODIS sinusoidal projection on a sphere.
	Sinusoidal       = "SR-ORG:6974"
	SinusoidalProj4  = "+proj=sinu +lon_0=0 +x_0=0 +y_0=0 +a=6371007.181 +b=6371007.181 +units=m +no_defs"
	SinusoidalRadius = 6371007.181
)

// Projector converts coordinates from one CRS to another in place. ok[i]
// is false when point i has no image in the target CRS.
type Projector interface {
	Project(xs, ys []float64, ok []bool) error
	Close()
}

// NewProjector returns a Projector from src to dst. Geographic and
// sinusoidal pairs are handled in Go, anything else through GDAL/OSR.
func NewProjector(src, dst string) (Projector, error) {
	src, dst = canonicalCRS(src), canonicalCRS(dst)
	switch {
	case src == dst:
		return identity{}, nil
	case src == Geographic && dst == Sinusoidal:
		return sinusoidalForward{}, nil
	case src == Sinusoidal && dst == Geographic:
		return sinusoidalInverse{}, nil
	}
	return newOSRProjector(src, dst)
}

// canonicalCRS maps any spelling of the geographic or sinusoidal CRS (code,
// proj4 or the WKT GDAL reports for a file) onto Geographic or Sinusoidal.
// Other CRSs are returned trimmed.
func canonicalCRS(crs string) string {
	c := knownCRS(crs)
	if c == Geographic || c == Sinusoidal || c == "" {
		return c
	}
	if v, ok := identified.Load(c); ok {
		return v.(string)
	}
	id := identifyCRS(c)
	identified.Store(c, id)
	return id
}

var identified sync.Map

// knownCRS recognises the usual names of the two CRSs without OSR.
func knownCRS(crs string) string {
	c := strings.TrimSpace(crs)
	switch strings.ToUpper(c) {
	case "EPSG:4326", "WGS84":
		return Geographic
	case "SR-ORG:6974":
		return Sinusoidal
	}
	if c == SinusoidalProj4 {
		return Sinusoidal
	}
	return c
}

// identifyCRS asks OSR whether c describes the geographic or sinusoidal CRS.
func identifyCRS(c string) string {
	sr, err := parseSpatialRef(c)
	if err != nil {
		return c
	}
	defer sr.Close()
	for _, known := range []struct{ name, def string }{
		{Geographic, "EPSG:4326"},
		{Sinusoidal, SinusoidalProj4},
	} {
		ref, err := parseSpatialRef(known.def)
		if err != nil {
			continue
		}
		same := sr.IsSame(ref)
		ref.Close()
		if same {
			return known.name
		}
	}
	return c
}

type identity struct{}

func (identity) Project(_, _ []float64, ok []bool) error {
	for i := range ok {
		ok[i] = true
	}
	return nil
}

func (identity) Close() {}

type sinusoidalForward struct{}

func (sinusoidalForward) Project(xs, ys []float64, ok []bool) error {
	for i := range xs {
		lng, lat := xs[i], ys[i]
		if math.Abs(lat) > 90 || math.Abs(lng) > 180 {
			ok[i] = false
			continue
		}
		xs[i], ys[i] = SinusoidalFromLngLat(lng, lat)
		ok[i] = true
	}
	return nil
}

func (sinusoidalForward) Close() {}

type sinusoidalInverse struct{}

func (sinusoidalInverse) Project(xs, ys []float64, ok []bool) error {
	for i := range xs {
		xs[i], ys[i], ok[i] = LngLatFromSinusoidal(xs[i], ys[i])
	}
	return nil
}

func (sinusoidalInverse) Close() {}

// SinusoidalFromLngLat projects degrees onto the sinusoidal plane.
func SinusoidalFromLngLat(lng, lat float64) (float64, float64) {
	latRad := lat * math.Pi / 180
	lngRad := lng * math.Pi / 180
	return SinusoidalRadius * lngRad * math.Cos(latRad), SinusoidalRadius * latRad
}

// LngLatFromSinusoidal is the inverse of SinusoidalFromLngLat. Points off
// the projected globe return false.
func LngLatFromSinusoidal(x, y float64) (float64, float64, bool) {
	latRad := y / SinusoidalRadius
	if math.Abs(latRad) > math.Pi/2 {
		return 0, 0, false
	}
	cosLat := math.Cos(latRad)
	if cosLat < 1e-12 {
		return 0, latRad * 180 / math.Pi, x == 0
	}
	lngRad := x / (SinusoidalRadius * cosLat)
	if math.Abs(lngRad) > math.Pi {
		return 0, 0, false
	}
	return lngRad * 180 / math.Pi, latRad * 180 / math.Pi, true
}

type osrProjector struct {
	src, dst *godal.SpatialRef
	trn      *godal.Transform
	// fromSinusoidal rejects points off the projected globe, which PROJ
	// would otherwise wrap around in longitude.
	fromSinusoidal bool
}

func newOSRProjector(src, dst string) (*osrProjector, error) {
	srcSR, err := SpatialRef(src)
	if err != nil {
		return nil, err
	}
	dstSR, err := SpatialRef(dst)
	if err != nil {
		srcSR.Close()
		return nil, err
	}
	trn, err := godal.NewTransform(srcSR, dstSR)
	if err != nil {
		srcSR.Close()
		dstSR.Close()
		return nil, fmt.Errorf("transform %s -> %s: %w", src, dst, err)
	}
	return &osrProjector{src: srcSR, dst: dstSR, trn: trn, fromSinusoidal: src == Sinusoidal}, nil
}

// Project transforms the points GDAL can and flags the others in ok. Points
// outside the domain of either CRS are not an error.
func (p *osrProjector) Project(xs, ys []float64, ok []bool) error {
	if len(xs) == 0 {
		return nil
	}
	var offGlobe []bool
	if p.fromSinusoidal {
		offGlobe = make([]bool, len(xs))
		for i := range xs {
			_, _, on := LngLatFromSinusoidal(xs[i], ys[i])
			offGlobe[i] = !on
		}
	}
	err := p.trn.TransformEx(xs, ys, nil, ok)
	if err != nil {
		// godal fails the call as soon as one point fails; ok says which
		logrus.WithError(err).Debug("partial coordinate transform")
	}
	for i := range offGlobe {
		if offGlobe[i] {
			ok[i] = false
		}
	}
	return nil
}

// SpatialRef resolves a CRS identifier (EPSG:n, SR-ORG:6974, a proj4 string
// or WKT) into an OSR spatial reference. The caller owns the result.
func SpatialRef(crs string) (*godal.SpatialRef, error) {
	return parseSpatialRef(knownCRS(crs))
}

func parseSpatialRef(c string) (*godal.SpatialRef, error) {
	switch {
	case c == Sinusoidal:
		return godal.NewSpatialRefFromProj4(SinusoidalProj4)
	case strings.HasPrefix(strings.ToUpper(c), "EPSG:"):
		code, err := strconv.Atoi(c[len("EPSG:"):])
		if err != nil {
			return nil, fmt.Errorf("invalid EPSG code %q: %w", c, err)
		}
		return godal.NewSpatialRefFromEPSG(code)
	case strings.HasPrefix(c, "+proj"):
		return godal.NewSpatialRefFromProj4(c)
	case c == "":
		return nil, fmt.Errorf("empty CRS")
	}
	return godal.NewSpatialRefFromWKT(c)
}

// IsGeographic reports whether crs is expressed in degrees.
func IsGeographic(crs string) bool {
	c := canonicalCRS(crs)
	switch {
	case c == Geographic:
		return true
	case c == Sinusoidal:
		return false
	case strings.HasPrefix(c, "GEOGCS"), strings.HasPrefix(c, "GEOGCRS"):
		return true
	}
	sr, err := SpatialRef(c)
	if err != nil {
		return false
	}
	defer sr.Close()
	return sr.Geographic()
}
