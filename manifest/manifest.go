// Package manifest resolves the regional input rasters of a run. A manifest
// maps a logical region name to where the raster lives and, optionally, the
// CRS, transform and no-data value to use instead of the file's own.
package manifest

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"cropmask/raster"
)

// ErrInputUnavailable is returned when a region cannot be read.
var ErrInputUnavailable = errors.New("input unavailable")

type Region struct {
	Name      string    `mapstructure:"name"`
	Location  string    `mapstructure:"location"`
	CRS       string    `mapstructure:"crs"`
	Transform []float64 `mapstructure:"transform"`
	NoData    *int      `mapstructure:"nodata"`
}

type Manifest struct {
	Regions []Region `mapstructure:"regions"`
}

// FromViper decodes the manifest stored under key.
func FromViper(v *viper.Viper, key string) (Manifest, error) {
	var regions []Region
	if err := v.UnmarshalKey(key, &regions); err != nil {
		return Manifest{}, fmt.Errorf("decode %s: %w", key, err)
	}
	m := Manifest{Regions: regions}
	return m, m.Validate()
}

func (m Manifest) Validate() error {
	if len(m.Regions) == 0 {
		return fmt.Errorf("manifest has no regions")
	}
	seen := make(map[string]bool, len(m.Regions))
	for i, r := range m.Regions {
		if r.Name == "" {
			return fmt.Errorf("region %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate region %s", r.Name)
		}
		seen[r.Name] = true
		if r.Location == "" {
			return fmt.Errorf("region %s has no location", r.Name)
		}
		if len(r.Transform) != 0 && len(r.Transform) != 6 {
			return fmt.Errorf("region %s: transform needs 6 coefficients, got %d", r.Name, len(r.Transform))
		}
		if r.NoData != nil && (*r.NoData < 0 || *r.NoData > 255) {
			return fmt.Errorf("region %s: nodata %d does not fit a byte", r.Name, *r.NoData)
		}
	}
	return nil
}

// Names lists region names in manifest order.
func (m Manifest) Names() []string {
	names := make([]string, len(m.Regions))
	for i, r := range m.Regions {
		names[i] = r.Name
	}
	return names
}

func (r Region) transform() (raster.GeoTransform, bool) {
	if len(r.Transform) != 6 {
		return raster.GeoTransform{}, false
	}
	var gt raster.GeoTransform
	copy(gt[:], r.Transform)
	return gt, true
}
