package cmd

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"cropmask/export"
	"cropmask/manifest"
	"cropmask/pipeline"
	"cropmask/raster"
)

func init() {
	viper.SetDefault("tileSize", 256)
	viper.SetDefault("maxSamples", raster.DefaultMaxSamples)
	viper.SetDefault("croplandClass", pipeline.CroplandClass)
	viper.SetDefault("intermediateScale", pipeline.IntermediateScale)
	viper.SetDefault("chunkSize", pipeline.DefaultChunkSize)
	viper.SetDefault("gcs.blocksize", "512k")
	viper.SetDefault("gcs.numblocks", 1000)
	viper.SetDefault("mosaic.destination", export.AssetScheme+"GFSAD30/GFSAD30_global_cropland_mask")
}

func pipelineOptions() pipeline.Options {
	return pipeline.Options{
		CroplandClass:     uint8(viper.GetUint("croplandClass")),
		IntermediateScale: viper.GetFloat64("intermediateScale"),
		MaxSamples:        viper.GetInt("maxSamples"),
		ChunkSize:         viper.GetInt("chunkSize"),
	}
}

func catalog() export.Catalog {
	return export.Catalog{Root: viper.GetString("catalog")}
}

// destinations returns outputs, or else the destinations configured under
// key, or else its single destination.
func destinations(key string, outputs []string) []string {
	if len(outputs) > 0 {
		return outputs
	}
	if dsts := viper.GetStringSlice(key + ".destinations"); len(dsts) > 0 {
		return dsts
	}
	if dst := viper.GetString(key + ".destination"); dst != "" {
		return []string{dst}
	}
	return nil
}

// exportSpec starts from the product defaults and applies any override
// found under key (crs, transform, width, height, max_pixels, band_name,
// overviews).
func exportSpec(key string, outputs []string, product func(...export.Destination) export.Spec) (export.Spec, error) {
	uris := destinations(key, outputs)
	if len(uris) == 0 {
		return export.Spec{}, fmt.Errorf("%s: no destination configured", key)
	}
	dsts := make([]export.Destination, len(uris))
	for i, uri := range uris {
		dst, err := export.ParseDestination(uri)
		if err != nil {
			return export.Spec{}, fmt.Errorf("%s destination: %w", key, err)
		}
		dsts[i] = dst
	}
	spec := product(dsts...)

	if viper.IsSet(key + ".crs") {
		spec.CRS = viper.GetString(key + ".crs")
	}
	if viper.IsSet(key + ".transform") {
		var gt []float64
		if err := viper.UnmarshalKey(key+".transform", &gt); err != nil {
			return export.Spec{}, fmt.Errorf("%s.transform: %w", key, err)
		}
		if len(gt) != 6 {
			return export.Spec{}, fmt.Errorf("%s.transform needs 6 coefficients, got %d", key, len(gt))
		}
		copy(spec.Transform[:], gt)
	}
	if viper.IsSet(key + ".width") {
		spec.Width = viper.GetInt(key + ".width")
	}
	if viper.IsSet(key + ".height") {
		spec.Height = viper.GetInt(key + ".height")
	}
	if viper.IsSet(key + ".max_pixels") {
		spec.MaxPixels = viper.GetInt64(key + ".max_pixels")
	} else {
		spec.MaxPixels = spec.Grid().Pixels()
	}
	if viper.IsSet(key + ".band_name") {
		spec.BandName = viper.GetString(key + ".band_name")
	}
	if viper.IsSet(key + ".overviews") {
		spec.Overviews = viper.GetBool(key + ".overviews")
	}
	return spec, nil
}

func needsGCS(m manifest.Manifest, spec export.Spec) bool {
	for _, d := range spec.Destinations {
		if d.Kind == export.ObjectStorage {
			return true
		}
	}
	for _, r := range m.Regions {
		if strings.HasPrefix(r.Location, export.GCSScheme) {
			return true
		}
	}
	return false
}

// runExport opens the regions of m, renders spec with the renderer built by
// newRenderer and waits for the export to be published.
func runExport(ctx context.Context, m manifest.Manifest, spec export.Spec, newRenderer func([]raster.Source) export.Renderer) error {
	var openOpts []manifest.Option
	jobOpts := []export.Option{
		export.Workers(viper.GetInt("numWorkers")),
		export.TileSize(viper.GetInt("tileSize")),
		export.WithCatalog(catalog()),
	}
	if dir := viper.GetString("stagingDir"); dir != "" {
		jobOpts = append(jobOpts, export.StagingDir(dir))
	}

	if needsGCS(m, spec) {
		stcl, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("storage.newclient: %w", err)
		}
		defer stcl.Close()
		openOpts = append(openOpts,
			manifest.GCSClient(stcl),
			manifest.GCSCache(viper.GetString("gcs.blocksize"), viper.GetInt("gcs.numblocks")))
		jobOpts = append(jobOpts, export.Store(export.NewGCSStore(stcl)))
	}
	openOpts = append(openOpts, manifest.WithCatalog(catalog()))

	srcs, err := manifest.Open(ctx, m, openOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := srcs.Close(); err != nil {
			logrus.Error(err)
		}
	}()

	return pipeline.Run(ctx, spec, newRenderer(srcs.Sources()), jobOpts...)
}
