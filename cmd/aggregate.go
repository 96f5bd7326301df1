package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cropmask/export"
	"cropmask/manifest"
	"cropmask/pipeline"
	"cropmask/raster"
)

var aggregateOutputs []string
var sourceAsset string

// aggregateCmd represents the aggregate command
var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Export the 500m sinusoidal cropland mask",
	Long: `Mosaic the configured regions, keep cropland (class 2) and aggregate
	to the 86400x36000 MODIS sinusoidal grid by majority vote over ~27.8m
	samples. Only cropland pixels are written, everything else is no-data.

	Options:
		--output:       gs://bucket/object, asset://id or a local path. Repeat
		                it to publish the same render to several places.
		                Defaults to aggregate.destinations from the config file.
		--sourceAsset:  aggregate a previously exported 30m mask asset instead
		                of the regional rasters.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := exportSpec("aggregate", aggregateOutputs, export.Sinusoidal500m)
		if err != nil {
			return err
		}
		opts := pipelineOptions()

		var m manifest.Manifest
		if sourceAsset != "" {
			// the 30m asset already holds the mask: 1 cropland, no-data elsewhere
			m = manifest.Manifest{Regions: []manifest.Region{{Name: sourceAsset, Location: export.AssetScheme + sourceAsset}}}
			opts.CroplandClass = 1
		} else if m, err = manifest.FromViper(viper.GetViper(), "regions"); err != nil {
			return err
		}

		return runExport(cmd.Context(), m, spec, func(srcs []raster.Source) export.Renderer {
			return pipeline.Aggregate(srcs, opts)
		})
	},
}

func init() {
	rootCmd.AddCommand(aggregateCmd)

	aggregateCmd.Flags().StringArrayVarP(&aggregateOutputs, "output", "o", nil, "Export destination, may be repeated")
	aggregateCmd.Flags().StringVar(&sourceAsset, "sourceAsset", "", "Catalog id of a 30m cropland mask to aggregate")
}
