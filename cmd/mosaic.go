package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cropmask/export"
	"cropmask/manifest"
	"cropmask/pipeline"
	"cropmask/raster"
)

var mosaicOutputs []string

// mosaicCmd represents the mosaic command
var mosaicCmd = &cobra.Command{
	Use:   "mosaic",
	Short: "Export the 30m EPSG:4326 cropland mask",
	Long: `Mosaic the configured regions at 30m in EPSG:4326 between 88S and
	88N and keep cropland pixels only. Overviews are built with a mode
	resampling. The default destination is a catalog asset that
	'aggregate --sourceAsset' can read back.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := exportSpec("mosaic", mosaicOutputs, export.Geographic30m)
		if err != nil {
			return err
		}
		m, err := manifest.FromViper(viper.GetViper(), "regions")
		if err != nil {
			return err
		}
		opts := pipelineOptions()
		return runExport(cmd.Context(), m, spec, func(srcs []raster.Source) export.Renderer {
			return pipeline.Mask(srcs, opts)
		})
	},
}

func init() {
	rootCmd.AddCommand(mosaicCmd)

	mosaicCmd.Flags().StringArrayVarP(&mosaicOutputs, "output", "o", nil, "Export destination, may be repeated")
}
