package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cropmask/cellsio"
	"cropmask/celltools"
)

var memLimit int
var s2Lvl int

// indexrasterCmd represents the indexraster command
var indexrasterCmd = &cobra.Command{
	Use:   "indexraster [mask_tif] [output_path]",
	Short: "Summarise an exported cropland mask per S2 cell",
	Long: `Index the cropland pixels of an exported mask onto S2 cells. Each
	pixel contributes its ground area in m², so the default 'sum' gives the
	cropland area of every cell. The output is Parquet, or CSV when the
	output path ends in .csv.

	Options:
		--s2Lvl:			S2 cell level to generate results for. Essentially output resolution.
		--aggFunc:		Function to use when aggregating to S2 cell. Default is the sum,
									choose from: sum, mean, max, min, count`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		aggFunc, ok := celltools.AggFuncByName(viper.GetString("aggFunc"))
		if !ok {
			return fmt.Errorf("aggregation function %s not recognized", viper.GetString("aggFunc"))
		}

		opts := celltools.ConfigOpts{
			NumWorkers: viper.GetInt("numWorkers"),
			S2Lvl:      viper.GetInt("s2Lvl"),
			AggFunc:    aggFunc,
			MemLimit:   viper.GetInt("memLimitGB"),
		}
		logrus.Infof("indexing %s at S2 level %d", args[0], opts.S2Lvl)
		return celltools.RasterToS2(args[0], opts, cellSink(args[1], opts.MemLimit))
	},
}

// cellSink picks the output format from the extension of path.
func cellSink(path string, memLimitGB int) celltools.Sink {
	return func(cellData chan celltools.S2CellData) error {
		if filepath.Ext(path) == ".csv" {
			return cellsio.StreamToCSV(cellData, path)
		}
		return cellsio.StreamToParquet(cellData, path, memLimitGB)
	}
}

func init() {
	rootCmd.AddCommand(indexrasterCmd)

	indexrasterCmd.Flags().IntVarP(&s2Lvl, "s2Lvl", "l", 11, "S2 cell level to generate results for. Essentially output resolution")
	err := viper.BindPFlag("s2Lvl", indexrasterCmd.Flags().Lookup("s2Lvl"))
	if err != nil {
		logrus.Exit(1)
	}

	indexrasterCmd.Flags().StringP("aggFunc", "a", "sum", "Function to use when aggregating to S2 cell, choose from: sum, mean, max, min, count")
	err = viper.BindPFlag("aggFunc", indexrasterCmd.Flags().Lookup("aggFunc"))
	if err != nil {
		logrus.Exit(1)
	}

	indexrasterCmd.Flags().IntVarP(&memLimit, "memLimitGB", "m", 8, "Memory limit in GB for buffered output rows")
	err = viper.BindPFlag("memLimitGB", indexrasterCmd.Flags().Lookup("memLimitGB"))
	if err != nil {
		logrus.Exit(1)
	}
}
