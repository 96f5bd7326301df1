package cmd

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string
var Verbose bool
var Debug bool
var numWorkers int
var startTime time.Time

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cropmask",
	Short: "Build global cropland masks from regional class rasters",
	Long: `Mosaics regional cropland rasters (0 water, 1 land, 2 cropland),
	thresholds them to a cropland mask and exports it, either at 30m in
	EPSG:4326 ('mosaic') or aggregated by majority vote onto the 500m
	MODIS sinusoidal grid ('aggregate'):
	./cropmask aggregate --config cropmask.yaml

	The exported mask can be summarised per S2 cell with 'indexraster'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		startTime = time.Now()
		setLogLevels()
		return readConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		logrus.Debugf("command %s took %.1fs", cmd.Name(), time.Since(startTime).Seconds())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.Error(err)
		stop()
		os.Exit(1)
	}
}

func setLogLevels() {
	if viper.GetBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	} else if viper.GetBool("verbose") {
		logrus.SetLevel(logrus.InfoLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
}

// readConfig loads the config file holding the region manifest and export
// settings. A missing default file is not an error.
func readConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cropmask")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("CROPMASK")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			logrus.Debug("no config file found")
			return nil
		}
		return err
	}
	logrus.Infof("using config file %s", viper.ConfigFileUsed())
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./cropmask.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Verbose output")
	err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	if err != nil {
		logrus.Exit(1)
	}
	rootCmd.PersistentFlags().BoolVarP(&Debug, "debug", "d", false, "Debug output")
	err = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logrus.Exit(1)
	}
	rootCmd.PersistentFlags().IntVarP(&numWorkers, "numWorkers", "n", 8, "Number of workers to spawn for parallel processing")
	err = viper.BindPFlag("numWorkers", rootCmd.PersistentFlags().Lookup("numWorkers"))
	if err != nil {
		logrus.Exit(1)
	}
}
