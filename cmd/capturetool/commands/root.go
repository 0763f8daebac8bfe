package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/capturetool/internal/config"
	"github.com/bryanchriswhite/capturetool/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "capturetool",
		Short: "capturetool - capture, record and replay multi-stream camera sessions",
		Long: `capturetool streams frames from a multi-stream camera (depth, color,
infrared, infrared2, fisheye) and stops when the first stop condition fires.

Features:
  • Live capture from V4L2 nodes, one node per stream
  • Record every frame to a file with per-stream compression
  • Play recordings back, paced in real time or as fast as possible
  • Stop after N frames per stream, after a duration, or on Ctrl+C
  • Optional tiled preview in the browser or an X11 window`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initLogging,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/capturetool/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "human readable logs")

	// Bind flags to viper
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
	// Usage is silenced for run errors but still shown for bad flags
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		cmd.Usage()
		return err
	})

	viper.SetEnvPrefix("capturetool")
	viper.AutomaticEnv()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// initLogging applies --log-level and --pretty before any command runs
func initLogging(cmd *cobra.Command, args []string) error {
	logger.Init(viper.GetString("log_level"), viper.GetBool("pretty"))
	return nil
}

// loadConfig opens the config file and applies flag overrides
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// The file's level applies unless --log-level was given
	if viper.GetString("log_level") == "" {
		logger.Init(configMgr.Get().LogLevel, viper.GetBool("pretty"))
	}
	return configMgr, nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
