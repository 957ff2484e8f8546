// Package cmd implements the segloader CLI.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"segloader/internal/config"
	"segloader/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "segloader",
	Short: "HLS and DASH segment loader",
	Long: `segloader plays HLS and DASH manifests the way a browser player does:
it picks a rendition, fetches segments ahead of a simulated playhead,
follows live playlists and switches renditions as bandwidth changes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initConfig(cmd)
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./segloader.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig loads the configuration. Log flags only override the config
// when set explicitly, keeping env and file values otherwise.
func initConfig(cmd *cobra.Command) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}

	flags := cmd.Root().PersistentFlags()
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log = logger.NewLoggerWithWriter(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	return nil
}
