// Package cmd implements the CLI commands for sabrfetch.
package cmd

import (
	"fmt"

	"github.com/jmylchreest/sabrfetch/internal/config"
	"github.com/jmylchreest/sabrfetch/internal/observability"
	"github.com/jmylchreest/sabrfetch/internal/version"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	cfg       *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "sabrfetch",
	Short:   "Fetch an audio-only stream over the SABR protocol",
	Version: version.Short(),
	Long: `sabrfetch drives the SABR request/response loop against a streaming
edge server and writes the audio track of one playback session to a local
file.

It speaks the UMP part framing and the protobuf request/response bodies the
server expects, reassembling segments in order and following redirects and
context updates the server pushes back.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if logFormat != "" {
			cfg.Logging.Format = logFormat
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}

		logger := observability.NewLogger(cfg.Logging)
		observability.SetDefault(logger)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, /etc/sabrfetch, $HOME/.sabrfetch)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
}
