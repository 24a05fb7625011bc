package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/systmms/camcreds/cmd/camcreds/commands"
	"github.com/systmms/camcreds/internal/config"
	dserrors "github.com/systmms/camcreds/internal/errors"
	"github.com/systmms/camcreds/internal/logging"
	"github.com/systmms/camcreds/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", dserrors.SimplifyError(err))
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile     string
		noColor        bool
		debug          bool
		nonInteractive bool
		showMetrics    bool
	)

	cfg := &config.Config{}

	defaultConfig := config.DefaultPath
	if env := os.Getenv("CAMCREDS_CONFIG"); env != "" {
		defaultConfig = env
	}

	rootCmd := &cobra.Command{
		Use:   "camcreds",
		Short: "Camera credential resolution and settings migration",
		Long: `camcreds logs in to the camera cloud account, resolves the local RTSP
credentials of each camera (verification code or encryption key), checks them
against the camera and migrates settings written by older releases.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
			cfg.NonInteractive = nonInteractive
			if showMetrics {
				metrics.InitMetrics()
			}
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if !showMetrics && !cfg.MetricsEnabled() {
				return nil
			}
			return metrics.WriteText(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", defaultConfig, "Config file path (env CAMCREDS_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "Never prompt; fail when input is needed")
	rootCmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "Print Prometheus counters after the command")

	rootCmd.AddCommand(commands.All(cfg)...)

	return rootCmd.Execute()
}
