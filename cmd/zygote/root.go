package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zqzqsb/zygote/internal/config"
	"github.com/zqzqsb/zygote/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "zygote",
		Short:         "Fork pre-warmed processes specialized to an application identity",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	root.AddCommand(
		newServeCmd(),
		newSpawnCmd(),
		newRunCmd(),
		newProfileCmd(),
		newSnapshotCmd(),
	)
	return root
}

// setup loads the configuration and builds the logger; flags override the file
func setup() error {
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logger, err = logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	return err
}
