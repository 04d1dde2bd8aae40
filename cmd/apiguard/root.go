package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/JohnPlummer/jp-go-apiguard/config"
	"github.com/JohnPlummer/jp-go-apiguard/internal/logging"
)

// app holds what every subcommand needs after the root pre-run.
type app struct {
	envFile string
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd(version string) *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "apiguard",
		Short: "Account lookup gateway with retry policies and error envelopes",
		Long: `apiguard forwards account lookups to the accounts service through a named
retry policy and turns every failure into a JSON error envelope.

Example usage:
  apiguard serve                     # Start the HTTP server
  apiguard serve --env-file prod.env # Load settings from prod.env
  apiguard schedule -n 5             # Print sample retry delays`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "env file with configuration, ignored when missing")

	root.AddCommand(newServeCmd(a), newScheduleCmd(a))
	return root
}

func (a *app) init() error {
	cfg, err := config.LoadWithOptions(config.LoadOptions{EnvFile: a.envFile})
	if err != nil {
		return err
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	return nil
}
