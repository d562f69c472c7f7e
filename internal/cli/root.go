// Package cli implements the physiosync command line: the device agent, its
// one-shot maintenance commands and the reference sink.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/physio-sync/internal/config"
	"github.com/tbourn/physio-sync/internal/sysutil"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// RootOptions holds global flags and the configuration every subcommand
// receives after PersistentPreRunE.
type RootOptions struct {
	EnvFile  string
	LogLevel string

	Config config.Config
	Log    zerolog.Logger
}

// NewRootCommand creates the physiosync root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "physiosync",
		Short:         "Offline-first record sync for the physio app",
		Long:          "Run the device outbox engine, inspect and drive its queue, or serve the reference sink API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override LOG_LEVEL (debug|info|warn|error)")

	cmd.AddCommand(NewAgentCommand(opts))
	cmd.AddCommand(NewRecordCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRetryFailedCommand(opts))
	cmd.AddCommand(NewSinkCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

// load reads the dotenv file (a missing default file is fine), then the
// environment, and configures the global logger.
func (o *RootOptions) load(cmd *cobra.Command) error {
	if o.EnvFile != "" {
		if err := godotenv.Load(o.EnvFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
				return fmt.Errorf("load %s: %w", o.EnvFile, err)
			}
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	o.Config = cfg
	o.Log = sysutil.ConfigureLogger(cfg.LogLevel, cfg.LogPretty)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
