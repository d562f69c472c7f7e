package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/physio-sync/internal/observability"
)

// AgentOptions holds flags for the agent command.
type AgentOptions struct {
	*RootOptions
	Transport string
	Schedule  string
	Offline   bool
}

// NewAgentCommand creates the agent command.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AgentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device sync engine",
		Long: `Run the outbox engine with its automatic triggers.

A pass runs on start, when connectivity returns (SIGUSR1 = online,
SIGUSR2 = offline) and on the SYNC_SCHEDULE cron spec while online.
SIGINT or SIGTERM stops the agent after the pass in flight.

Example:
  physiosync agent --transport http --schedule "@every 30s"
  physiosync agent --transport memory`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Transport, "transport", "", "override REMOTE_TRANSPORT (http|kafka|memory)")
	cmd.Flags().StringVar(&opts.Schedule, "schedule", "", "override SYNC_SCHEDULE (cron spec, e.g. @every 30s)")
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "start with connectivity down")

	return cmd
}

func runAgent(cmd *cobra.Command, opts *AgentOptions) error {
	if opts.Transport != "" {
		opts.Config.Remote.Transport = opts.Transport
	}
	if opts.Schedule != "" {
		opts.Config.Sync.Schedule = opts.Schedule
	}
	log := opts.Log.With().Str("component", "cli.agent").Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, opts.Config.OTEL, observability.RoleAgent, Version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	eng, release, err := openEngine(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer release()

	if opts.Offline {
		eng.Online(false)
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	log.Info().
		Str("transport", opts.Config.Remote.Transport).
		Str("schedule", opts.Config.Sync.Schedule).
		Msg("agent started")

	connectivity := make(chan os.Signal, 1)
	signal.Notify(connectivity, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(connectivity)

	counts := eng.WatchStatusCounts(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil
		case sig := <-connectivity:
			up := sig == syscall.SIGUSR1
			log.Info().Bool("online", up).Msg("connectivity changed")
			eng.Online(up)
		case c, ok := <-counts:
			if !ok {
				return nil
			}
			log.Debug().
				Int("pending", c.Pending).
				Int("syncing", c.Syncing).
				Int("synced", c.Synced).
				Int("failed", c.Failed).
				Msg("queue")
		}
	}
}
