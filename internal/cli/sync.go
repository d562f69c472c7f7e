package cli

import (
	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command: one manual pass over the queue.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one delivery pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, release, err := openEngine(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer release()

			res, err := eng.TriggerSyncNow(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

// NewRetryFailedCommand creates the retry-failed command.
func NewRetryFailedCommand(rootOpts *RootOptions) *cobra.Command {
	var maxRetries int

	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Redeliver every failed record, including those past the retry cap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, release, err := openEngine(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer release()

			res, err := eng.RetryFailed(cmd.Context(), maxRetries)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}

	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "cap used to mark records terminal in this pass (0 = SYNC_MAX_RETRIES)")
	return cmd
}
