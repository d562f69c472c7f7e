package cli

import (
	"github.com/spf13/cobra"

	"github.com/tbourn/physio-sync/internal/domain"
	"github.com/tbourn/physio-sync/internal/outbox"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Owner   string
	Records bool
}

type statusReport struct {
	Counts  domain.StatusCounts `json:"counts"`
	Records []domain.Record     `json:"records,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, release, err := openEngine(ctx, opts.RootOptions)
			if err != nil {
				return err
			}
			defer release()

			var rep statusReport
			if rep.Counts, err = eng.Store().Counts(ctx, opts.Owner); err != nil {
				return err
			}
			if opts.Records {
				if rep.Records, err = eng.Store().Query(ctx, outbox.Filter{OwnerID: opts.Owner}); err != nil {
					return err
				}
			}
			return printJSON(cmd, rep)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "restrict to one owner")
	cmd.Flags().BoolVar(&opts.Records, "records", false, "list records as well as counts")

	return cmd
}
