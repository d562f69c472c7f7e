package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbourn/physio-sync/internal/domain"
)

// RecordOptions holds flags for the record command.
type RecordOptions struct {
	*RootOptions
	Owner   string
	Kind    string
	Payload string
	Parent  string
}

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Save a record to the local outbox",
		Long: `Save a record locally as pending. Nothing is sent until a sync pass runs.

Example:
  physiosync record --owner u1 --kind session --payload '{"exercise":"squat"}'
  physiosync record --owner u1 --kind measurement --parent <session-id> --payload '{"knee_deg":92}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owning user id (required)")
	cmd.Flags().StringVar(&opts.Kind, "kind", domain.KindMeasurement, "record kind")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "JSON object payload")
	cmd.Flags().StringVar(&opts.Parent, "parent", "", "parent record id")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func runRecord(cmd *cobra.Command, opts *RecordOptions) error {
	payload := domain.Payload(json.RawMessage(opts.Payload))
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("--payload: %w", err)
	}

	eng, release, err := openEngine(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer release()

	rec, err := eng.Save(cmd.Context(), domain.NewRecord{
		OwnerID:  opts.Owner,
		Kind:     opts.Kind,
		ParentID: opts.Parent,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, rec)
}
