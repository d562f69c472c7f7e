package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/physio-sync/internal/auth"
)

// NewTokenCommand creates the token command, which mints a bearer token
// for the sink from JWT_SECRET.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
		scopes  []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a sink bearer token",
		Long: `Mint an HS256 token signed with JWT_SECRET. The subject is the owner id the
sink will attribute records to.

Example:
  SINK_TOKEN=$(physiosync token --subject u1) physiosync agent`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config.JWT
			if cfg.Secret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			if ttl <= 0 {
				ttl = cfg.TTL
			}
			tok, err := auth.Issue(auth.Config{Secret: cfg.Secret, Issuer: cfg.Issuer}, subject, scopes, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "owner id (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (0 = JWT_TTL)")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeWrite}, "granted scopes")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
