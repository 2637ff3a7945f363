package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"collabsync/internal/auth"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Participant string
	Name        string
	Session     string
	Secret      string
	Expiry      time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a relay join token",
		Long: `Mint a relay join token signed with the relay master secret.

Example:
  MASTER_SECRET=s3cret collabctl token --user ada --name "Ada" --session doc-1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := mintToken(opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Participant, "user", "", "participant id (token subject)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Session, "session", "", "restrict the token to one session")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "signing secret (default $MASTER_SECRET)")
	cmd.Flags().DurationVar(&opts.Expiry, "expiry", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func mintToken(opts *TokenOptions) (string, error) {
	secret := opts.Secret
	if secret == "" {
		secret = os.Getenv("MASTER_SECRET")
	}
	if secret == "" {
		return "", errors.New("no secret: pass --secret or set MASTER_SECRET")
	}
	cfg := auth.DefaultTokenConfig(secret)
	cfg.Expiry = opts.Expiry
	return auth.CreateToken(auth.Grant{
		ParticipantID: opts.Participant,
		Name:          opts.Name,
		SessionID:     opts.Session,
	}, cfg)
}
