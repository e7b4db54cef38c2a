package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/matchbook/core/internal/auth"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/sync/remote"
)

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		token   string
		userID  string
		expires time.Duration
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an access token for the remote service",
		Long: `Store an access token for the remote service.

Queued changes are only replayed while a valid token is stored. Signing in
does not touch the queue; the next run picks up where it left off.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			if token == "" {
				return NewExitError(ExitCommandError, "--token is required")
			}
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}

			cred := &models.Credential{UserID: userID, AccessToken: token}
			if expires > 0 {
				cred.ExpiresAt = time.Now().Add(expires).Unix()
			}
			if err := auth.NewFileTokenSource(cfg.Auth.TokenFile).Save(cred); err != nil {
				return WrapExitError(ExitFailure, "failed to save session", err)
			}
			return out.Success(map[string]interface{}{"user_id": userID, "expires_at": cred.ExpiresAt}, func(w io.Writer) {
				fmt.Fprintln(w, "Signed in.")
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "access token")
	cmd.Flags().StringVar(&userID, "user-id", "", "your user id")
	cmd.Flags().DurationVar(&expires, "expires", 0, "token lifetime (0 = no expiry)")
	return cmd
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored access token",
		Long:  "Forget the stored access token. Queued changes are kept and replayed after the next login.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			tokens := auth.NewFileTokenSource(cfg.Auth.TokenFile)
			_, loadErr := tokens.Load()
			if err := tokens.Clear(); err != nil {
				return WrapExitError(ExitFailure, "failed to sign out", err)
			}
			wasSignedIn := !errors.Is(loadErr, remote.ErrNoSession)
			return out.Success(map[string]bool{"signed_out": wasSignedIn}, func(w io.Writer) {
				if wasSignedIn {
					fmt.Fprintln(w, "Signed out.")
				} else {
					fmt.Fprintln(w, "Already signed out.")
				}
			})
		},
	}
}
