package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/sync/remote/fakeremote"
)

// NewDevServerCommand creates the dev-server command.
func NewDevServerCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		addr     string
		token    string
		username string
		seeds    []string
	)

	cmd := &cobra.Command{
		Use:   "dev-server",
		Short: "Serve an in-memory remote for local testing",
		Long: `Serve an in-memory implementation of the remote service.

State lives in memory and is lost on exit. Point remote.base_url at the
listen address and log in with the same --token to try the full sync loop
without a real backend.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := fakeremote.New(token, models.Profile{UserID: "u-" + username, Username: username, DisplayName: username})
			for _, s := range seeds {
				f, err := parseSeedUser(s)
				if err != nil {
					return NewExitError(ExitCommandError, err.Error())
				}
				srv.AddUser(f)
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to listen", err)
			}
			return serveDev(ctx, ln, srv.Handler())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&token, "token", "dev-token", "bearer token the server accepts")
	cmd.Flags().StringVar(&username, "username", "me", "username of the signed-in account")
	cmd.Flags().StringArrayVar(&seeds, "seed-user", nil, "user as username[:display-name] that requests can target (repeatable)")
	return cmd
}

func parseSeedUser(s string) (models.Friend, error) {
	name, display, _ := strings.Cut(s, ":")
	if name == "" {
		return models.Friend{}, errors.New("seed user needs a username")
	}
	if display == "" {
		display = name
	}
	return models.Friend{UserID: "u-" + name, Username: name, DisplayName: display}, nil
}

func serveDev(ctx context.Context, ln net.Listener, h http.Handler) error {
	server := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()
	logging.Info("Dev server listening", logging.Fields{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
