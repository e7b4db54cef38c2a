package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/matchbook/core/internal/app"
	"github.com/kimhsiao/matchbook/core/internal/config"
	"github.com/kimhsiao/matchbook/core/internal/logging"
	syncpkg "github.com/kimhsiao/matchbook/core/internal/sync"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the scheduler in the foreground until interrupted.

Queued changes are replayed whenever something triggers a run: a local edit
made from another matchbook command, the periodic tick, connectivity coming
back, or a push event. Failed runs are retried with exponential backoff.
Changes to log.level in the config file apply without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, rootOpts)
		},
	}
}

func runDaemon(ctx context.Context, opts *RootOptions) error {
	return opts.withApp(func(a *app.App) error {
		opts.loader.Watch(func(cfg *config.Config) {
			logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
		})

		if err := a.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		logging.Info("Shutting down", nil)
		return nil
	})
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay the queue once and refresh from the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			return rootOpts.withApp(func(a *app.App) error {
				ctx := cmd.Context()
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}

				res, err := a.Scheduler.RunOnce(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "sync failed", err)
				}
				if err := out.Success(res, func(w io.Writer) { printRunResult(w, res) }); err != nil {
					return err
				}
				if res.Status != syncpkg.RunSuccess {
					return NewExitError(ExitFailure, "sync incomplete: "+res.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (default sync.run_timeout)")
	return cmd
}

func printRunResult(w io.Writer, res *syncpkg.RunResult) {
	switch {
	case res.Unauthenticated:
		fmt.Fprintf(w, "Not signed in; %d change(s) processed, the rest stay queued.\n", res.Processed)
	case res.Status == syncpkg.RunSuccess:
		fmt.Fprintf(w, "Synced %d change(s) in %s.\n", res.Processed, res.Duration.Round(time.Millisecond))
	default:
		fmt.Fprintf(w, "Sync stopped after %d change(s): %s\n", res.Processed, res.Reason)
	}
	if res.RunAgain {
		fmt.Fprintln(w, "More changes are queued; run sync again.")
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			return rootOpts.withApp(func(a *app.App) error {
				st, err := a.Status(cmd.Context())
				if err != nil {
					return err
				}
				return out.Success(st, func(w io.Writer) {
					fmt.Fprintf(w, "Signed in:        %t\n", st.SignedIn)
					fmt.Fprintf(w, "Queued changes:   %d\n", st.QueueDepth)
					fmt.Fprintf(w, "Run requested:    %t\n", st.Scheduler.Pending)
					last := st.LastSuccessfulAt
					if last == "" {
						last = "never"
					}
					fmt.Fprintf(w, "Last full sync:   %s\n", last)
					if st.LastError != "" {
						fmt.Fprintf(w, "Last error:       %s\n", st.LastError)
					}
				})
			})
		},
	}
}
