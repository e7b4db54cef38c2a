package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/matchbook/core/internal/app"
	"github.com/kimhsiao/matchbook/core/internal/models"
)

// NewFriendsCommand creates the friends command group.
func NewFriendsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "friends",
		Short: "Manage friends and friend requests",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List friends and open requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			return rootOpts.withApp(func(a *app.App) error {
				c, err := a.Friends.Connections(cmd.Context())
				if err != nil {
					return err
				}
				return out.Success(c, func(w io.Writer) { printConnections(w, c) })
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "send <username>",
		Short: "Send a friend request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			return rootOpts.withApp(func(a *app.App) error {
				req, err := a.Friends.SendRequest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return out.Success(req, func(w io.Writer) {
					fmt.Fprintf(w, "Request to %s queued (%s).\n", req.Username, req.LocalID)
				})
			})
		},
	})

	for _, action := range []struct {
		use, short, done string
		run              func(a *app.App, cmd *cobra.Command, ref string) error
	}{
		{"accept <request-id>", "Accept an incoming request", "accepted",
			func(a *app.App, cmd *cobra.Command, ref string) error { return a.Friends.Accept(cmd.Context(), ref) }},
		{"decline <request-id>", "Decline an incoming request", "declined",
			func(a *app.App, cmd *cobra.Command, ref string) error { return a.Friends.Decline(cmd.Context(), ref) }},
		{"cancel <request-id>", "Withdraw an outgoing request", "cancelled",
			func(a *app.App, cmd *cobra.Command, ref string) error { return a.Friends.Cancel(cmd.Context(), ref) }},
	} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action.use,
			Short: action.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				out := newFormatter(cmd, rootOpts)
				return rootOpts.withApp(func(a *app.App) error {
					if err := action.run(a, cmd, args[0]); err != nil {
						return err
					}
					return out.Success(map[string]string{"request": args[0], "result": action.done}, func(w io.Writer) {
						fmt.Fprintf(w, "Request %s %s.\n", args[0], action.done)
					})
				})
			},
		})
	}
	return cmd
}

func printConnections(w io.Writer, c *models.Connections) {
	rows := make([][]string, 0, len(c.Friends)+len(c.Incoming)+len(c.Outgoing))
	for _, f := range c.Friends {
		rows = append(rows, []string{"friend", "", f.Username, f.DisplayName, ""})
	}
	for _, set := range [][]models.FriendRequest{c.Incoming, c.Outgoing} {
		for _, r := range set {
			id := r.ID
			if id == "" {
				id = string(r.LocalID)
			}
			rows = append(rows, []string{string(r.Direction), id, r.Username, r.DisplayName, r.Status})
		}
	}
	table(w, []string{"KIND", "REQUEST", "USERNAME", "NAME", "STATUS"}, rows)
}
