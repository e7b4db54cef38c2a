package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/matchbook/core/internal/app"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/services"
)

// NewMatchCommand creates the match command group.
func NewMatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Record and list matches",
	}
	cmd.AddCommand(newMatchRecordCommand(rootOpts), newMatchListCommand(rootOpts))
	return cmd
}

func newMatchRecordCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		in      services.MatchInput
		players []string
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a finished match",
		Long: `Record a finished match. Each --player is name[:user-id[:start-life[:end-life]]].

Example:
  matchbook match record --game commander \
    --player Me:u-me:40:12 --player Sam::40:0 --winner u-me`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			for _, p := range players {
				mp, err := parsePlayer(p)
				if err != nil {
					return NewExitError(ExitCommandError, err.Error())
				}
				in.Players = append(in.Players, mp)
			}
			return rootOpts.withApp(func(a *app.App) error {
				m, err := a.Matches.Record(cmd.Context(), in)
				if err != nil {
					return err
				}
				return out.Success(m, func(w io.Writer) {
					fmt.Fprintf(w, "Match %s queued with %d player(s).\n", m.ClientMatchID, len(m.Players))
				})
			})
		},
	}
	cmd.Flags().StringVar(&in.Format, "game", "", "game format, e.g. commander")
	cmd.Flags().StringArrayVarP(&players, "player", "p", nil, "player as name[:user-id[:start-life[:end-life]]] (repeatable)")
	cmd.Flags().StringVar(&in.WinnerUserID, "winner", "", "user id of the winner")
	cmd.Flags().StringVar(&in.StartedAt, "started", "", "start time (RFC3339)")
	cmd.Flags().StringVar(&in.EndedAt, "ended", "", "end time (RFC3339, default now)")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "free-form notes")
	return cmd
}

func parsePlayer(s string) (models.MatchPlayer, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 4 {
		return models.MatchPlayer{}, fmt.Errorf("player %q has too many fields", s)
	}
	p := models.MatchPlayer{Name: parts[0]}
	if len(parts) > 1 {
		p.UserID = parts[1]
	}
	for i, dst := range []*int{&p.StartLife, &p.EndLife} {
		if len(parts) <= i+2 || parts[i+2] == "" {
			continue
		}
		n, err := strconv.Atoi(parts[i+2])
		if err != nil {
			return models.MatchPlayer{}, fmt.Errorf("player %q: life totals must be integers", s)
		}
		*dst = n
	}
	return p, nil
}

func newMatchListCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded matches, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			return rootOpts.withApp(func(a *app.App) error {
				ms, err := a.Matches.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return out.Success(ms, func(w io.Writer) {
					rows := make([][]string, 0, len(ms))
					for _, m := range ms {
						names := make([]string, 0, len(m.Players))
						for _, p := range m.Players {
							names = append(names, p.Name)
						}
						rows = append(rows, []string{string(m.ClientMatchID), m.Format, m.EndedAt, strings.Join(names, ", "), m.Status})
					}
					table(w, []string{"MATCH", "FORMAT", "ENDED", "PLAYERS", "STATUS"}, rows)
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum matches to list")
	return cmd
}
