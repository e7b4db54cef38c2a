package cli

import (
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/matchbook/core/internal/app"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/sync/payload"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the outbound change queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued changes, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			return rootOpts.withApp(func(a *app.App) error {
				items, err := a.Queue.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return out.Success(items, func(w io.Writer) {
					rows := make([][]string, 0, len(items))
					for _, item := range items {
						rows = append(rows, []string{
							strconv.FormatInt(item.ID, 10),
							payload.Kind{Entity: item.EntityType, Action: item.Action}.String(),
							models.FormatTimestamp(item.CreatedAtTime()),
							strconv.Itoa(item.AttemptCount),
							item.LastError,
						})
					}
					table(w, []string{"ID", "KIND", "QUEUED", "ATTEMPTS", "LAST ERROR"}, rows)
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum items to list (0 = all)")
	return cmd
}
