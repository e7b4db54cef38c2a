package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/matchbook/core/internal/app"
	"github.com/kimhsiao/matchbook/core/internal/models"
)

// NewProfileCommand creates the profile command group.
func NewProfileCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or edit your profile",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the local copy of your profile",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return rootOpts.withApp(func(a *app.App) error {
					p, err := a.Profiles.Get(cmd.Context())
					if err != nil {
						return err
					}
					return printProfile(newFormatter(cmd, rootOpts), p)
				})
			},
		},
		&cobra.Command{
			Use:   "set-name <display-name>",
			Short: "Change your display name",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return rootOpts.withApp(func(a *app.App) error {
					p, err := a.Profiles.SetDisplayName(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printProfile(newFormatter(cmd, rootOpts), p)
				})
			},
		},
		&cobra.Command{
			Use:   "set-avatar <image-file>",
			Short: "Change your avatar",
			Long: `Change your avatar. The image is copied into the data directory, so the
original can be moved or deleted right away.`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return rootOpts.withApp(func(a *app.App) error {
					p, err := a.Profiles.SetAvatar(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printProfile(newFormatter(cmd, rootOpts), p)
				})
			},
		},
	)
	return cmd
}

func printProfile(out *OutputFormatter, p *models.Profile) error {
	return out.Success(p, func(w io.Writer) {
		fmt.Fprintf(w, "Username:      %s\n", orDash(p.Username))
		fmt.Fprintf(w, "Display name:  %s\n", orDash(p.DisplayName))
		avatar := p.AvatarURL
		if p.AvatarPath != "" {
			avatar = p.AvatarPath
		}
		fmt.Fprintf(w, "Avatar:        %s\n", orDash(avatar))
		if p.PendingSync {
			fmt.Fprintln(w, "(changes not yet synced)")
		}
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
