package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/matchbook/core/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	cmd.AddCommand(newConfigInitCommand(rootOpts), newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigInitCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			path := rootOpts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = config.DefaultPath()
			}
			if err := config.WriteDefault(path, force); err != nil {
				return WrapExitError(ExitFailure, "failed to write config", err)
			}
			return out.Success(map[string]string{"path": path}, func(w io.Writer) {
				fmt.Fprintf(w, "Wrote %s\n", path)
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			return out.Success(cfg, func(w io.Writer) {
				fmt.Fprintf(w, "Data dir:       %s\n", cfg.DataDir)
				fmt.Fprintf(w, "Remote:         %s\n", cfg.Remote.BaseURL)
				fmt.Fprintf(w, "Token file:     %s\n", cfg.Auth.TokenFile)
				fmt.Fprintf(w, "Periodic sync:  %s\n", cfg.Sync.PeriodicInterval)
				fmt.Fprintf(w, "Push:           %t\n", cfg.Push.Enabled)
				fmt.Fprintf(w, "Log level:      %s\n", cfg.Log.Level)
			})
		},
	}
}
