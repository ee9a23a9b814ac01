package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/stellasearch/internal/daemon"
	"github.com/Aman-CERP/stellasearch/internal/output"
)

// pathOp is a daemon call that edits one of the path lists.
type pathOp func(c *daemon.Client, ctx context.Context, path string) (string, error)

func newIncludeCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "include",
		Short: "Manage include paths",
		Long: `Include paths are the roots indexed in selected mode, and extra roots
in everything mode. Adding a path indexes it right away; removing one drops
its entries from the index.`,
	}
	cmd.AddCommand(newPathCmd(opts, "add", "Add an include path", (*daemon.Client).AddInclude))
	cmd.AddCommand(newPathCmd(opts, "remove", "Remove an include path", (*daemon.Client).RemoveInclude))
	return cmd
}

func newExcludeCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exclude",
		Short: "Manage exclude paths",
		Long: `Nothing under an exclude path is indexed. Adding one drops its entries
from the index; removing one rescans it.`,
	}
	cmd.AddCommand(newPathCmd(opts, "add", "Add an exclude path", (*daemon.Client).AddExclude))
	cmd.AddCommand(newPathCmd(opts, "remove", "Remove an exclude path", (*daemon.Client).RemoveExclude))
	return cmd
}

func newPathCmd(opts *globalOptions, use, short string, op pathOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <path>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := absPath(args[0])
			if err != nil {
				return err
			}
			msg, err := op(opts.client(), cmd.Context(), path)
			if err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Success(msg)
			return nil
		},
	}
}
