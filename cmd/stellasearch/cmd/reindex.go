package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/stellasearch/internal/output"
)

func newReindexCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex [path]",
		Short: "Rebuild the index",
		Long: `Rebuild the whole index, or only the entries under path.

The daemon accepts the job and scans in the background; follow it with
'stellasearch status --watch'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				abs, err := absPath(args[0])
				if err != nil {
					return err
				}
				path = abs
			}
			msg, err := opts.client().Reindex(cmd.Context(), path)
			if err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Success(msg)
			return nil
		},
	}
}

func newReloadCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Make the daemon re-read its configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg, err := opts.client().ReloadConfig(cmd.Context())
			if err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Success(msg)
			return nil
		},
	}
}
