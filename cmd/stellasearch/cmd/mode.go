package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/stellasearch/internal/config"
	"github.com/Aman-CERP/stellasearch/internal/output"
)

func newModeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mode [everything|selected]",
		Short: "Show or change the indexing mode",
		Long: `Without an argument, print the current indexing mode.

  everything  Index every mounted filesystem (plus include paths)
  selected    Index only the include paths

Changing the mode clears the index and starts a fresh scan.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{config.ModeEverything, config.ModeSelected},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.New(cmd.OutOrStdout())
			client := opts.client()

			if len(args) == 0 {
				mode, err := client.GetMode(cmd.Context())
				if err != nil {
					return err
				}
				out.Line(mode)
				return nil
			}

			msg, err := client.SetMode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out.Success(msg)
			return nil
		},
	}
}
