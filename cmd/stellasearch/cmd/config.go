package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/stellasearch/internal/config"
	"github.com/Aman-CERP/stellasearch/internal/daemon"
	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
	"github.com/Aman-CERP/stellasearch/internal/output"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and restore the configuration",
		Long: `Show the configuration in effect, locate the file, and restore one of
the backups written before every change.

Examples:
  stellasearch config show
  stellasearch config path
  stellasearch config backups
  stellasearch config restore`,
	}

	cmd.AddCommand(newConfigShowCmd(opts))
	cmd.AddCommand(newConfigPathCmd(opts))
	cmd.AddCommand(newConfigBackupsCmd(opts))
	cmd.AddCommand(newConfigRestoreCmd(opts))
	return cmd
}

func newConfigShowCmd(opts *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active configuration",
		Long: `Show the configuration the daemon is running with. When the daemon is
not running, the configuration file is read instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source := "daemon"
			client := opts.client()

			var cfg *daemon.ConfigResult
			if client.IsRunning(cmd.Context()) {
				var err error
				if cfg, err = client.GetConfig(cmd.Context()); err != nil {
					return err
				}
			} else {
				settings, err := opts.loadSettings()
				if err != nil {
					return err
				}
				source = settings.Path()
				cfg = &daemon.ConfigResult{
					Mode:               settings.Mode,
					IncludePaths:       settings.IncludePaths,
					ExcludePaths:       settings.ExcludePaths,
					ExcludePatterns:    settings.ExcludePatterns,
					AutoWatchNewDrives: settings.AutoWatchNewDrives,
					IncludeHidden:      settings.IncludeHidden,
				}
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			}

			out := output.New(cmd.OutOrStdout())
			out.Header("Configuration")
			out.Field("Source", source)
			out.Field("Mode", cfg.Mode)
			out.Field("Include hidden", cfg.IncludeHidden)
			out.Field("Watch new drives", cfg.AutoWatchNewDrives)
			out.List("Include paths", cfg.IncludePaths)
			out.List("Exclude paths", cfg.ExcludePaths)
			out.List("Exclude patterns", cfg.ExcludePatterns)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newConfigPathCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			output.New(cmd.OutOrStdout()).Line(opts.settingsPath())
			return nil
		},
	}
}

func newConfigBackupsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List configuration backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.New(cmd.OutOrStdout())
			backups, err := config.ListBackups(opts.settingsPath())
			if err != nil {
				return err
			}
			if len(backups) == 0 {
				out.Status("", "No backups")
				return nil
			}
			for _, b := range backups {
				out.Line(b)
			}
			return nil
		},
	}
}

func newConfigRestoreCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore [backup]",
		Short: "Restore a configuration backup",
		Long: `Replace the configuration file with a backup, by default the newest.
The current file is backed up first. Run 'stellasearch reload' afterwards
if the daemon is running.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.New(cmd.OutOrStdout())
			path := opts.settingsPath()

			var backup string
			if len(args) == 1 {
				backup = args[0]
			} else {
				backups, err := config.ListBackups(path)
				if err != nil {
					return err
				}
				if len(backups) == 0 {
					return serrors.New(serrors.ErrCodeConfigNotFound,
						fmt.Sprintf("no backups of %s", path), nil)
				}
				backup = backups[0]
			}

			if err := config.Restore(path, backup); err != nil {
				return err
			}
			out.Successf("Restored %s", filepath.Base(backup))
			out.Status("", "Run 'stellasearch reload' to apply it to a running daemon")
			return nil
		},
	}
}
