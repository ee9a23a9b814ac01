// Package cmd provides the CLI commands for stellasearch.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/stellasearch/internal/config"
	"github.com/Aman-CERP/stellasearch/internal/daemon"
	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
	"github.com/Aman-CERP/stellasearch/internal/logging"
	"github.com/Aman-CERP/stellasearch/pkg/version"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	debug      bool
	configPath string
	address    string

	loggingCleanup func()
}

// NewRootCmd creates the root command for the stellasearch CLI.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "stellasearch",
		Short: "Instant filename search backed by a local index",
		Long: `stellasearch keeps an index of every file name on your drives (or only
the directories you choose) and answers substring searches instantly.

A background daemon scans, watches for changes and serves queries; the
other commands talk to it.

Get started:
  stellasearch daemon start
  stellasearch search report`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("stellasearch version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging to ~/.stella-search/logs/")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Configuration file (default: $XDG_CONFIG_HOME/stella-search/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.address, "address", "", "Daemon socket or pipe (default: platform standard)")

	cmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return opts.startLogging()
	}
	cmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		opts.stopLogging()
		return nil
	}

	cmd.AddCommand(newDaemonCmd(opts))
	cmd.AddCommand(newSearchCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newModeCmd(opts))
	cmd.AddCommand(newIncludeCmd(opts))
	cmd.AddCommand(newExcludeCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newReindexCmd(opts))
	cmd.AddCommand(newReloadCmd(opts))
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return run(NewRootCmd(), os.Args[1:], os.Stderr)
}

func run(root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprint(stderr, formatError(err))
		return 1
	}
	return 0
}

// formatError renders structured errors with their hint and code; plain
// errors such as flag parsing failures stay one line.
func formatError(err error) string {
	if serrors.GetCode(err) != "" {
		return serrors.FormatForCLI(err)
	}
	return fmt.Sprintf("Error: %v\n", err)
}

// startLogging sends debug logs to the log file when --debug is set. CLI
// commands are otherwise quiet; the daemon configures its own logging.
func (o *globalOptions) startLogging() error {
	if !o.debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
		return nil
	}
	cfg := logging.DefaultConfig()
	cfg.Level = "debug"
	cfg.WriteToStderr = false
	cleanup, err := logging.SetupDefault(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup debug logging: %w", err)
	}
	o.loggingCleanup = cleanup
	slog.Debug("debug logging enabled", slog.String("log_file", cfg.FilePath), slog.String("version", version.Version))
	return nil
}

func (o *globalOptions) stopLogging() {
	if o.loggingCleanup != nil {
		o.loggingCleanup()
		o.loggingCleanup = nil
	}
}

// loadSettings reads the configuration file named by --config.
func (o *globalOptions) loadSettings() (*config.Config, error) {
	return config.Load(o.configPath)
}

// settingsPath returns the configuration file path named by --config, or
// the default.
func (o *globalOptions) settingsPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.DefaultPath()
}

// daemonConfig returns the daemon's process settings honoring --address.
func (o *globalOptions) daemonConfig() daemon.Config {
	cfg := daemon.DefaultConfig()
	if o.address != "" {
		cfg.Address = o.address
	}
	return cfg
}

// client returns a daemon client honoring --address.
func (o *globalOptions) client() *daemon.Client {
	return daemon.NewClient(o.daemonConfig().Address, 0)
}

// absPath resolves a user-supplied path against the CLI's working
// directory, since the daemon's differs.
func absPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", serrors.New(serrors.ErrCodeInvalidPath, fmt.Sprintf("invalid path %q", p), err)
	}
	return abs, nil
}
