package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/stellasearch/internal/logging"
	"github.com/Aman-CERP/stellasearch/internal/output"
)

type logsOptions struct {
	follow  bool
	lines   int
	level   string
	filter  string
	noColor bool
	logFile string
}

func newLogsCmd() *cobra.Command {
	var lo logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View daemon logs",
		Long: `View and tail the daemon log (~/.stella-search/logs/daemon.log).

By default, shows the last 50 lines. Use -f to follow new entries as they
are written (like 'tail -f').

Examples:
  stellasearch logs                  # Show last 50 lines
  stellasearch logs -n 200           # Show last 200 lines
  stellasearch logs -f               # Follow logs in real-time
  stellasearch logs --level warn     # Only warnings and errors
  stellasearch logs --filter scan    # Filter by pattern`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogs(cmd.Context(), cmd, lo)
		},
	}

	cmd.Flags().BoolVarP(&lo.follow, "follow", "f", false, "Follow log output (like tail -f)")
	cmd.Flags().IntVarP(&lo.lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().StringVar(&lo.level, "level", "", "Filter by log level (debug|info|warn|error)")
	cmd.Flags().StringVar(&lo.filter, "filter", "", "Filter by keyword/pattern (regex)")
	cmd.Flags().BoolVar(&lo.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&lo.logFile, "file", "", "Path to log file")

	return cmd
}

func runLogs(ctx context.Context, cmd *cobra.Command, lo logsOptions) error {
	path, err := logging.FindLogFile(lo.logFile)
	if err != nil {
		return err
	}

	var pattern *regexp.Regexp
	if lo.filter != "" {
		pattern, err = regexp.Compile(lo.filter)
		if err != nil {
			return fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()
	viewer := logging.NewViewer(logging.ViewerConfig{
		Level:   lo.level,
		Pattern: pattern,
		NoColor: lo.noColor || output.DetectNoColor() || !output.IsTTY(stdout),
	}, stdout)

	_, _ = fmt.Fprintf(stderr, "Log file: %s\n", path)
	if !lo.follow {
		_, _ = fmt.Fprintln(stderr, "---")
		entries, err := viewer.Tail(path, lo.lines)
		if err != nil {
			return err
		}
		viewer.Print(entries)
		return nil
	}

	_, _ = fmt.Fprintln(stderr, "Following... (Ctrl+C to stop)")
	_, _ = fmt.Fprintln(stderr, "---")

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	entries := make(chan logging.LogEntry, 100)
	errCh := make(chan error, 1)
	go func() {
		errCh <- viewer.Follow(ctx, path, entries)
	}()

	for {
		select {
		case entry := <-entries:
			_, _ = fmt.Fprintln(stdout, viewer.FormatEntry(entry))
		case err := <-errCh:
			return err
		case <-ctx.Done():
			_, _ = fmt.Fprintln(stderr, "\n---")
			_, _ = fmt.Fprintln(stderr, "Stopped.")
			return nil
		}
	}
}
