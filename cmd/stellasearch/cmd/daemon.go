package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/stellasearch/internal/daemon"
	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
	"github.com/Aman-CERP/stellasearch/internal/logging"
	"github.com/Aman-CERP/stellasearch/internal/output"
)

const (
	startTimeout = 10 * time.Second
	stopTimeout  = 10 * time.Second
)

func newDaemonCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background indexing daemon",
		Long: `The daemon scans the configured roots, keeps the index current as files
change and answers searches from the other commands.

Commands:
  start   Start the daemon (runs in background by default)
  stop    Stop the running daemon
  status  Show whether the daemon is running

Examples:
  stellasearch daemon start      # Start daemon in background
  stellasearch daemon start -f   # Run in foreground with logs on stderr
  stellasearch daemon status     # Check if daemon is running
  stellasearch daemon stop       # Stop the daemon`,
	}

	cmd.AddCommand(newDaemonStartCmd(opts))
	cmd.AddCommand(newDaemonStopCmd(opts))
	cmd.AddCommand(newDaemonStatusCmd(opts))

	return cmd
}

func newDaemonStartCmd(opts *globalOptions) *cobra.Command {
	var foreground bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if foreground {
				return runDaemonForeground(cmd.Context(), cmd, opts)
			}
			return runDaemonBackground(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (don't daemonize)")
	return cmd
}

func newDaemonStopCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemonStop(cmd, opts)
		},
	}
}

func newDaemonStatusCmd(opts *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemonStatus(cmd.Context(), cmd, opts, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func runDaemonForeground(ctx context.Context, cmd *cobra.Command, opts *globalOptions) error {
	out := output.New(cmd.OutOrStdout())
	cfg := opts.daemonConfig()

	settings, err := opts.loadSettings()
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = settings.LogLevel
	if opts.debug {
		logCfg.Level = "debug"
	}
	opts.stopLogging()
	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out.Status("", "Starting daemon in foreground...")
	out.Status("", fmt.Sprintf("Address: %s", cfg.Address))
	out.Status("", fmt.Sprintf("Config:  %s", settings.Path()))
	out.Status("", fmt.Sprintf("Logs:    %s", logCfg.FilePath))
	out.Status("", "Press Ctrl+C to stop")
	out.Newline()

	slog.Info("daemon starting",
		slog.String("address", cfg.Address),
		slog.String("mode", settings.Mode),
		slog.String("search_backend", settings.SearchBackend),
		slog.String("config", settings.Path()))

	d, err := daemon.NewDaemon(ctx, cfg, settings, daemon.Options{})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "failed to create daemon", serrors.LogAttrs(err)...)
		return err
	}
	return d.Run(ctx)
}

func runDaemonBackground(ctx context.Context, cmd *cobra.Command, opts *globalOptions) error {
	out := output.New(cmd.OutOrStdout())
	client := opts.client()

	if client.IsRunning(ctx) {
		out.Status("", "Daemon is already running")
		return nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := []string{"daemon", "start", "--foreground"}
	if opts.configPath != "" {
		args = append(args, "--config", opts.configPath)
	}
	if opts.address != "" {
		args = append(args, "--address", opts.address)
	}
	if opts.debug {
		args = append(args, "--debug")
	}

	bgCmd := exec.Command(execPath, args...)
	bgCmd.Stdin = nil
	bgCmd.Stdout = nil
	bgCmd.Stderr = nil
	detach(bgCmd)

	out.Status("", "Starting daemon in background...")
	if err := bgCmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Reap the child and notice if it dies during startup.
	done := make(chan error, 1)
	go func() { done <- bgCmd.Wait() }()

	deadline := time.Now().Add(startTimeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("daemon exited during startup: %w (see: stellasearch logs)", err)
			}
			return fmt.Errorf("daemon exited during startup (see: stellasearch logs)")
		case <-time.After(100 * time.Millisecond):
		}
		if client.IsRunning(ctx) {
			out.Successf("Daemon started (pid: %d)", bgCmd.Process.Pid)
			return nil
		}
	}
	return fmt.Errorf("daemon failed to start within %s", startTimeout)
}

func runDaemonStop(cmd *cobra.Command, opts *globalOptions) error {
	out := output.New(cmd.OutOrStdout())
	pidFile := daemon.NewPIDFile(opts.daemonConfig().PIDPath)

	if !pidFile.IsRunning() {
		out.Status("", "Daemon is not running")
		return nil
	}

	pid, err := pidFile.Read()
	if err != nil {
		return fmt.Errorf("failed to read PID: %w", err)
	}

	if err := pidFile.Signal(terminateSignal); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if !pidFile.IsRunning() {
			out.Successf("Daemon stopped (was pid: %d)", pid)
			return nil
		}
	}

	out.Status("", "Daemon not responding, killing it...")
	if err := pidFile.Signal(os.Kill); err != nil {
		return fmt.Errorf("failed to kill daemon: %w", err)
	}
	_ = pidFile.Remove()
	out.Success("Daemon killed")
	return nil
}

// daemonState is the JSON form of daemon status.
type daemonState struct {
	Running bool                 `json:"running"`
	PID     int                  `json:"pid,omitempty"`
	Address string               `json:"address"`
	Status  *daemon.StatusResult `json:"status,omitempty"`
}

func runDaemonStatus(ctx context.Context, cmd *cobra.Command, opts *globalOptions, jsonOutput bool) error {
	out := output.New(cmd.OutOrStdout())
	cfg := opts.daemonConfig()
	client := opts.client()

	state := daemonState{Address: cfg.Address}
	if client.IsRunning(ctx) {
		state.Running = true
		if pid, err := daemon.NewPIDFile(cfg.PIDPath).Read(); err == nil {
			state.PID = pid
		}
		status, err := client.Status(ctx)
		if err != nil {
			return err
		}
		state.Status = status
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	if !state.Running {
		out.Status("", "Daemon is not running")
		out.Status("", "Run 'stellasearch daemon start' to start it")
		return nil
	}

	out.Success("Daemon is running")
	if state.PID > 0 {
		out.Field("PID", state.PID)
	}
	out.Field("Address", state.Address)
	out.Field("Backend", state.Status.SearchBackend)
	out.Field("Scanning", state.Status.IsScanning)
	return nil
}
