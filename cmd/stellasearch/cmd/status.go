package cmd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/stellasearch/internal/daemon"
	"github.com/Aman-CERP/stellasearch/internal/output"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var (
		jsonOutput bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index and scan status",
		Long: `Show the active search backend, index size and scan progress.

Use --watch to follow a running scan until it finishes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, opts, jsonOutput, watch)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow scan progress until it finishes")
	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, opts *globalOptions, jsonOutput, watch bool) error {
	client := opts.client()
	out := output.New(cmd.OutOrStdout())

	status, err := client.Status(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	if watch {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for status.IsScanning {
			out.Progress(status.ScanProgress, currentPath(status))
			select {
			case <-ctx.Done():
				out.ProgressDone()
				return nil
			case <-ticker.C:
			}
			if status, err = client.Status(ctx); err != nil {
				out.ProgressDone()
				return err
			}
		}
		out.ProgressDone()
	}

	printStatus(out, status)
	return nil
}

func currentPath(s *daemon.StatusResult) string {
	if s.CurrentScanPath == nil {
		return ""
	}
	return *s.CurrentScanPath
}

func printStatus(out *output.Writer, s *daemon.StatusResult) {
	out.Header("Index Status")
	out.Field("Backend", s.SearchBackend)
	out.Field("Files", s.IndexedFiles)
	out.Field("Directories", s.IndexedDirs)
	out.Field("Database", output.FormatBytes(s.DatabaseSizeBytes))
	if s.IsScanning {
		out.Field("Scanning", output.RenderProgressBar(s.ScanProgress, 20))
		if p := currentPath(s); p != "" {
			out.Field("Current", p)
		}
		return
	}
	out.Field("Scanning", "idle")
}
