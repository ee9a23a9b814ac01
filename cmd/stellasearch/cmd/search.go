package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/stellasearch/internal/daemon"
	"github.com/Aman-CERP/stellasearch/internal/output"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit      int
	extensions []string
	dirs       []string
	jsonOutput bool
	showSize   bool
}

func newSearchCmd(opts *globalOptions) *cobra.Command {
	var so searchOptions

	cmd := &cobra.Command{
		Use:   "search <term>",
		Short: "Search file names",
		Long: `Search the index for files whose name contains the term.

Matching is a case-insensitive substring match on the file name; results
are not ranked.

Examples:
  stellasearch search report
  stellasearch search invoice --ext pdf --limit 10
  stellasearch search notes --dir ~/Documents
  stellasearch search "" --ext mp3 --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, opts, strings.Join(args, " "), so)
		},
	}

	cmd.Flags().IntVarP(&so.limit, "limit", "n", daemon.DefaultMaxResults, "Maximum number of results")
	cmd.Flags().StringSliceVarP(&so.extensions, "ext", "e", nil, "Only files with this extension (e.g. pdf)")
	cmd.Flags().StringSliceVarP(&so.dirs, "dir", "d", nil, "Only results under this directory (repeatable)")
	cmd.Flags().BoolVar(&so.jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVarP(&so.showSize, "size", "s", false, "Show file sizes")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, opts *globalOptions, term string, so searchOptions) error {
	dirs := make([]string, 0, len(so.dirs))
	for _, d := range so.dirs {
		abs, err := absPath(d)
		if err != nil {
			return err
		}
		dirs = append(dirs, abs)
	}

	res, err := opts.client().Search(ctx, term, daemon.SearchParams{
		MaxResults:  so.limit,
		Extensions:  so.extensions,
		Directories: dirs,
	})
	if err != nil {
		return err
	}

	if so.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	printSearchResult(output.New(cmd.OutOrStdout()), res, so.showSize)
	return nil
}

func printSearchResult(out *output.Writer, res *daemon.SearchResult, showSize bool) {
	if len(res.Files) == 0 {
		out.Status("", "No matches")
		return
	}

	styles := out.Styles()
	for _, f := range res.Files {
		line := f.Path
		if f.IsDirectory {
			line = styles.Accent.Render(f.Path)
		}
		if showSize && !f.IsDirectory {
			line = fmt.Sprintf("%10s  %s", output.FormatBytes(f.Size), line)
		}
		out.Line(line)
	}
	out.Newline()
	out.Dim(fmt.Sprintf("%d result(s) in %d ms", res.TotalFound, res.QueryTimeMS))
}
