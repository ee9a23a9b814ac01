package scanner

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Aman-CERP/stellasearch/internal/exclude"
	"github.com/Aman-CERP/stellasearch/internal/store"
)

// Scanner walks directory trees into a Sink.
type Scanner struct {
	sink Sink
	opts Options
}

// New creates a Scanner writing to sink.
func New(sink Sink, opts Options) *Scanner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Scanner{sink: sink, opts: opts}
}

// Scan walks every root in order, each owning an equal share of progress.
// It stops before the next root once stop fires or ctx is cancelled.
func (s *Scanner) Scan(ctx context.Context, roots []string, policy *exclude.Policy, stop StopSignal) Result {
	var total Result
	for i, root := range roots {
		if stop.Stopped() || ctx.Err() != nil {
			total.Stopped = true
			break
		}
		res := s.ScanRoot(ctx, root, policy, stop, SegmentFor(i, len(roots)))
		total.Add(res)
		if res.Stopped {
			break
		}
	}
	return total
}

// ScanRoot walks one root and reports progress within seg. Symlinks are
// neither followed nor indexed. Excluded directories are pruned before
// they are read.
func (s *Scanner) ScanRoot(ctx context.Context, root string, policy *exclude.Policy, stop StopSignal, seg Segment) Result {
	if policy == nil {
		policy = exclude.Default()
	}

	if _, err := os.Lstat(root); err != nil {
		slog.Warn("skipping scan root", slog.String("root", root), slog.String("error", err.Error()))
		s.report(seg.At(1), root)
		return Result{}
	}

	estimate := EstimateEntries(root)
	batcher := NewBatcher(s.sink, s.opts.BatchSize, func(err error, n int) {
		slog.Warn("batch upsert failed",
			slog.String("root", root),
			slog.Int("records", n),
			slog.String("error", err.Error()))
	})

	var (
		processed int64
		stopped   bool
		lastPath  = root
	)

	slog.Info("scanning root", slog.String("root", root), slog.Int64("estimate", estimate))

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if stop.Stopped() || ctx.Err() != nil {
			stopped = true
			return fs.SkipAll
		}

		if err != nil {
			slog.Debug("skipping unreadable entry", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if policy.Excluded(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		var size int64
		if !d.IsDir() {
			info, err := d.Info()
			if err != nil {
				// Vanished between readdir and lstat.
				return nil
			}
			size = info.Size()
		}

		processed++
		lastPath = path
		flushed := batcher.Add(ctx, store.NewRecord(path, d.IsDir(), size))
		if flushed || processed%progressEvery == 0 {
			s.report(seg.At(float64(processed)/float64(estimate)), path)
		}
		return nil
	})

	// Flush what was found even when stopping or cancelled.
	batcher.Flush(context.WithoutCancel(ctx))

	res := batcher.Result()
	res.Stopped = stopped
	if stopped {
		s.report(seg.At(float64(processed)/float64(estimate)), lastPath)
	} else {
		s.report(seg.At(1), lastPath)
	}

	slog.Info("root scanned",
		slog.String("root", root),
		slog.Int64("indexed", res.Indexed),
		slog.Int("failed_batches", res.FailedBatches),
		slog.Bool("stopped", stopped))

	return res
}

func (s *Scanner) report(fraction float64, path string) {
	if s.opts.Progress != nil {
		s.opts.Progress(fraction, path)
	}
}

// EstimateEntries guesses how many entries lie below root from its immediate
// children: one per file, dirWeight per subdirectory. Never less than one.
func EstimateEntries(root string) int64 {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 1
	}
	var n int64 = 1
	for _, e := range entries {
		if e.IsDir() {
			n += dirWeight
		} else {
			n++
		}
	}
	return n
}
