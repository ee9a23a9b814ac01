// Package fastscan indexes NTFS volumes by reading their master file table
// directly instead of walking the directory tree.
//
// FastScanner honours the same Sink, StopSignal and Progress contracts as
// scanner.Scanner. Roots that do not live on a readable NTFS volume, and
// volumes whose table cannot be read, are handed to scanner.Scanner.
package fastscan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/Aman-CERP/stellasearch/internal/exclude"
	"github.com/Aman-CERP/stellasearch/internal/scanner"
	"github.com/Aman-CERP/stellasearch/internal/store"
	"github.com/Aman-CERP/stellasearch/internal/volume"
)

// ErrNoVolumes is returned by Scan when none of the roots lives on an NTFS
// volume. Callers should use scanner.Scanner for every root instead.
var ErrNoVolumes = errors.New("no NTFS volumes to scan")

var errStopped = errors.New("scan stopped")

// maxDepth bounds parent-chain resolution on corrupt tables.
const maxDepth = 512

const reportEvery = 1000

// reservedNames are the NTFS metadata files at the volume root. They and
// everything beneath them are never indexed.
var reservedNames = map[string]bool{
	"$mft": true, "$mftmirr": true, "$logfile": true, "$volume": true,
	"$attrdef": true, "$bitmap": true, "$boot": true, "$badclus": true,
	"$secure": true, "$upcase": true, "$extend": true, "$quota": true,
	"$objid": true, "$reparse": true, "$usnjrnl": true, ".": true,
}

// Device is an opened raw volume.
type Device interface {
	io.ReaderAt
	io.Closer
}

// OpenFunc opens a block device for reading.
type OpenFunc func(device string) (Device, error)

// OpenDevice opens device read-only. Reading a raw device usually requires
// root or membership of the disk group.
func OpenDevice(device string) (Device, error) {
	f, err := os.Open(device)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Options configures a FastScanner.
type Options struct {
	BatchSize int
	Progress  scanner.Progress
	// Lister discovers volumes. Defaults to volume.PartitionLister.
	Lister volume.Lister
	// Open opens a volume's device. Defaults to OpenDevice.
	Open OpenFunc
}

// FastScanner reads NTFS master file tables into a Sink.
type FastScanner struct {
	sink     scanner.Sink
	opts     Options
	fallback *scanner.Scanner
}

// New creates a FastScanner writing to sink.
func New(sink scanner.Sink, opts Options) *FastScanner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = scanner.DefaultBatchSize
	}
	if opts.Lister == nil {
		opts.Lister = volume.PartitionLister{}
	}
	if opts.Open == nil {
		opts.Open = OpenDevice
	}
	return &FastScanner{
		sink:     sink,
		opts:     opts,
		fallback: scanner.New(sink, scanner.Options{BatchSize: opts.BatchSize, Progress: opts.Progress}),
	}
}

// task is one unit of progress: either an NTFS volume with the roots it
// contains, or a single root scanned by walking.
type task struct {
	vol   *volume.Volume
	roots []string
}

// Scan indexes roots. Roots on NTFS volumes are read from the volume table,
// all others are walked. It returns ErrNoVolumes without scanning anything
// when no root is on an NTFS volume.
func (f *FastScanner) Scan(ctx context.Context, roots []string, policy *exclude.Policy, stop scanner.StopSignal) (scanner.Result, error) {
	if policy == nil {
		policy = exclude.Default()
	}

	vols, err := volume.NTFS(ctx, f.opts.Lister)
	if err != nil {
		return scanner.Result{}, fmt.Errorf("discover volumes: %w", err)
	}

	tasks := planTasks(roots, vols)
	hasVolume := false
	for _, t := range tasks {
		if t.vol != nil {
			hasVolume = true
			break
		}
	}
	if !hasVolume {
		return scanner.Result{}, ErrNoVolumes
	}

	var total scanner.Result
	for i, t := range tasks {
		if stop.Stopped() || ctx.Err() != nil {
			total.Stopped = true
			break
		}
		seg := scanner.SegmentFor(i, len(tasks))

		var res scanner.Result
		if t.vol == nil {
			res = f.fallback.ScanRoot(ctx, t.roots[0], policy, stop, seg)
		} else {
			res, err = f.scanVolume(ctx, *t.vol, t.roots, policy, stop, seg)
			if err != nil {
				slog.Warn("volume table unreadable, walking instead",
					slog.String("device", t.vol.Device),
					slog.String("mount", t.vol.MountPoint),
					slog.String("error", err.Error()))
				res.Add(f.walk(ctx, t.roots, policy, stop, seg))
			}
		}

		total.Add(res)
		if res.Stopped {
			break
		}
	}
	return total, nil
}

func (f *FastScanner) walk(ctx context.Context, roots []string, policy *exclude.Policy, stop scanner.StopSignal, seg scanner.Segment) scanner.Result {
	var total scanner.Result
	for i, root := range roots {
		if stop.Stopped() || ctx.Err() != nil {
			total.Stopped = true
			break
		}
		sub := scanner.SegmentFor(i, len(roots))
		res := f.fallback.ScanRoot(ctx, root, policy, stop, scanner.Segment{
			Base: seg.At(sub.Base),
			Span: seg.Span * sub.Span,
		})
		total.Add(res)
		if res.Stopped {
			break
		}
	}
	return total
}

// planTasks assigns every root to the NTFS volume with the longest mount
// point containing it. Volume tasks keep the order in which their first
// root appeared.
func planTasks(roots []string, vols []volume.Volume) []task {
	sorted := make([]volume.Volume, len(vols))
	copy(sorted, vols)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].MountPoint) > len(sorted[j].MountPoint)
	})

	var tasks []task
	byMount := make(map[string]int)
	for _, root := range roots {
		norm := exclude.Normalize(root)
		var owner *volume.Volume
		for i := range sorted {
			if within(norm, sorted[i].MountPoint) {
				owner = &sorted[i]
				break
			}
		}
		if owner == nil {
			tasks = append(tasks, task{roots: []string{root}})
			continue
		}
		if idx, ok := byMount[owner.MountPoint]; ok {
			tasks[idx].roots = append(tasks[idx].roots, norm)
			continue
		}
		byMount[owner.MountPoint] = len(tasks)
		tasks = append(tasks, task{vol: owner, roots: []string{norm}})
	}
	return tasks
}

// within reports whether p equals dir or lies beneath it.
func within(p, dir string) bool {
	if dir == "/" {
		return strings.HasPrefix(p, "/")
	}
	dir = strings.TrimSuffix(dir, "/")
	return p == dir || strings.HasPrefix(p, dir+"/")
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

type dirInfo struct {
	parent uint64
	name   string
}

type resolved struct {
	path     string
	excluded bool
}

// volumeScan holds the state of one table read.
type volumeScan struct {
	policy *exclude.Policy
	dirs   map[uint64]dirInfo
	cache  map[uint64]resolved
}

// resolve returns the absolute path of directory record n and whether it or
// any ancestor is excluded. Records whose chain does not reach the root are
// treated as excluded.
func (v *volumeScan) resolve(n uint64, depth int) resolved {
	if r, ok := v.cache[n]; ok {
		return r
	}
	d, ok := v.dirs[n]
	if !ok || depth > maxDepth {
		return resolved{excluded: true}
	}

	parent := v.resolve(d.parent, depth+1)
	r := resolved{excluded: true}
	if !parent.excluded && d.name != "" {
		p := joinPath(parent.path, d.name)
		r = resolved{path: p, excluded: v.skip(d.parent, d.name, p)}
	}
	v.cache[n] = r
	return r
}

func (v *volumeScan) skip(parent uint64, name, p string) bool {
	if parent == RootRecord && reservedNames[strings.ToLower(name)] {
		return true
	}
	return v.policy.Excluded(p)
}

func (f *FastScanner) scanVolume(ctx context.Context, vol volume.Volume, roots []string, policy *exclude.Policy, stop scanner.StopSignal, seg scanner.Segment) (scanner.Result, error) {
	dev, err := f.opts.Open(vol.Device)
	if err != nil {
		return scanner.Result{}, fmt.Errorf("open %s: %w", vol.Device, err)
	}
	defer dev.Close()

	table, err := OpenMFT(dev)
	if err != nil {
		return scanner.Result{}, fmt.Errorf("read %s: %w", vol.Device, err)
	}

	records := max(table.RecordCount(), 1)
	mount := exclude.Normalize(vol.MountPoint)
	slog.Info("reading volume table",
		slog.String("device", vol.Device),
		slog.String("mount", mount),
		slog.Int64("records", records),
		slog.Any("roots", roots))

	halted := func() bool { return stop.Stopped() || ctx.Err() != nil }

	// Pass one collects the directory tree so parents can be resolved
	// regardless of table order. It owns the first fifth of the segment.
	vs := &volumeScan{
		policy: policy,
		dirs:   make(map[uint64]dirInfo),
		cache:  map[uint64]resolved{RootRecord: {path: mount}},
	}
	err = table.Scan(func(rec FileRecord) error {
		if halted() {
			return errStopped
		}
		if rec.IsDir && rec.Number != RootRecord {
			vs.dirs[rec.Number] = dirInfo{parent: rec.Parent, name: rec.Name}
		}
		return nil
	})
	if errors.Is(err, errStopped) {
		return scanner.Result{Stopped: true}, nil
	}
	if err != nil {
		return scanner.Result{}, err
	}
	f.report(seg.At(0.2), mount)

	batcher := scanner.NewBatcher(f.sink, f.opts.BatchSize, func(err error, n int) {
		slog.Warn("batch upsert failed",
			slog.String("mount", mount),
			slog.Int("records", n),
			slog.String("error", err.Error()))
	})
	inRoots := func(p string) bool {
		for _, r := range roots {
			if within(p, r) {
				return true
			}
		}
		return false
	}

	if !policy.Excluded(mount) && inRoots(mount) {
		batcher.Add(ctx, store.NewRecord(mount, true, 0))
	}

	var emitted int64
	lastPath := mount
	err = table.Scan(func(rec FileRecord) error {
		if halted() {
			return errStopped
		}
		if rec.Number == RootRecord || rec.Name == "" {
			return nil
		}

		parent := vs.resolve(rec.Parent, 0)
		if parent.excluded {
			return nil
		}

		var p string
		if rec.IsDir {
			r := vs.resolve(rec.Number, 0)
			if r.excluded {
				return nil
			}
			p = r.path
		} else {
			p = joinPath(parent.path, rec.Name)
			if vs.skip(rec.Parent, rec.Name, p) {
				return nil
			}
		}
		if !inRoots(p) {
			return nil
		}

		emitted++
		lastPath = p
		flushed := batcher.Add(ctx, store.NewRecord(p, rec.IsDir, rec.Size))
		if flushed || emitted%reportEvery == 0 {
			f.report(seg.At(0.2+0.8*float64(rec.Number)/float64(records)), p)
		}
		return nil
	})

	stopped := errors.Is(err, errStopped)
	batcher.Flush(context.WithoutCancel(ctx))
	res := batcher.Result()
	res.Stopped = stopped
	if err != nil && !stopped {
		return res, err
	}
	if !stopped {
		f.report(seg.At(1), lastPath)
	}

	slog.Info("volume table read",
		slog.String("mount", mount),
		slog.Int64("indexed", res.Indexed),
		slog.Int("failed_batches", res.FailedBatches),
		slog.Bool("stopped", stopped))
	return res, nil
}

func (f *FastScanner) report(fraction float64, p string) {
	if f.opts.Progress != nil {
		f.opts.Progress(fraction, p)
	}
}
