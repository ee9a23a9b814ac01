// Package scanner walks directory trees and streams every entry that passes
// the exclusion policy into the index in large batches.
//
// The fast volume-table scanner in internal/fastscan shares the Sink,
// StopSignal and Progress contracts defined here and falls back to Scanner
// for any volume it cannot read.
package scanner

import (
	"context"

	"github.com/Aman-CERP/stellasearch/internal/store"
)

// DefaultBatchSize is the number of records written per transaction.
const DefaultBatchSize = 50_000

// dirWeight is the estimated number of entries below each top-level
// subdirectory when seeding the progress denominator.
const dirWeight = 100

// progressEvery is how many entries pass between progress reports that are
// not tied to a batch flush.
const progressEvery = 1000

// Sink receives batches of records. *store.Store satisfies it.
type Sink interface {
	BatchUpsert(ctx context.Context, records []store.Record) error
}

// StopSignal is polled once per entry.
type StopSignal interface {
	Stopped() bool
}

// Progress receives the overall completion fraction in [0,1] and the path
// most recently visited.
type Progress func(fraction float64, currentPath string)

// Options configures a Scanner.
type Options struct {
	// BatchSize is the flush threshold. Zero means DefaultBatchSize.
	BatchSize int
	// Progress is optional.
	Progress Progress
}

// Result summarizes a scan.
type Result struct {
	// Indexed counts records handed to the sink in successful flushes.
	Indexed int64
	// FailedBatches counts flushes the sink rejected.
	FailedBatches int
	// Stopped is true when the stop signal cut the scan short.
	Stopped bool
}

// Add accumulates other into r.
func (r *Result) Add(other Result) {
	r.Indexed += other.Indexed
	r.FailedBatches += other.FailedBatches
	r.Stopped = r.Stopped || other.Stopped
}

// Segment is the slice of overall progress assigned to one root or volume.
type Segment struct {
	Base float64
	Span float64
}

// SegmentFor returns segment i of n equal parts.
func SegmentFor(i, n int) Segment {
	if n <= 0 {
		return Segment{Base: 0, Span: 1}
	}
	return Segment{Base: float64(i) / float64(n), Span: 1 / float64(n)}
}

// At maps a fraction of this segment to an overall fraction.
func (s Segment) At(fraction float64) float64 {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return s.Base + fraction*s.Span
}

// Batcher accumulates records and flushes them to a Sink once full. Flush
// failures are logged and counted, never returned.
type Batcher struct {
	sink   Sink
	size   int
	buf    []store.Record
	result Result
	onFail func(err error, n int)
}

// NewBatcher creates a Batcher with the given flush threshold.
func NewBatcher(sink Sink, size int, onFail func(err error, n int)) *Batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Batcher{
		sink:   sink,
		size:   size,
		buf:    make([]store.Record, 0, min(size, 4096)),
		onFail: onFail,
	}
}

// Add appends rec and reports whether the append triggered a flush.
func (b *Batcher) Add(ctx context.Context, rec store.Record) bool {
	b.buf = append(b.buf, rec)
	if len(b.buf) >= b.size {
		b.Flush(ctx)
		return true
	}
	return false
}

// Flush writes any pending records.
func (b *Batcher) Flush(ctx context.Context) {
	if len(b.buf) == 0 {
		return
	}
	// A cancelled scan context must not discard entries already found.
	if err := b.sink.BatchUpsert(context.WithoutCancel(ctx), b.buf); err != nil {
		b.result.FailedBatches++
		if b.onFail != nil {
			b.onFail(err, len(b.buf))
		}
	} else {
		b.result.Indexed += int64(len(b.buf))
	}
	b.buf = b.buf[:0]
}

// Pending returns the number of unflushed records.
func (b *Batcher) Pending() int {
	return len(b.buf)
}

// Result returns the flush totals so far.
func (b *Batcher) Result() Result {
	return b.result
}
