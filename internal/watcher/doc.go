// Package watcher keeps the index in step with the filesystem after the
// initial scan.
//
// A Source registers every non-excluded directory under the watched roots
// with fsnotify, follows newly created directories and hands raw events to
// a Debouncer, which coalesces bursts per path. Watcher drains the
// coalesced batches and applies them to the index:
//
//	src, err := watcher.NewSource(policy, watcher.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	w := watcher.New(st, src, policy)
//	err = w.Run(ctx, roots, stop) // blocks until stop, ctx or ErrSourceClosed
//
// Create and modify events re-stat the path and upsert it. Remove and
// rename events delete the path, or its whole subtree when it was a
// directory.
package watcher
