// Package store persists the file index in SQLite.
//
// One row per filesystem entry, keyed by its unique path. The engine runs
// in durable mode (WAL, synchronous=NORMAL) by default and can be switched
// into bulk mode (no journal, no fsync, large page cache) for the initial
// scan, where a crash costs a rescan and nothing else.
package store
