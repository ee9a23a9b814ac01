// Package logging configures structured logging for the stellasearch daemon.
//
// The daemon logs JSON lines through log/slog to a size-rotated file under
// ~/.stella-search/logs/ and, when running in the foreground, to stderr as
// well. The Viewer reads those files back for the `stellasearch logs` command.
package logging
