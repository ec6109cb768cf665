// Package logging configures slog for the retrieval CLI.
// Logs go to stderr by default; with --debug they are also written as JSON
// to a size-rotated file under ~/.intelia/logs/.
package logging
