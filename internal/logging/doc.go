// Package logging configures slog for msgsearch. Records are JSON, written to
// a size-rotated file under ~/.msgsearch/logs/ and optionally mirrored to
// stderr. An interactive terminal without file logging gets a text handler.
//
// Viewer reads those files back for the logs command.
package logging
