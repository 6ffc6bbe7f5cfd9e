package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// PlainRenderer writes one line per update, for CI logs and pipes.
// Unchanged stages print at most one line per thousand messages.
type PlainRenderer struct {
	mu    sync.Mutex
	out   io.Writer
	every int
	stage Stage
	last  int
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output, every: 1000, stage: -1}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(context.Context) error {
	return nil
}

// UpdateProgress implements Renderer.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	first := event.Stage != r.stage
	r.stage = event.Stage
	if !first && event.Message == "" && event.Current-r.last < r.every &&
		(event.Total == 0 || event.Current < event.Total) {
		return
	}
	r.last = event.Current

	tag := event.Stage.Icon()
	switch {
	case event.Message != "":
		_, _ = fmt.Fprintf(r.out, "[%s] %s\n", tag, event.Message)
	case event.Total > 0:
		_, _ = fmt.Fprintf(r.out, "[%s] %d/%d %s\n", tag, event.Current, event.Total, event.LastID)
	default:
		_, _ = fmt.Fprintf(r.out, "[%s] %d %s\n", tag, event.Current, event.LastID)
	}
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
	}
	if event.MessageID != "" {
		_, _ = fmt.Fprintf(r.out, "%s: %s: %v\n", prefix, event.MessageID, event.Err)
		return
	}
	_, _ = fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	verb := "republished"
	if stats.DryRun {
		verb = "would republish"
	}
	_, _ = fmt.Fprintf(r.out, "Complete: %s %d of %d scanned (%d skipped) in %s",
		verb, stats.Published, stats.Scanned, stats.Skipped, stats.Duration.Round(time.Millisecond))
	if stats.Errors > 0 || stats.Warnings > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d errors, %d warnings)", stats.Errors, stats.Warnings)
	}
	_, _ = fmt.Fprintln(r.out)
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}

var _ Renderer = (*PlainRenderer)(nil)
