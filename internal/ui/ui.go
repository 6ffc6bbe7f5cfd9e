// Package ui renders progress for long-running msgsearch commands such as
// republish. Interactive terminals get a bubbletea view; pipes, CI and
// --no-tui get plain lines.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// Stage is a phase of a replay.
type Stage int

const (
	// StageReplaying walks the store and publishes events.
	StageReplaying Stage = iota
	// StageSettling waits for the consumer to apply what was published.
	StageSettling
	// StageComplete indicates the replay is done.
	StageComplete
)

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageReplaying:
		return "Replaying"
	case StageSettling:
		return "Settling"
	case StageComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Icon returns the short tag used in plain output.
func (s Stage) Icon() string {
	switch s {
	case StageReplaying:
		return "REPLAY"
	case StageSettling:
		return "SETTLE"
	case StageComplete:
		return "DONE"
	default:
		return "???"
	}
}

// ProgressEvent is a progress update. Total is zero when unknown.
type ProgressEvent struct {
	Stage   Stage
	Current int
	Total   int
	LastID  string
	Message string
}

// ErrorEvent is an error or warning raised while replaying.
type ErrorEvent struct {
	MessageID string
	Err       error
	IsWarn    bool
}

// CompletionStats summarizes a finished replay.
type CompletionStats struct {
	Scanned   int
	Published int
	Skipped   int
	Settled   int
	DryRun    bool
	Duration  time.Duration
	Errors    int
	Warnings  int
}

// Renderer displays replay progress.
type Renderer interface {
	Start(ctx context.Context) error
	UpdateProgress(event ProgressEvent)
	AddError(event ErrorEvent)
	Complete(stats CompletionStats)
	Stop() error
}

// Config configures a renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool

	// Title is shown in the TUI header, typically the channel backend.
	Title     string
	// Interrupt is called when the user presses ctrl+c in the TUI.
	Interrupt func()
}

// ConfigOption modifies a Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain text output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) {
		c.ForcePlain = force
	}
}

// WithNoColor disables color output.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) {
		c.NoColor = noColor
	}
}

// WithTitle sets the TUI header.
func WithTitle(title string) ConfigOption {
	return func(c *Config) {
		c.Title = title
	}
}

// WithInterrupt sets the ctrl+c handler.
func WithInterrupt(fn func()) ConfigOption {
	return func(c *Config) {
		c.Interrupt = fn
	}
}

// NewConfig creates a Config writing to output.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{Output: output}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewRenderer picks the TUI for interactive terminals and the plain
// renderer for everything else.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor reports whether NO_COLOR is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI reports whether we run under a CI system.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "BUILDKITE"} {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}
