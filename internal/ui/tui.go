package ui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUIRenderer draws replay progress with bubbletea. The final view stays on
// screen after Stop.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *replayModel
	tracker *ProgressTracker
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer. It fails when the output is not a
// terminal.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, fmt.Errorf("output is not a TTY")
	}
	tracker := NewProgressTracker()
	model := newReplayModel(tracker, cfg.Title, GetStyles(cfg.NoColor || DetectNoColor()))
	model.interrupt = cfg.Interrupt
	return &TUIRenderer{cfg: cfg, tracker: tracker, model: model, done: make(chan struct{})}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.program != nil {
		return nil
	}
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}
	r.program = tea.NewProgram(r.model, opts...)
	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// UpdateProgress implements Renderer.
func (r *TUIRenderer) UpdateProgress(event ProgressEvent) {
	if event.Stage != r.tracker.Stats().Stage {
		r.tracker.SetStage(event.Stage, event.Total)
	}
	r.tracker.Update(event.Current, event.Total, event.LastID)
}

// AddError implements Renderer.
func (r *TUIRenderer) AddError(event ErrorEvent) {
	r.tracker.AddError(event)
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.SetStage(StageComplete, 0)
	if r.program != nil {
		r.program.Send(completeMsg(stats))
	}
}

// Stop implements Renderer. It waits briefly for the program to draw its
// last frame.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	p := r.program
	r.mu.Unlock()

	if p == nil {
		return nil
	}
	p.Quit()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

var _ Renderer = (*TUIRenderer)(nil)

type completeMsg CompletionStats
type tickMsg time.Time

// replayModel is the bubbletea model. It reads the shared tracker on every
// tick rather than receiving each update as a message.
type replayModel struct {
	tracker  *ProgressTracker
	title    string
	styles   Styles
	spinner  spinner.Model
	bar      progress.Model
	width    int
	done     bool
	quitting bool
	stats    CompletionStats

	// interrupt is called on ctrl+c, which the terminal no longer turns
	// into SIGINT while the program owns it.
	interrupt func()
}

func newReplayModel(tracker *ProgressTracker, title string, styles Styles) *replayModel {
	s := spinner.New()
	s.Spinner = spinner.MiniDot
	s.Style = styles.Active

	return &replayModel{
		tracker: tracker,
		title:   title,
		styles:  styles,
		spinner: s,
		bar: progress.New(
			progress.WithSolidFill(ColorAccent),
			progress.WithWidth(40),
			progress.WithoutPercentage(),
		),
		width: 80,
	}
}

// Init implements tea.Model.
func (m *replayModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m *replayModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.quitting = true
			if m.interrupt != nil {
				m.interrupt()
			}
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(20, msg.Width-24)
	case completeMsg:
		m.done = true
		m.stats = CompletionStats(msg)
		return m, tea.Quit
	case tickMsg:
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *replayModel) View() string {
	if m.quitting {
		return "Cancelled.\n"
	}
	if m.done {
		return m.renderComplete()
	}

	stats := m.tracker.Stats()
	width := max(40, m.width-4)
	lines := []string{
		m.renderStages(stats.Stage),
		m.renderProgress(stats),
		m.renderRate(stats),
		m.styles.Spark.Render(m.tracker.RenderSparkline(width-14)) + " " + m.styles.Dim.Render("msgs/s"),
	}
	if stats.LastID != "" {
		lines = append(lines, m.styles.Label.Render("last id ")+stats.LastID)
	}
	if stats.Errors > 0 || stats.Warnings > 0 {
		lines = append(lines, m.renderProblems(stats))
	}

	title := "msgsearch republish"
	if m.title != "" {
		title += " • " + m.title
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Header.Render(title),
		m.styles.Panel.Width(width).Render(strings.Join(lines, "\n")),
	) + "\n"
}

func (m *replayModel) renderStages(current Stage) string {
	parts := make([]string, 0, 2)
	for _, s := range []Stage{StageReplaying, StageSettling} {
		switch {
		case s < current:
			parts = append(parts, m.styles.Success.Render("● "+s.String()))
		case s == current:
			parts = append(parts, m.styles.Active.Render(m.spinner.View()+" "+s.String()))
		default:
			parts = append(parts, m.styles.Dim.Render("○ "+s.String()))
		}
	}
	return strings.Join(parts, m.styles.Dim.Render(" → "))
}

func (m *replayModel) renderProgress(stats ProgressStats) string {
	noun := "scanned"
	if stats.Stage == StageSettling {
		noun = "settled"
	}
	if stats.Total == 0 {
		return m.styles.Label.Render(fmt.Sprintf("%d %s", stats.Current, noun))
	}
	return fmt.Sprintf("%s  %s\n%s",
		m.bar.ViewAs(stats.Progress),
		m.styles.Active.Render(fmt.Sprintf("%3.0f%%", stats.Progress*100)),
		m.styles.Label.Render(fmt.Sprintf("%d / %d %s", stats.Current, stats.Total, noun)))
}

func (m *replayModel) renderRate(stats ProgressStats) string {
	s := fmt.Sprintf("Rate: %.0f/s", stats.Rate)
	if stats.AvgRate > 0 {
		s += fmt.Sprintf(" (avg %.0f)", stats.AvgRate)
	}
	if stats.ETA > 0 {
		s += "  •  ETA " + formatDuration(stats.ETA)
	}
	return m.styles.Label.Render(s)
}

func (m *replayModel) renderProblems(stats ProgressStats) string {
	var parts []string
	if stats.Warnings > 0 {
		parts = append(parts, m.styles.Warning.Render(fmt.Sprintf("⚠ %d warnings", stats.Warnings)))
	}
	if stats.Errors > 0 {
		parts = append(parts, m.styles.Error.Render(fmt.Sprintf("✗ %d errors", stats.Errors)))
	}
	return strings.Join(parts, "  ")
}

func (m *replayModel) renderComplete() string {
	verb := "Republished"
	if m.stats.DryRun {
		verb = "Would republish"
	}
	lines := []string{
		m.styles.Success.Render("✓ Replay complete"),
		"",
		fmt.Sprintf("%s %s", m.styles.Label.Render(verb+":"), m.styles.Active.Render(fmt.Sprint(m.stats.Published))),
		fmt.Sprintf("%s %s", m.styles.Label.Render("Scanned:"), fmt.Sprint(m.stats.Scanned)),
		fmt.Sprintf("%s %s", m.styles.Label.Render("Skipped:"), fmt.Sprint(m.stats.Skipped)),
		fmt.Sprintf("%s %s", m.styles.Label.Render("Duration:"), formatDuration(m.stats.Duration)),
	}
	if m.stats.Errors > 0 || m.stats.Warnings > 0 {
		lines = append(lines, "", m.renderProblems(ProgressStats{Errors: m.stats.Errors, Warnings: m.stats.Warnings}))
	}
	return m.styles.Panel.Render(strings.Join(lines, "\n")) + "\n"
}

// formatDuration rounds to whole seconds, or milliseconds under a second.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		if s := int(d.Seconds()) % 60; s != 0 {
			return fmt.Sprintf("%dm %ds", int(d.Minutes()), s)
		}
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
