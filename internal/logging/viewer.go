package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Entry is one parsed line of the JSON log file.
type Entry struct {
	Time  time.Time
	Level slog.Level
	Msg   string
	Attrs map[string]any
	Raw   string
	// Valid is false for lines that are not slog JSON records.
	Valid bool
}

// ViewerConfig filters and formats log entries.
type ViewerConfig struct {
	// Level hides entries below it. Empty shows everything.
	Level string
	// Pattern is matched against the raw line.
	Pattern *regexp.Regexp
	Color   bool
}

// Viewer reads and prints a msgsearch log file.
type Viewer struct {
	cfg      ViewerConfig
	minLevel slog.Level
	out      io.Writer
	poll     time.Duration
}

// NewViewer creates a viewer writing to out.
func NewViewer(cfg ViewerConfig, out io.Writer) *Viewer {
	minLevel := slog.Level(-100)
	if cfg.Level != "" {
		minLevel = parseLevel(cfg.Level)
	}
	return &Viewer{cfg: cfg, minLevel: minLevel, out: out, poll: 200 * time.Millisecond}
}

// Tail prints the last n matching entries of path.
func (v *Viewer) Tail(path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ring := make([]Entry, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		e := ParseLine(sc.Text())
		if !v.matches(e) {
			continue
		}
		if n <= 0 {
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, e)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, e := range ring {
		v.print(e)
	}
	return nil
}

// Follow prints entries appended to path until ctx is done. It starts at the
// current end of file and reopens the file when the writer rotates it.
func (v *Viewer) Follow(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	reader := bufio.NewReader(f)
	var partial string

	ticker := time.NewTicker(v.poll)
	defer ticker.Stop()

	for {
		for {
			line, err := reader.ReadString('\n')
			offset += int64(len(line))
			if err != nil {
				partial += line
				break
			}
			e := ParseLine(strings.TrimRight(partial+line, "\r\n"))
			partial = ""
			if v.matches(e) {
				v.print(e)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			// Rotation renames the file before recreating it.
			continue
		}
		if info.Size() < offset || !sameFile(f, info) {
			_ = f.Close()
			nf, err := os.Open(path)
			if err != nil {
				continue
			}
			f = nf
			offset = 0
			partial = ""
			reader = bufio.NewReader(f)
		}
	}
}

func sameFile(f *os.File, info os.FileInfo) bool {
	cur, err := f.Stat()
	if err != nil {
		return false
	}
	return os.SameFile(cur, info)
}

// ParseLine decodes one slog JSON line. Lines that fail to decode are kept
// raw with Valid unset.
func ParseLine(line string) Entry {
	e := Entry{Raw: line}
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return e
	}
	if ts, ok := m[slog.TimeKey].(string); ok {
		e.Time, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if lvl, ok := m[slog.LevelKey].(string); ok {
		e.Level = parseLevel(lvl)
	}
	e.Msg, _ = m[slog.MessageKey].(string)
	delete(m, slog.TimeKey)
	delete(m, slog.LevelKey)
	delete(m, slog.MessageKey)
	e.Attrs = m
	e.Valid = true
	return e
}

func (v *Viewer) matches(e Entry) bool {
	if e.Valid && e.Level < v.minLevel {
		return false
	}
	if v.cfg.Pattern != nil && !v.cfg.Pattern.MatchString(e.Raw) {
		return false
	}
	return true
}

func (v *Viewer) print(e Entry) {
	_, _ = fmt.Fprintln(v.out, v.Format(e))
}

// Format renders e as "15:04:05.000 LEVEL msg key=value ...". Attribute
// keys are sorted.
func (v *Viewer) Format(e Entry) string {
	if !e.Valid {
		return e.Raw
	}
	var b strings.Builder
	b.WriteString(e.Time.Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(v.level(e.Level))
	b.WriteByte(' ')
	b.WriteString(e.Msg)

	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, formatAttr(e.Attrs[k]))
	}
	return b.String()
}

func formatAttr(v any) string {
	switch val := v.(type) {
	case string:
		if strings.ContainsAny(val, " \t\"") {
			return fmt.Sprintf("%q", val)
		}
		return val
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}

const (
	ansiReset  = "\033[0m"
	ansiGray   = "\033[90m"
	ansiBlue   = "\033[34m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
)

func (v *Viewer) level(l slog.Level) string {
	name := fmt.Sprintf("%-5s", l.String())
	if !v.cfg.Color {
		return name
	}
	color := ansiBlue
	switch {
	case l >= slog.LevelError:
		color = ansiRed
	case l >= slog.LevelWarn:
		color = ansiYellow
	case l < slog.LevelInfo:
		color = ansiGray
	}
	return color + name + ansiReset
}
