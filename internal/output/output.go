// Package output formats msgsearch CLI results for terminals and scripts.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Aman-CERP/msgsearch/internal/message"
)

// contentWidth is where message content is cut in table output.
const contentWidth = 60

// Writer provides formatted output for CLI commands.
type Writer struct {
	out  io.Writer
	json bool
}

// New creates a Writer. With asJSON set, Messages and Value emit indented
// JSON instead of text.
func New(out io.Writer, asJSON bool) *Writer {
	return &Writer{out: out, json: asJSON}
}

// Out returns the underlying writer.
func (w *Writer) Out() io.Writer {
	return w.out
}

// JSONMode reports whether the writer emits JSON.
func (w *Writer) JSONMode() bool {
	return w.json
}

// Status prints a status message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Status("✅", fmt.Sprintf(format, args...))
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Status("⚠️ ", fmt.Sprintf(format, args...))
}

// Value writes v as indented JSON.
func (w *Writer) Value(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Messages writes msgs as a table, or as a JSON array in JSON mode.
// An empty result prints a single hint line in text mode.
func (w *Writer) Messages(msgs []message.Message) error {
	if w.json {
		if msgs == nil {
			msgs = []message.Message{}
		}
		return w.Value(msgs)
	}
	if len(msgs) == 0 {
		w.Status("", "no messages")
		return nil
	}

	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTIMESTAMP\tSENDER\tCONTENT")
	for _, m := range msgs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			m.ID, m.Timestamp.UTC().Format(time.RFC3339), m.SenderID, Truncate(m.Content, contentWidth))
	}
	return tw.Flush()
}

// Truncate shortens s to at most n runes on one line, marking the cut.
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
