package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `{"time":"2026-03-01T10:00:00.000Z","level":"DEBUG","msg":"batch_polled","count":0}
{"time":"2026-03-01T10:00:01.250Z","level":"INFO","msg":"message_indexed","message_id":"01HX","website_id":"w1"}
not json at all
{"time":"2026-03-01T10:00:02.000Z","level":"WARN","msg":"publish_retry","attempt":2}
{"time":"2026-03-01T10:00:03.000Z","level":"ERROR","msg":"index_failed","error":"[ERR_303_INDEX_UNAVAILABLE] index closed"}
`

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseLine(t *testing.T) {
	e := ParseLine(`{"time":"2026-03-01T10:00:01.250Z","level":"WARN","msg":"publish_retry","attempt":2}`)

	require.True(t, e.Valid)
	assert.Equal(t, slog.LevelWarn, e.Level)
	assert.Equal(t, "publish_retry", e.Msg)
	assert.Equal(t, map[string]any{"attempt": float64(2)}, e.Attrs)
	assert.Equal(t, 2026, e.Time.Year())

	raw := ParseLine("panic: boom")
	assert.False(t, raw.Valid)
	assert.Equal(t, "panic: boom", raw.Raw)
}

func TestViewer_Format(t *testing.T) {
	v := NewViewer(ViewerConfig{}, &bytes.Buffer{})
	e := ParseLine(`{"time":"2026-03-01T10:00:01.250Z","level":"INFO","msg":"message_indexed","website_id":"w1","content":"hello world","message_id":"01HX"}`)

	assert.Equal(t,
		`10:00:01.250 INFO  message_indexed content="hello world" message_id=01HX website_id=w1`,
		v.Format(e))
}

func TestViewer_FormatColor(t *testing.T) {
	v := NewViewer(ViewerConfig{Color: true}, &bytes.Buffer{})
	e := ParseLine(`{"time":"2026-03-01T10:00:03Z","level":"ERROR","msg":"index_failed"}`)

	assert.Contains(t, v.Format(e), ansiRed+"ERROR"+ansiReset)
}

func TestViewer_Tail(t *testing.T) {
	path := writeLog(t, sampleLog)

	tests := []struct {
		name string
		cfg  ViewerConfig
		n    int
		want []string
	}{
		{
			name: "all lines",
			n:    10,
			want: []string{"batch_polled", "message_indexed", "not json at all", "publish_retry", "index_failed"},
		},
		{
			name: "last two",
			n:    2,
			want: []string{"publish_retry", "index_failed"},
		},
		{
			name: "level filter keeps raw lines",
			cfg:  ViewerConfig{Level: "warn"},
			n:    10,
			want: []string{"not json at all", "publish_retry", "index_failed"},
		},
		{
			name: "pattern",
			cfg:  ViewerConfig{Pattern: regexp.MustCompile(`ERR_3\d\d`)},
			n:    10,
			want: []string{"index_failed"},
		},
		{
			name: "zero lines",
			n:    0,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, NewViewer(tt.cfg, &out).Tail(path, tt.n))

			var lines []string
			if s := strings.TrimSpace(out.String()); s != "" {
				lines = strings.Split(s, "\n")
			}
			require.Len(t, lines, len(tt.want))
			for i, want := range tt.want {
				assert.Contains(t, lines[i], want)
			}
		})
	}
}

func TestViewer_TailMissingFile(t *testing.T) {
	err := NewViewer(ViewerConfig{}, &bytes.Buffer{}).Tail(filepath.Join(t.TempDir(), "nope.log"), 5)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestViewer_Follow(t *testing.T) {
	// Given a log file with history and a follower started at its end
	path := writeLog(t, sampleLog)
	out := &lockedBuffer{}
	v := NewViewer(ViewerConfig{}, out)
	v.poll = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Follow(ctx, path) }()
	time.Sleep(50 * time.Millisecond)

	// When a line is appended
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"time":"2026-03-01T10:05:00Z","level":"INFO","msg":"consumer_connected"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Then only the new line is printed
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "consumer_connected")
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, out.String(), "batch_polled")

	// When the file is rotated and a new one is written
	require.NoError(t, os.Rename(path, path+".1"))
	require.NoError(t, os.WriteFile(path, []byte(`{"time":"2026-03-01T10:06:00Z","level":"INFO","msg":"after_rotation"}`+"\n"), 0o644))

	// Then the follower picks up the new file
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "after_rotation")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
