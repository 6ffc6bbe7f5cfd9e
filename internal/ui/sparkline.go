package ui

import "strings"

// sparkChars are eight bar heights from lowest to highest.
var sparkChars = []rune("▁▂▃▄▅▆▇█")

// Sparkline is a fixed-size ring of samples rendered as block characters.
// It is not safe for concurrent use.
type Sparkline struct {
	samples []float64
	next    int
	count   int
}

// NewSparkline keeps the last size samples.
func NewSparkline(size int) *Sparkline {
	if size <= 0 {
		size = 60
	}
	return &Sparkline{samples: make([]float64, size)}
}

// Add appends a sample, evicting the oldest when full.
func (s *Sparkline) Add(v float64) {
	s.samples[s.next] = v
	s.next = (s.next + 1) % len(s.samples)
	if s.count < len(s.samples) {
		s.count++
	}
}

// Clear drops every sample.
func (s *Sparkline) Clear() {
	clear(s.samples)
	s.next, s.count = 0, 0
}

// Len returns the number of samples held.
func (s *Sparkline) Len() int {
	return s.count
}

// recent returns up to n of the newest samples, oldest first.
func (s *Sparkline) recent(n int) []float64 {
	n = min(n, s.count)
	out := make([]float64, n)
	start := s.next - n
	if start < 0 {
		start += len(s.samples)
	}
	for i := range out {
		out[i] = s.samples[(start+i)%len(s.samples)]
	}
	return out
}

// Render draws the newest samples right-aligned in width columns, scaled to
// the largest visible sample. Width <= 0 uses the ring size.
func (s *Sparkline) Render(width int) string {
	if width <= 0 {
		width = len(s.samples)
	}
	vals := s.recent(width)

	var peak float64
	for _, v := range vals {
		peak = max(peak, v)
	}

	var b strings.Builder
	b.WriteString(strings.Repeat(" ", width-len(vals)))
	for _, v := range vals {
		i := 0
		if peak > 0 {
			i = int(v / peak * float64(len(sparkChars)-1))
		}
		b.WriteRune(sparkChars[max(0, min(i, len(sparkChars)-1))])
	}
	return b.String()
}
