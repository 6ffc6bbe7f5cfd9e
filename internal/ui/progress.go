package ui

import (
	"sync"
	"time"
)

// ProgressTracker holds replay progress across stages.
// It is safe for concurrent use.
type ProgressTracker struct {
	mu         sync.Mutex
	stage      Stage
	current    int
	total      int
	lastID     string
	started    time.Time
	stageStart time.Time
	errors     int
	warnings   int

	sampleEvery time.Duration
	lastSample  time.Time
	lastCount   int
	rate        float64
	avgRate     float64
	samples     int
	eta         time.Duration
	spark       *Sparkline
}

// ProgressStats is a snapshot of a tracker.
type ProgressStats struct {
	Stage    Stage
	Current  int
	Total    int
	Progress float64
	LastID   string
	Rate     float64
	AvgRate  float64
	ETA      time.Duration
	Errors   int
	Warnings int
	Elapsed  time.Duration
}

// NewProgressTracker creates a tracker in StageReplaying.
func NewProgressTracker() *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		stage:       StageReplaying,
		started:     now,
		stageStart:  now,
		lastSample:  now,
		sampleEvery: 500 * time.Millisecond,
		spark:       NewSparkline(60),
	}
}

// SetStage moves to stage and resets the per-stage counters.
func (p *ProgressTracker) SetStage(stage Stage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.stage = stage
	p.total = total
	p.current = 0
	p.stageStart = now
	p.lastSample = now
	p.lastCount = 0
	p.rate, p.avgRate, p.samples, p.eta = 0, 0, 0, 0
	p.spark.Clear()
}

// Update records the current count within the stage. Rates are sampled at
// most once per sampling interval.
func (p *ProgressTracker) Update(current, total int, lastID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = current
	if total > 0 {
		p.total = total
	}
	if lastID != "" {
		p.lastID = lastID
	}

	now := time.Now()
	elapsed := now.Sub(p.lastSample)
	if elapsed < p.sampleEvery || elapsed <= 0 {
		return
	}
	if delta := current - p.lastCount; delta > 0 {
		p.rate = float64(delta) / elapsed.Seconds()
		p.samples++
		if p.samples == 1 {
			p.avgRate = p.rate
		} else {
			p.avgRate = 0.2*p.rate + 0.8*p.avgRate
		}
		p.spark.Add(p.rate)
	}
	p.lastCount = current
	p.lastSample = now
	p.eta = p.estimate(now)
}

// estimate projects the remaining time from stage throughput, smoothed
// against the previous estimate. Caller holds the lock.
func (p *ProgressTracker) estimate(now time.Time) time.Duration {
	if p.total == 0 || p.current == 0 || p.current >= p.total {
		return 0
	}
	elapsed := now.Sub(p.stageStart)
	raw := time.Duration(float64(elapsed) * float64(p.total-p.current) / float64(p.current))
	if p.eta == 0 {
		return raw
	}
	return time.Duration(0.3*float64(raw) + 0.7*float64(p.eta))
}

// AddError counts an error or warning.
func (p *ProgressTracker) AddError(event ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event.IsWarn {
		p.warnings++
	} else {
		p.errors++
	}
}

// Stats returns a snapshot.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var progress float64
	if p.total > 0 {
		progress = min(float64(p.current)/float64(p.total), 1)
	}
	return ProgressStats{
		Stage:    p.stage,
		Current:  p.current,
		Total:    p.total,
		Progress: progress,
		LastID:   p.lastID,
		Rate:     p.rate,
		AvgRate:  p.avgRate,
		ETA:      p.eta,
		Errors:   p.errors,
		Warnings: p.warnings,
		Elapsed:  time.Since(p.started),
	}
}

// RenderSparkline renders the throughput history at width columns.
func (p *ProgressTracker) RenderSparkline(width int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spark.Render(width)
}
