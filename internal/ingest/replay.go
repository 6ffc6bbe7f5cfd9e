package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aman-CERP/msgsearch/internal/index"
	"github.com/Aman-CERP/msgsearch/internal/message"
	"github.com/Aman-CERP/msgsearch/internal/store"
)

// DefaultBatchSize is how many messages a replay reads from the store at once.
const DefaultBatchSize = 500

// InconsistencyType categorizes a store message the index does not reflect.
type InconsistencyType int

const (
	// InconsistencyMissing is a stored message with no indexed document.
	InconsistencyMissing InconsistencyType = iota
	// InconsistencyStale is an indexed document whose fields differ from the store.
	InconsistencyStale
)

// String returns a short name for the inconsistency type.
func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyMissing:
		return "missing"
	case InconsistencyStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Inconsistency is one message the index has fallen behind on.
type Inconsistency struct {
	Type      InconsistencyType
	MessageID string
	Details   string
}

// CheckResult is the outcome of comparing the store with the index.
type CheckResult struct {
	Checked         int
	Inconsistencies []Inconsistency
	Duration        time.Duration
}

// ReplayOptions selects what Replay republishes.
type ReplayOptions struct {
	// AfterID starts the replay after this message id. Empty replays everything.
	AfterID string
	// Limit caps the number of messages scanned. Zero means no cap.
	Limit int
	// MissingOnly republishes only messages the index is missing or has stale.
	// Requires an index on the Replayer.
	MissingOnly bool
	// DryRun counts what would be published without publishing.
	DryRun bool
	// Progress, when set, is called with the running totals after each
	// scanned message.
	Progress func(ReplayStats)
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Scanned   int
	Published int
	Skipped   int
	LastID    string
	Duration  time.Duration
}

// Replayer walks primary-store history. Check compares it with the index;
// Replay republishes creation events so the consumer repairs the index.
// The index is never written directly.
type Replayer struct {
	store     store.Store
	pipeline  *Pipeline
	index     index.Index
	indexName string
	batch     int
}

// NewReplayer returns a replayer publishing through p. idx may be nil when
// neither Check nor MissingOnly replays are needed.
func NewReplayer(s store.Store, p *Pipeline, idx index.Index, indexName string) *Replayer {
	if indexName == "" {
		indexName = message.IndexName
	}
	return &Replayer{store: s, pipeline: p, index: idx, indexName: indexName, batch: DefaultBatchSize}
}

// walk calls fn for every stored message after afterID, at most limit of
// them when limit > 0.
func (r *Replayer) walk(ctx context.Context, afterID string, limit int, fn func(message.Message) error) error {
	seen := 0
	for {
		n := r.batch
		if limit > 0 && limit-seen < n {
			n = limit - seen
		}
		if n <= 0 {
			return nil
		}
		page, err := r.store.Scan(ctx, afterID, n)
		if err != nil {
			return fmt.Errorf("failed to scan messages after %q: %w", afterID, err)
		}
		for _, m := range page {
			if err := fn(m); err != nil {
				return err
			}
		}
		seen += len(page)
		if len(page) < n {
			return nil
		}
		afterID = page[len(page)-1].ID
	}
}

// inspect reports how the index diverges from m, or nil when it matches.
func (r *Replayer) inspect(ctx context.Context, m message.Message) (*Inconsistency, error) {
	doc, ok, err := r.index.Get(ctx, r.indexName, m.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Inconsistency{Type: InconsistencyMissing, MessageID: m.ID,
			Details: "stored message missing from index"}, nil
	}
	if doc.TenantID != m.TenantID || doc.ConversationID != m.ConversationID || doc.Content != m.Content {
		return &Inconsistency{Type: InconsistencyStale, MessageID: m.ID,
			Details: "indexed document differs from stored message"}, nil
	}
	return nil, nil
}

// Check compares every stored message with the index.
// This is O(n) in the number of stored messages.
func (r *Replayer) Check(ctx context.Context) (*CheckResult, error) {
	if r.index == nil {
		return nil, fmt.Errorf("consistency check requires an index")
	}
	start := time.Now()
	result := &CheckResult{}
	err := r.walk(ctx, "", 0, func(m message.Message) error {
		result.Checked++
		issue, err := r.inspect(ctx, m)
		if err != nil {
			return err
		}
		if issue != nil {
			result.Inconsistencies = append(result.Inconsistencies, *issue)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)
	slog.Info("consistency_checked",
		slog.Int("checked", result.Checked),
		slog.Int("inconsistencies", len(result.Inconsistencies)),
		slog.Duration("duration", result.Duration))
	return result, nil
}

// Replay republishes creation events for stored messages. Each publish goes
// through the pipeline's retry policy and breaker and is waited for.
func (r *Replayer) Replay(ctx context.Context, opts ReplayOptions) (ReplayStats, error) {
	if opts.MissingOnly && r.index == nil {
		return ReplayStats{}, fmt.Errorf("missing-only replay requires an index")
	}
	start := time.Now()
	var stats ReplayStats
	report := func() {
		if opts.Progress != nil {
			stats.Duration = time.Since(start)
			opts.Progress(stats)
		}
	}
	err := r.walk(ctx, opts.AfterID, opts.Limit, func(m message.Message) error {
		defer report()
		stats.Scanned++
		stats.LastID = m.ID
		if opts.MissingOnly {
			issue, err := r.inspect(ctx, m)
			if err != nil {
				return err
			}
			if issue == nil {
				stats.Skipped++
				return nil
			}
		}
		if opts.DryRun {
			stats.Published++
			return nil
		}
		if err := r.pipeline.Publish(ctx, m.Event()); err != nil {
			return fmt.Errorf("failed to republish %s: %w", m.ID, err)
		}
		stats.Published++
		return nil
	})
	stats.Duration = time.Since(start)

	slog.Info("replay_finished",
		slog.Int("scanned", stats.Scanned),
		slog.Int("published", stats.Published),
		slog.Int("skipped", stats.Skipped),
		slog.String("last_id", stats.LastID),
		slog.Bool("dry_run", opts.DryRun),
		slog.Duration("duration", stats.Duration))
	return stats, err
}
