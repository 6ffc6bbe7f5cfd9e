// Package async runs the indexing consumer: it applies creation events from
// the channel to the search index in the background.
package async

import (
	"sync"
	"time"
)

// ConsumerState is the consumer's lifecycle state.
type ConsumerState string

const (
	// StateDisconnected means no subscription is held. Initial and terminal.
	StateDisconnected ConsumerState = "disconnected"
	// StateSubscribed means the consumer is waiting for deliveries.
	StateSubscribed ConsumerState = "subscribed"
	// StateProcessing means a delivery is being applied to the index.
	StateProcessing ConsumerState = "processing"
)

// StatusSnapshot is an immutable copy of consumer status.
type StatusSnapshot struct {
	State          string `json:"state"`
	Processed      int    `json:"processed"`
	Duplicates     int    `json:"duplicates"`
	Failures       int    `json:"failures"`
	DeadLettered   int    `json:"dead_lettered"`
	Dropped        int    `json:"dropped"`
	LastEventID    string `json:"last_event_id,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

// Status provides thread-safe tracking of consumer activity.
type Status struct {
	mu sync.RWMutex

	state        ConsumerState
	processed    int
	duplicates   int
	failures     int
	deadLettered int
	dropped      int
	lastEventID  string
	lastError    string
	startTime    time.Time
}

// NewStatus creates a tracker in the disconnected state.
func NewStatus() *Status {
	return &Status{
		state:     StateDisconnected,
		startTime: time.Now(),
	}
}

// SetState records a lifecycle transition.
func (s *Status) SetState(state ConsumerState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
}

// State returns the current lifecycle state.
func (s *Status) State() ConsumerState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// RecordProcessed counts an event applied to the index.
func (s *Status) RecordProcessed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed++
	s.lastEventID = id
}

// RecordDuplicate counts an event skipped as already applied.
func (s *Status) RecordDuplicate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.duplicates++
	s.lastEventID = id
}

// RecordFailure counts a failed delivery attempt.
func (s *Status) RecordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	if err != nil {
		s.lastError = err.Error()
	}
}

// RecordDeadLettered counts a poison event moved to the dead-letter topic.
func (s *Status) RecordDeadLettered() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadLettered++
}

// RecordDropped counts a poison event discarded.
func (s *Status) RecordDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropped++
}

// Snapshot returns an immutable copy of the current status.
func (s *Status) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StatusSnapshot{
		State:          string(s.state),
		Processed:      s.processed,
		Duplicates:     s.duplicates,
		Failures:       s.failures,
		DeadLettered:   s.deadLettered,
		Dropped:        s.dropped,
		LastEventID:    s.lastEventID,
		LastError:      s.lastError,
		ElapsedSeconds: int(time.Since(s.startTime).Seconds()),
	}
}
