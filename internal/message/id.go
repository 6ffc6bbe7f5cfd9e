package message

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator issues time-ordered ULIDs. Ids generated by one generator are
// strictly increasing even within the same millisecond.
type IDGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewIDGenerator returns a generator backed by crypto/rand with monotonic entropy.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Next returns a new id and the timestamp encoded in it.
// The timestamp is UTC, truncated to the millisecond.
func (g *IDGenerator) Next() (string, time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC().Truncate(time.Millisecond)
	id, err := ulid.New(ulid.Timestamp(now), g.entropy)
	if err != nil {
		return "", time.Time{}, err
	}
	return id.String(), now, nil
}

// IDTime extracts the timestamp from a ULID string.
func IDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()).UTC(), nil
}
