package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Aman-CERP/msgsearch/internal/message"
)

// MemoryChannel is an in-process Channel. Events are retained for the life
// of the channel, so a group that subscribes late still sees every event.
type MemoryChannel struct {
	partitions      int
	redeliveryDelay time.Duration

	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

var _ Channel = (*MemoryChannel)(nil)

// MemoryOption configures a MemoryChannel.
type MemoryOption func(*MemoryChannel)

// WithDefaultPartitions sets the partition count of topics created by Publish.
func WithDefaultPartitions(n int) MemoryOption {
	return func(c *MemoryChannel) {
		if n > 0 {
			c.partitions = n
		}
	}
}

// WithRedeliveryDelay sets the pause before a nacked delivery is redelivered.
func WithRedeliveryDelay(d time.Duration) MemoryOption {
	return func(c *MemoryChannel) {
		if d >= 0 {
			c.redeliveryDelay = d
		}
	}
}

// NewMemoryChannel returns an empty channel.
func NewMemoryChannel(opts ...MemoryOption) *MemoryChannel {
	c := &MemoryChannel{
		partitions:      message.DefaultPartitions,
		redeliveryDelay: 10 * time.Millisecond,
		topics:          make(map[string]*memTopic),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type memRecord struct {
	key     string
	payload []byte
}

// memLog is one partition's append-only event log. signal is closed and
// replaced on every append to wake waiting pumps.
type memLog struct {
	records []memRecord
	signal  chan struct{}
}

type memTopic struct {
	name   string
	logs   []*memLog
	groups map[string]*memGroup
}

// memGroup tracks a consumer group's position in every partition and fans
// deliveries out to the group's subscriptions.
type memGroup struct {
	out     chan Delivery
	offsets []int
	// attempts counts deliveries of the record at the current offset.
	attempts []int
	refs     int
	stop     chan struct{}
	wg       sync.WaitGroup
}

func newMemLog() *memLog {
	return &memLog{signal: make(chan struct{})}
}

// topicLocked returns topic, creating it with n partitions when absent.
func (c *MemoryChannel) topicLocked(name string, n int) *memTopic {
	t, ok := c.topics[name]
	if !ok {
		t = &memTopic{name: name, groups: make(map[string]*memGroup)}
		c.topics[name] = t
	}
	for len(t.logs) < n {
		t.logs = append(t.logs, newMemLog())
	}
	return t
}

// EnsureTopic implements Channel.
func (c *MemoryChannel) EnsureTopic(ctx context.Context, topic string, partitions int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if topic == "" || partitions < 1 {
		return fmt.Errorf("channel: invalid topic %q with %d partitions", topic, partitions)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	t := c.topicLocked(topic, partitions)
	for _, g := range t.groups {
		c.growGroupLocked(t, g)
	}
	return nil
}

// Publish implements Channel.
func (c *MemoryChannel) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	t := c.topicLocked(topic, c.partitions)
	l := t.logs[Partition(key, len(t.logs))]
	l.records = append(l.records, memRecord{key: key, payload: append([]byte(nil), payload...)})
	close(l.signal)
	l.signal = make(chan struct{})
	return nil
}

// Subscribe implements Channel. Subscriptions of the same group compete
// for deliveries.
func (c *MemoryChannel) Subscribe(ctx context.Context, topic, group string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if group == "" {
		return nil, fmt.Errorf("channel: empty consumer group")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	t := c.topicLocked(topic, c.partitions)
	g, ok := t.groups[group]
	if !ok {
		g = &memGroup{}
		t.groups[group] = g
	}
	if g.refs == 0 {
		g.out = make(chan Delivery)
		g.stop = make(chan struct{})
		for p := range g.offsets {
			c.startPump(t, g, p)
		}
		c.growGroupLocked(t, g)
	}
	g.refs++
	return &memSubscription{ch: c, group: g, out: g.out}, nil
}

// growGroupLocked extends g to every partition of t, starting a pump for
// each new partition while the group has subscribers.
func (c *MemoryChannel) growGroupLocked(t *memTopic, g *memGroup) {
	for p := len(g.offsets); p < len(t.logs); p++ {
		g.offsets = append(g.offsets, 0)
		g.attempts = append(g.attempts, 0)
		if g.stop != nil {
			c.startPump(t, g, p)
		}
	}
}

func (c *MemoryChannel) startPump(t *memTopic, g *memGroup, p int) {
	g.wg.Add(1)
	go c.pump(t, g, p, g.out, g.stop)
}

// pump delivers partition p to the group one record at a time. The next
// record is not offered until the current one is acked.
func (c *MemoryChannel) pump(t *memTopic, g *memGroup, p int, out chan<- Delivery, stop <-chan struct{}) {
	defer g.wg.Done()
	for {
		c.mu.Lock()
		l := t.logs[p]
		if g.offsets[p] >= len(l.records) {
			signal := l.signal
			c.mu.Unlock()
			select {
			case <-signal:
				continue
			case <-stop:
				return
			}
		}
		rec := l.records[g.offsets[p]]
		g.attempts[p]++
		d := &memDelivery{
			rec:       rec,
			partition: p,
			attempt:   g.attempts[p],
			result:    make(chan bool, 1),
		}
		c.mu.Unlock()

		select {
		case out <- d:
		case <-stop:
			c.mu.Lock()
			g.attempts[p]--
			c.mu.Unlock()
			return
		}

		var acked bool
		select {
		case acked = <-d.result:
		case <-stop:
			// An ack that raced the stop still counts.
			select {
			case acked = <-d.result:
			default:
			}
			if !acked {
				return
			}
		}

		if acked {
			c.mu.Lock()
			g.offsets[p]++
			g.attempts[p] = 0
			c.mu.Unlock()
			continue
		}

		if c.redeliveryDelay > 0 {
			timer := time.NewTimer(c.redeliveryDelay)
			select {
			case <-timer.C:
			case <-stop:
				timer.Stop()
				return
			}
		}
	}
}

// release drops one subscription reference, stopping the group's pumps
// and closing its delivery channel when none remain.
func (c *MemoryChannel) release(g *memGroup) {
	c.mu.Lock()
	if g.refs == 0 {
		c.mu.Unlock()
		return
	}
	g.refs--
	if g.refs > 0 {
		c.mu.Unlock()
		return
	}
	stop, out := g.stop, g.out
	g.stop, g.out = nil, nil
	close(stop)
	c.mu.Unlock()

	g.wg.Wait()
	close(out)
}

// Close implements Channel. Active subscriptions see their delivery
// channels closed.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var active []*memGroup
	for _, t := range c.topics {
		for _, g := range t.groups {
			if g.refs > 0 {
				active = append(active, g)
			}
		}
	}
	c.mu.Unlock()

	for _, g := range active {
		c.mu.Lock()
		g.refs = 1
		c.mu.Unlock()
		c.release(g)
	}
	return nil
}

type memSubscription struct {
	ch    *MemoryChannel
	group *memGroup
	out   <-chan Delivery
	once  sync.Once
}

func (s *memSubscription) Deliveries() <-chan Delivery { return s.out }

func (s *memSubscription) Close() error {
	s.once.Do(func() { s.ch.release(s.group) })
	return nil
}

type memDelivery struct {
	rec       memRecord
	partition int
	attempt   int
	once      sync.Once
	result    chan bool
}

func (d *memDelivery) Payload() []byte { return d.rec.payload }
func (d *memDelivery) Key() string     { return d.rec.key }
func (d *memDelivery) Partition() int  { return d.partition }
func (d *memDelivery) Attempt() int    { return d.attempt }

func (d *memDelivery) Ack(context.Context) error {
	d.once.Do(func() { d.result <- true })
	return nil
}

func (d *memDelivery) Nack(context.Context) error {
	d.once.Do(func() { d.result <- false })
	return nil
}
