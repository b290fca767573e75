package events

import (
	"sync"
	"time"

	"github.com/seawatts/cove/internal/clock"
)

// DefaultMailboxSize is the per-subscription bounded mailbox depth.
const DefaultMailboxSize = 256

// Event is the message passed through the bus.
type Event struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"` // component that emitted
	Payload   any       `json:"payload"`
}

// Subscription is a bounded mailbox attached to one or more topic
// patterns. The caller drains C(); slow consumers lose their oldest
// events, not the bus's.
type Subscription struct {
	bus      *Bus
	patterns []string
	ch       chan Event

	mu         sync.Mutex
	dropped    uint64
	inOverflow bool
	closed     bool
}

// C returns the receive channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscription has lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// offer delivers e, evicting the oldest queued event when the mailbox is
// full. The first eviction of a burst also injects a bus/overflow notice
// so the subscriber knows it lagged.
func (s *Subscription) offer(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- e:
			if len(s.ch) < cap(s.ch) {
				s.inOverflow = false
			}
			return
		default:
		}

		// Mailbox full: drop the oldest.
		select {
		case <-s.ch:
			s.dropped++
			s.bus.noteDrop()
		default:
			// Raced with the consumer; retry the send.
			continue
		}

		if !s.inOverflow {
			s.inOverflow = true
			notice := Event{
				Topic:     TopicBusOverflow,
				Timestamp: clock.Now(),
				Source:    "bus",
				Payload:   map[string]any{"dropped": s.dropped},
			}
			select {
			case s.ch <- notice:
			default:
			}
		}
	}
}

func (s *Subscription) matches(topic string) bool {
	for _, p := range s.patterns {
		if MatchTopic(p, topic) {
			return true
		}
	}
	return false
}

// Bus is the central event bus. Fan-out never blocks publishers: each
// subscription absorbs overload in its own mailbox. The subscriber list
// is copied on write so no lock is held during delivery.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription

	published uint64
	dropped   uint64

	// onDrop and onPublish, if set, are invoked once per dropped and
	// published event (metrics hooks).
	onDrop    func()
	onPublish func()
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{}
}

// SetDropHook registers a callback invoked for every dropped event.
func (b *Bus) SetDropHook(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// SetPublishHook registers a callback invoked for every published event.
func (b *Bus) SetPublishHook(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Publish sends an event to every subscription whose patterns match the
// topic. Per-subscription order matches publication order for a topic.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = clock.Now()
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	b.mu.Lock()
	b.published++
	fn := b.onPublish
	b.mu.Unlock()
	if fn != nil {
		fn()
	}

	for _, s := range subs {
		if s.matches(e.Topic) {
			s.offer(e)
		}
	}
}

// Subscribe attaches a mailbox of the given size to the topic patterns.
// No patterns means all topics. bufSize <= 0 uses DefaultMailboxSize.
func (b *Bus) Subscribe(bufSize int, patterns ...string) *Subscription {
	if bufSize <= 0 {
		bufSize = DefaultMailboxSize
	}
	if len(patterns) == 0 {
		patterns = []string{"#"}
	}

	s := &Subscription{
		bus:      b,
		patterns: patterns,
		ch:       make(chan Event, bufSize),
	}

	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs)+1)
	copy(subs, b.subs)
	subs[len(b.subs)] = s
	b.subs = subs
	b.mu.Unlock()

	return s
}

// Unsubscribe detaches the subscription and closes its channel.
func (b *Bus) Unsubscribe(target *Subscription) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	found := false
	for _, s := range b.subs {
		if s == target {
			found = true
			continue
		}
		subs = append(subs, s)
	}
	b.subs = subs
	b.mu.Unlock()

	if found {
		target.mu.Lock()
		target.closed = true
		target.mu.Unlock()
		close(target.ch)
	}
}

// Stats returns publish/drop counts for monitoring.
func (b *Bus) Stats() (published, dropped uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.published, b.dropped
}

func (b *Bus) noteDrop() {
	b.mu.Lock()
	b.dropped++
	fn := b.onDrop
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}
