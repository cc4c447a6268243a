package events

import (
	"encoding/json"
	"sync"
	"time"
)

// subscriberSlack is the room a subscriber has beyond the replay before entries get dropped.
const subscriberSlack = 64

// Entry is one structured log line as seen by stream subscribers.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Time      time.Time       `json:"time"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Component string          `json:"component,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Broker fans recent log entries out to live subscribers and keeps a bounded ring for replay.
type Broker struct {
	mu          sync.RWMutex
	ring        []Entry
	next        int
	filled      bool
	seq         uint64
	subscribers map[uint64]chan Entry
	nextID      uint64
	dropped     uint64
}

// NewBroker constructs a broker retaining the last size entries.
func NewBroker(size int) *Broker {
	if size <= 0 {
		size = 1
	}
	return &Broker{
		ring:        make([]Entry, size),
		subscribers: make(map[uint64]chan Entry),
	}
}

// Publish stores the entry and delivers it to every subscriber without blocking.
// A subscriber that cannot keep up misses entries rather than stalling the logger.
func (b *Broker) Publish(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	entry.Seq = b.seq
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	b.ring[b.next] = entry
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.filled = true
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- entry:
		default:
			b.dropped++
		}
	}
}

// Subscribe returns a channel pre-loaded with the replay buffer and an unsubscribe func.
// The unsubscribe func is idempotent and closes the channel.
func (b *Broker) Subscribe() (<-chan Entry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	recent := b.recentLocked()
	ch := make(chan Entry, len(recent)+subscriberSlack)
	for _, e := range recent {
		ch <- e
	}

	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subscribers, id)
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Recent returns the retained entries, oldest first.
func (b *Broker) Recent() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.recentLocked()
}

// Subscribers reports the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped reports deliveries skipped because a subscriber was full.
func (b *Broker) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *Broker) recentLocked() []Entry {
	if !b.filled {
		return append([]Entry(nil), b.ring[:b.next]...)
	}
	out := make([]Entry, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	return append(out, b.ring[:b.next]...)
}

// Write lets the broker sit behind a zerolog writer; each call carries one JSON log line.
func (b *Broker) Write(p []byte) (int, error) {
	var line struct {
		Time      time.Time `json:"time"`
		Level     string    `json:"level"`
		Message   string    `json:"message"`
		Component string    `json:"component"`
		RequestID string    `json:"request_id"`
	}
	raw := append(json.RawMessage(nil), p...)
	if err := json.Unmarshal(p, &line); err != nil {
		b.Publish(Entry{Level: "raw", Message: string(p)})
		return len(p), nil
	}
	b.Publish(Entry{
		Time:      line.Time,
		Level:     line.Level,
		Message:   line.Message,
		Component: line.Component,
		RequestID: line.RequestID,
		Raw:       raw,
	})
	return len(p), nil
}
