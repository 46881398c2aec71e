// Package eventbus fans appended events out to live subscribers (stream
// endpoints). It is deliberately dumb: the Event Log (internal/eventlog) owns
// durable storage and ordering; the bus only distributes what has already
// been appended, in the order it receives it.
package eventbus

import (
	"sync"

	"github.com/marcus-qen/runctl/internal/eventlog"
)

// LagError describes a subscription dropped because its buffer overflowed.
// The Bus itself never returns it: Publish signals overflow by closing the
// subscriber's channel rather than blocking the producer, and the caller
// reconnects with after_seq = last_seen_seq.
type LagError struct{ RunID string }

func (e *LagError) Error() string { return "subscription lagged for run " + e.RunID }

type subscriber struct {
	ch     chan eventlog.Event
	runID  string
	filter eventlog.Filter
}

// Bus is a process-wide, in-process pub/sub. Construct once at startup and
// pass the reference explicitly; it holds no package-level state.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber // subscription id -> subscriber
	bufferSize  int
}

// NewBus constructs a Bus whose subscriber channels each buffer up to
// bufferSize events before the subscription's channel is closed.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{subscribers: make(map[string]*subscriber), bufferSize: bufferSize}
}

// Publish fans evt out to every live subscriber of evt.RunID whose filter
// admits it. Publish never blocks: a subscriber whose buffer is full has its
// channel closed and is dropped instead of stalling the publisher.
func (b *Bus) Publish(evt eventlog.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		if sub.runID != evt.RunID {
			continue
		}
		if len(sub.filter.Types) > 0 && !sub.filter.Types[evt.Type] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			close(sub.ch)
			delete(b.subscribers, id)
		}
	}
}

// Subscribe registers a new subscription for runID under the caller-chosen
// id (later passed to Unsubscribe) and returns its event channel. The
// channel is closed by the bus
// itself on overflow (the caller should treat closure as a lag signal) or by
// an explicit Unsubscribe call.
func (b *Bus) Subscribe(id, runID string, filter eventlog.Filter) <-chan eventlog.Event {
	ch := make(chan eventlog.Event, b.bufferSize)
	b.mu.Lock()
	b.subscribers[id] = &subscriber{ch: ch, runID: runID, filter: filter}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription. Safe to call more than once.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount reports how many live subscriptions exist for a run.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subscribers {
		if sub.runID == runID {
			n++
		}
	}
	return n
}
