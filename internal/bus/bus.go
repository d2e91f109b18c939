// Package bus implements the single-producer, multiple-consumer broadcast
// of ProbeOutcome events described by the spec: consumers are synchronous
// and fast, a slow consumer blocks the producer, and delivery preserves
// per-target order and is exactly-once per subscriber.
//
// This intentionally does not spill to disk under pressure the way the
// reference agent's result queue does (see DESIGN.md): the spec's
// backpressure model is "producer blocks, scheduler catches up by
// skipping", not "buffer to disk and drain later".
package bus

import (
	"github.com/ptop-hq/ptop/pkg/types"
)

const defaultCapacity = 1024

// Bus fans outcomes out to a fixed set of subscribers registered before the
// first Publish. Publish blocks until every subscriber's channel accepts
// the value, matching the "slow consumer blocks the producer" contract.
type Bus struct {
	capacity int
	subs     []chan types.ProbeOutcome
	closed   bool
}

// New constructs a Bus with the given per-subscriber channel capacity
// (spec: bounded, e.g. 1024).
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{capacity: capacity}
}

// Subscribe registers a new consumer channel. Must be called before the
// bus starts publishing; the bus has no notion of dynamic subscription
// mid-session (there is no cyclic ownership back to the producer).
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan types.ProbeOutcome, b.capacity)
	b.subs = append(b.subs, ch)
	return &Subscription{ch: ch}
}

// Publish delivers one outcome to every subscriber, blocking on whichever
// is slowest. Publishing after Close is a no-op.
func (b *Bus) Publish(o types.ProbeOutcome) {
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		ch <- o
	}
}

// Close signals shutdown by closing every subscriber's channel side; each
// consumer drains what remains, then observes channel closure and exits.
func (b *Bus) Close() {
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
}

// Subscription is one consumer's read-only view of the bus.
type Subscription struct {
	ch chan types.ProbeOutcome
}

func (s *Subscription) Receive() <-chan types.ProbeOutcome {
	return s.ch
}
