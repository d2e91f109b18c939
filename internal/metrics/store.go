// Package metrics keeps atomic counters of operator-visible degradation
// events (recorder disabled, replay malformed lines, socket loss) for the
// dashboard's status line, adapted from the reference agent's atomic
// counter/Snapshot pattern but stripped of its Prometheus exporter: ptop
// has no metrics HTTP endpoint in scope.
package metrics

import (
	"sync/atomic"

	"github.com/ptop-hq/ptop/pkg/types"
)

// Store accumulates counts of each operator-facing event type.
type Store struct {
	recorderDegraded  atomic.Uint64
	replayMalformed   atomic.Uint64
	replayTruncated   atomic.Uint64
	socketUnavailable atomic.Uint64
	targetUnresolved  atomic.Uint64
}

// NewStore constructs a zeroed Store.
func NewStore() *Store { return &Store{} }

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	RecorderDegraded  uint64
	ReplayMalformed   uint64
	ReplayTruncated   uint64
	SocketUnavailable uint64
	TargetUnresolved  uint64
}

// Snapshot returns the current counter values.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		RecorderDegraded:  s.recorderDegraded.Load(),
		ReplayMalformed:   s.replayMalformed.Load(),
		ReplayTruncated:   s.replayTruncated.Load(),
		SocketUnavailable: s.socketUnavailable.Load(),
		TargetUnresolved:  s.targetUnresolved.Load(),
	}
}

// Record implements events.Recorder, incrementing the counter matching
// the event's type. Unrecognized or target-scoped resolution events that
// don't map to a counter are ignored.
func (s *Store) Record(e types.Event) {
	switch e.Type {
	case types.EventRecorderDegraded:
		s.recorderDegraded.Add(1)
	case types.EventReplayMalformed:
		s.replayMalformed.Add(1)
	case types.EventReplayTruncated:
		s.replayTruncated.Add(1)
	case types.EventSocketUnavailable:
		s.socketUnavailable.Add(1)
	case types.EventTargetUnresolved:
		s.targetUnresolved.Add(1)
	}
}
