package probeengine

import (
	"net"
	"time"
)

// TargetSpec is the static configuration of one probed endpoint.
type TargetSpec struct {
	Index    int
	Label    string
	Host     string
	Interval time.Duration
	Timeout  time.Duration
}

type pendingProbe struct {
	seq      uint16
	addr     net.IP
	dispatch time.Time
	deadline time.Time
}

// schedTarget is the coordinator's private per-target scheduling state: the
// next dispatch sequence, the next tick time, and the FIFO of outstanding
// requests (sequences are dispatched in order and share a fixed timeout,
// so deadlines are also strictly increasing — a slice suffices for the
// ordered map the spec calls for).
type schedTarget struct {
	spec TargetSpec

	resolvedIP net.IP
	resolved   bool

	nextSeq  uint16
	nextTick time.Time
	pending  []pendingProbe
}

func newSchedTarget(spec TargetSpec, start time.Time, stagger time.Duration) *schedTarget {
	return &schedTarget{
		spec:     spec,
		nextTick: start.Add(stagger),
	}
}

// popExpired removes and returns every pending entry whose deadline is at
// or before now, in dispatch order.
func (t *schedTarget) popExpired(now time.Time) []pendingProbe {
	i := 0
	for i < len(t.pending) && !t.pending[i].deadline.After(now) {
		i++
	}
	if i == 0 {
		return nil
	}
	expired := append([]pendingProbe(nil), t.pending[:i]...)
	t.pending = t.pending[i:]
	return expired
}

// matchReply removes and returns the pending entry for (seq, addr), if
// still outstanding. Matching on sequence alone is not enough: every
// target shares one process identifier and, absent per-destination
// sockets, the same sequence number can be outstanding for several
// targets at once, so the source address disambiguates them. A reply for
// a sequence that already timed out (and was popped by popExpired) is
// not found here and is dropped by the caller, satisfying the
// sequence-wraparound boundary behavior in the spec.
func (t *schedTarget) matchReply(seq uint16, addr net.IP) (pendingProbe, bool) {
	for i, p := range t.pending {
		if p.seq == seq && p.addr.Equal(addr) {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return p, true
		}
	}
	return pendingProbe{}, false
}

// earliestDeadline returns the deadline of the oldest outstanding request,
// or zero time if none is outstanding.
func (t *schedTarget) earliestDeadline() (time.Time, bool) {
	if len(t.pending) == 0 {
		return time.Time{}, false
	}
	return t.pending[0].deadline, true
}

// reset clears outstanding requests but preserves the next sequence
// number: a user reset zeroes counters and history, not the sequence
// space, so a late reply for a pre-reset sequence can never collide with
// a freshly re-issued one (spec §3).
func (t *schedTarget) reset() {
	t.pending = nil
}
