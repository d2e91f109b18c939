// Package probeengine implements the probe scheduler: a single coordinator
// loop that dispatches echo requests on a per-target interval, tracks
// outstanding requests against their timeout deadline, and emits
// ProbeOutcome events onto the bus (spec §4.2).
package probeengine

import (
	"context"
	"time"

	"github.com/ptop-hq/ptop/internal/bus"
	"github.com/ptop-hq/ptop/internal/events"
	"github.com/ptop-hq/ptop/internal/stats"
	"github.com/ptop-hq/ptop/internal/transport"
	"github.com/ptop-hq/ptop/pkg/types"
)

// Coordinator owns the raw sockets (via Transport) and is the bus's sole
// producer, as required by spec §5. Operator-facing notifications go out
// through the injected events.Recorder, not a logger of its own — the
// runtime owns the periodic summary log line.
type Coordinator struct {
	transport transport.Transport
	bus       *bus.Bus
	resolver  *Resolver
	events    events.Recorder
	registry  *stats.Registry
	now       func() time.Time

	targets []*schedTarget

	resets chan int
	adds   chan TargetSpec
}

// Option customizes a Coordinator at construction.
type Option func(*Coordinator)

func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithEventRecorder(rec events.Recorder) Option {
	return func(c *Coordinator) {
		if rec != nil {
			c.events = rec
		}
	}
}

// New constructs a Coordinator for the given specs. Targets' first ticks
// are staggered by interval*(i/N) at startup to spread load, per spec.
func New(tr transport.Transport, b *bus.Bus, reg *stats.Registry, specs []TargetSpec, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport: tr,
		bus:       b,
		resolver:  NewResolver(),
		events:    events.NoopRecorder{},
		registry:  reg,
		now:       time.Now,
		resets:    make(chan int, 8),
		adds:      make(chan TargetSpec, 8),
	}
	for _, o := range opts {
		o(c)
	}

	start := c.now()
	n := len(specs)
	for i, spec := range specs {
		stagger := time.Duration(0)
		if n > 0 && spec.Interval > 0 {
			stagger = spec.Interval * time.Duration(i) / time.Duration(n)
		}
		c.targets = append(c.targets, newSchedTarget(spec, start, stagger))
		reg.AddTarget(spec.Index, spec.Label, spec.Host, spec.Interval)
		c.tryResolve(c.targets[len(c.targets)-1])
	}
	return c
}

// Reset clears one target's outstanding requests and its rolling
// statistics, preserving its identity and next sequence number, per spec §3.
func (c *Coordinator) Reset(index int) {
	select {
	case c.resets <- index:
	default:
	}
}

// AddTarget enqueues a new target to be scheduled from the coordinator's
// next loop iteration.
func (c *Coordinator) AddTarget(spec TargetSpec) {
	select {
	case c.adds <- spec:
	default:
	}
}

func (c *Coordinator) tryResolve(t *schedTarget) {
	ip, err := c.resolver.Resolve(t.spec.Index, t.spec.Host)
	if err != nil {
		t.resolved = false
		c.registry.SetState(t.spec.Index, types.TargetUnresolved)
		c.events.Record(types.Event{Type: types.EventTargetUnresolved, Timestamp: c.now(), Target: t.spec.Index, Message: err.Error()})
		return
	}
	t.resolvedIP = ip
	t.resolved = true
	c.registry.SetState(t.spec.Index, types.TargetResolved)
	c.events.Record(types.Event{Type: types.EventTargetResolved, Timestamp: c.now(), Target: t.spec.Index})
}

// Run executes the coordinator loop until ctx is cancelled, then closes the
// bus so downstream workers can drain and exit.
func (c *Coordinator) Run(ctx context.Context) {
	defer c.bus.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case idx := <-c.resets:
			c.handleReset(idx)
		case spec := <-c.adds:
			c.handleAdd(spec)
		default:
		}

		now := c.now()
		wait, hasWork := c.nextWakeup(now)
		if !hasWork {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if wait.After(now) {
			timer := time.NewTimer(wait.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case idx := <-c.resets:
				timer.Stop()
				c.handleReset(idx)
				continue
			case spec := <-c.adds:
				timer.Stop()
				c.handleAdd(spec)
				continue
			case <-timer.C:
			}
			now = c.now()
		}

		c.Step(ctx, now, now.Add(20*time.Millisecond))
	}
}

// Step runs one iteration of the coordinator's state machine: it first
// resolves any deadlines that have expired as of now (tie-break: deadlines
// fire before new dispatch ticks), then dispatches any due ticks, then
// polls the transport for replies up to pollDeadline. Exposed separately
// from Run so tests can drive it with a fake clock and fake transport
// without depending on wall-clock sleeps.
func (c *Coordinator) Step(ctx context.Context, now, pollDeadline time.Time) {
	c.processExpiredDeadlines(now)
	c.processDueTicks(ctx, now)
	for _, r := range c.transport.PollReplies(pollDeadline) {
		c.handleReply(r)
	}
}

func (c *Coordinator) handleReset(idx int) {
	for _, t := range c.targets {
		if t.spec.Index == idx {
			t.reset()
			c.registry.Reset(idx)
			c.events.Record(types.Event{Type: types.EventTargetReset, Timestamp: c.now(), Target: idx})
			return
		}
	}
}

func (c *Coordinator) handleAdd(spec TargetSpec) {
	for _, t := range c.targets {
		if t.spec.Index == spec.Index {
			return
		}
	}
	t := newSchedTarget(spec, c.now(), 0)
	c.targets = append(c.targets, t)
	c.registry.AddTarget(spec.Index, spec.Label, spec.Host, spec.Interval)
	c.tryResolve(t)
}

// nextWakeup returns the earliest of every target's next tick or earliest
// outstanding deadline, per the coordinator's state-machine design.
func (c *Coordinator) nextWakeup(now time.Time) (time.Time, bool) {
	var earliest time.Time
	found := false
	consider := func(ts time.Time) {
		if !found || ts.Before(earliest) {
			earliest = ts
			found = true
		}
	}
	for _, t := range c.targets {
		if t.resolved {
			consider(t.nextTick)
		} else if c.resolver.ShouldRetry(t.spec.Index) {
			consider(now)
		}
		if dl, ok := t.earliestDeadline(); ok {
			consider(dl)
		}
	}
	return earliest, found
}

func (c *Coordinator) processExpiredDeadlines(now time.Time) {
	for _, t := range c.targets {
		for _, p := range t.popExpired(now) {
			c.emit(t.spec.Index, p.seq, p.dispatch, types.Loss, 0)
		}
	}
}

func (c *Coordinator) processDueTicks(ctx context.Context, now time.Time) {
	for _, t := range c.targets {
		if !t.resolved {
			if c.resolver.ShouldRetry(t.spec.Index) {
				c.tryResolve(t)
			}
			continue
		}
		if now.Before(t.nextTick) {
			continue
		}
		c.dispatch(ctx, t, now)
		interval := t.spec.Interval
		if interval <= 0 {
			interval = time.Second
		}
		// Catastrophic drift causes a catch-up by skipping overdue ticks
		// rather than bursting: advance past every tick already due
		// without dispatching for each one.
		for !now.Before(t.nextTick) {
			t.nextTick = t.nextTick.Add(interval)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, t *schedTarget, now time.Time) {
	seq := t.nextSeq
	t.nextSeq++

	dispatchTime, err := c.transport.Send(ctx, t.resolvedIP, seq)
	timeout := t.spec.Timeout
	if timeout <= 0 {
		timeout = t.spec.Interval
	}
	if err != nil {
		// Transient send errors (ENETUNREACH, EHOSTUNREACH, ...) are
		// recorded identically to a timeout loss, not a fatal error.
		c.emit(t.spec.Index, seq, now, types.Loss, 0)
		return
	}
	t.pending = append(t.pending, pendingProbe{seq: seq, addr: t.resolvedIP, dispatch: dispatchTime, deadline: dispatchTime.Add(timeout)})
}

// handleReply attributes a reply to its target by (sequence, source
// address): every target shares one process identifier, one starting
// sequence, and often one interval, so several targets can have the same
// sequence outstanding at once, and sequence alone would misattribute a
// reply to whichever target happens to appear first (spec §4.1).
func (c *Coordinator) handleReply(r transport.Reply) {
	for _, t := range c.targets {
		p, ok := t.matchReply(r.Sequence, r.Addr)
		if !ok {
			continue
		}
		rtt := r.RecvTime.Sub(p.dispatch)
		c.emit(t.spec.Index, r.Sequence, p.dispatch, types.Reply, rtt.Microseconds())
		return
	}
	// Out-of-order reply after its deadline already fired a Loss, or a
	// reply for a foreign/wrapped sequence: dropped silently.
}

func (c *Coordinator) emit(index int, seq uint16, dispatch time.Time, outcome types.Result, rttMicros int64) {
	c.bus.Publish(types.ProbeOutcome{
		TargetIndex:    index,
		Sequence:       seq,
		DispatchMicros: dispatch.UnixMicro(),
		Outcome:        outcome,
		RTTMicros:      rttMicros,
		WallClock:      dispatch,
	})
}
