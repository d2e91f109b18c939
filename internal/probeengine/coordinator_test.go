package probeengine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ptop-hq/ptop/internal/bus"
	"github.com/ptop-hq/ptop/internal/stats"
	"github.com/ptop-hq/ptop/internal/transport"
)

type fakeTransport struct {
	now     func() time.Time
	sent    []uint16
	replies []transport.Reply
}

func (f *fakeTransport) Identifier() uint16 { return 1234 }

func (f *fakeTransport) Send(ctx context.Context, addr net.IP, seq uint16) (time.Time, error) {
	f.sent = append(f.sent, seq)
	return f.now(), nil
}

func (f *fakeTransport) PollReplies(deadline time.Time) []transport.Reply {
	r := f.replies
	f.replies = nil
	return r
}

func (f *fakeTransport) Close() error { return nil }

// drainInto stands in for the aggregator worker: it ingests every outcome
// already published on sub into reg.
func drainInto(sub *bus.Subscription, reg *stats.Registry) {
	for {
		select {
		case o, ok := <-sub.Receive():
			if !ok {
				return
			}
			reg.Ingest(o)
		default:
			return
		}
	}
}

func TestCoordinatorDispatchesOnTickAndMatchesReply(t *testing.T) {
	current := time.Unix(0, 0)
	tr := &fakeTransport{now: func() time.Time { return current }}
	b := bus.New(8)
	sub := b.Subscribe()
	reg := stats.NewRegistry(10)

	specs := []TargetSpec{{Index: 0, Label: "t", Host: "203.0.113.1", Interval: 100 * time.Millisecond, Timeout: 5 * time.Second}}
	c := New(tr, b, reg, specs, WithNow(func() time.Time { return current }))

	ctx := context.Background()
	c.Step(ctx, current, current)
	if len(tr.sent) != 1 {
		t.Fatalf("expected first tick to dispatch immediately, got %d sends", len(tr.sent))
	}

	dispatchedAt := current
	current = current.Add(10 * time.Millisecond)
	tr.replies = []transport.Reply{{Identifier: tr.Identifier(), Sequence: 0, Addr: net.ParseIP("203.0.113.1"), RecvTime: current}}
	c.Step(ctx, current, current)
	drainInto(sub, reg)

	view, ok := reg.View(0, 0)
	if !ok {
		t.Fatalf("expected target 0 registered")
	}
	if view.Received != 1 || view.Sent != 1 {
		t.Fatalf("expected 1 sent/received got %d/%d", view.Sent, view.Received)
	}
	if view.LastRTTMicros != current.Sub(dispatchedAt).Microseconds() {
		t.Fatalf("unexpected RTT %d", view.LastRTTMicros)
	}
}

func TestCoordinatorEmitsLossOnDeadlineExpiry(t *testing.T) {
	current := time.Unix(0, 0)
	tr := &fakeTransport{now: func() time.Time { return current }}
	b := bus.New(8)
	sub := b.Subscribe()
	reg := stats.NewRegistry(10)

	specs := []TargetSpec{{Index: 0, Label: "t", Host: "203.0.113.1", Interval: 100 * time.Millisecond, Timeout: 50 * time.Millisecond}}
	c := New(tr, b, reg, specs, WithNow(func() time.Time { return current }))

	ctx := context.Background()
	c.Step(ctx, current, current)

	current = current.Add(60 * time.Millisecond)
	c.Step(ctx, current, current)
	drainInto(sub, reg)

	view, _ := reg.View(0, 0)
	if view.Sent != 1 || view.Received != 0 || view.CurrentLossStreak != 1 {
		t.Fatalf("expected a recorded loss, got %+v", view)
	}
}

func TestCoordinatorCatchesUpBySkippingNotBursting(t *testing.T) {
	current := time.Unix(0, 0)
	tr := &fakeTransport{now: func() time.Time { return current }}
	b := bus.New(8)
	_ = b.Subscribe()
	reg := stats.NewRegistry(10)

	specs := []TargetSpec{{Index: 0, Label: "t", Host: "203.0.113.1", Interval: 10 * time.Millisecond, Timeout: 5 * time.Second}}
	c := New(tr, b, reg, specs, WithNow(func() time.Time { return current }))

	ctx := context.Background()
	c.Step(ctx, current, current)
	if len(tr.sent) != 1 {
		t.Fatalf("expected exactly one dispatch on first tick")
	}

	// Simulate a huge stall: many intervals have elapsed. The next Step
	// must dispatch exactly one more probe (not one per missed interval).
	current = current.Add(1 * time.Second)
	c.Step(ctx, current, current)
	if len(tr.sent) != 2 {
		t.Fatalf("expected catch-up-by-skip to dispatch exactly one probe, got %d total sends", len(tr.sent))
	}
}

func TestCoordinatorResetClearsStatsPreservesSequence(t *testing.T) {
	current := time.Unix(0, 0)
	tr := &fakeTransport{now: func() time.Time { return current }}
	b := bus.New(8)
	sub := b.Subscribe()
	reg := stats.NewRegistry(10)

	specs := []TargetSpec{{Index: 0, Label: "t", Host: "203.0.113.1", Interval: 10 * time.Millisecond, Timeout: 5 * time.Second}}
	c := New(tr, b, reg, specs, WithNow(func() time.Time { return current }))
	ctx := context.Background()

	c.Step(ctx, current, current)
	tr.replies = []transport.Reply{{Identifier: tr.Identifier(), Sequence: 0, Addr: net.ParseIP("203.0.113.1"), RecvTime: current}}
	c.Step(ctx, current, current)
	drainInto(sub, reg)

	c.handleReset(0)
	view, _ := reg.View(0, 0)
	if view.Sent != 0 || view.Received != 0 {
		t.Fatalf("expected reset stats, got %+v", view)
	}
	if c.targets[0].nextSeq != 1 {
		t.Fatalf("expected sequence number preserved across reset, got %d", c.targets[0].nextSeq)
	}
}

func TestCoordinatorDisambiguatesSharedSequenceByAddress(t *testing.T) {
	current := time.Unix(0, 0)
	tr := &fakeTransport{now: func() time.Time { return current }}
	b := bus.New(8)
	sub := b.Subscribe()
	reg := stats.NewRegistry(10)

	specs := []TargetSpec{
		{Index: 0, Label: "a", Host: "203.0.113.1", Interval: 100 * time.Millisecond, Timeout: 5 * time.Second},
		{Index: 1, Label: "b", Host: "203.0.113.2", Interval: 100 * time.Millisecond, Timeout: 5 * time.Second},
	}
	c := New(tr, b, reg, specs, WithNow(func() time.Time { return current }))

	ctx := context.Background()
	// Target b's first tick is staggered by interval*1/2 = 50ms, so step
	// at that instant for both targets to be due.
	current = current.Add(50 * time.Millisecond)
	c.Step(ctx, current, current)
	if len(tr.sent) != 2 {
		t.Fatalf("expected both targets to dispatch sequence 0, got %d sends", len(tr.sent))
	}

	current = current.Add(10 * time.Millisecond)
	tr.replies = []transport.Reply{{Identifier: tr.Identifier(), Sequence: 0, Addr: net.ParseIP("203.0.113.2"), RecvTime: current}}
	c.Step(ctx, current, current)
	drainInto(sub, reg)

	viewA, _ := reg.View(0, 0)
	viewB, _ := reg.View(1, 0)
	if viewB.Received != 1 {
		t.Fatalf("expected target b to be credited with the reply, got %+v", viewB)
	}
	if viewA.Received != 0 {
		t.Fatalf("expected target a to remain unmatched, not stolen by address collision, got %+v", viewA)
	}
}
