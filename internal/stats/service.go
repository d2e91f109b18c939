package stats

import (
	"context"

	"github.com/ptop-hq/ptop/pkg/types"
)

// Subscriber is satisfied by the event bus's per-consumer receive channel.
type Subscriber interface {
	Receive() <-chan types.ProbeOutcome
}

// RunAggregator is the aggregator worker: it consumes outcomes from the bus
// until the channel closes or ctx is cancelled, applying each to the
// registry. It holds each target's mutex only during the update (see
// target.ingest), never a global lock.
func RunAggregator(ctx context.Context, sub Subscriber, reg *Registry) {
	ch := sub.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-ch:
			if !ok {
				return
			}
			reg.Ingest(o)
		}
	}
}
