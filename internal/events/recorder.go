// Package events carries operator-facing banner/degradation notifications
// from the core workers (transport, recorder, replay) out to the renderer
// and log tees, independent of the ProbeOutcome data stream on the bus.
package events

import "github.com/ptop-hq/ptop/pkg/types"

type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(types.Event) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}
