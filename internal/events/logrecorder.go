package events

import (
	"log"

	"github.com/ptop-hq/ptop/pkg/types"
)

// LogRecorder writes every operator-facing event as a log line, so
// degradation and resolution notices reach stderr even when nobody is
// watching the dashboard (spec §7).
type LogRecorder struct {
	log *log.Logger
}

// NewLogRecorder wraps l as a Recorder.
func NewLogRecorder(l *log.Logger) LogRecorder {
	return LogRecorder{log: l}
}

func (r LogRecorder) Record(e types.Event) {
	if e.Target < 0 {
		r.log.Printf("%s %s", e.Type, e.Message)
		return
	}
	r.log.Printf("%s target=%d %s", e.Type, e.Target, e.Message)
}
