package command

import (
	"github.com/ptop-hq/ptop/internal/probeengine"
)

// LiveTarget is the subset of a live coordinator a Dispatcher needs.
type LiveTarget interface {
	Reset(index int)
	AddTarget(spec probeengine.TargetSpec)
}

// ReplayTarget is the subset of a replay source a Dispatcher needs.
type ReplayTarget interface {
	Pause()
	Resume()
	SetSpeed(speed float64)
	SeekForward()
	SeekBackward()
}

// Dispatcher routes Commands to whichever backend is active. Exactly one
// of live or replay is non-nil for a given session; the other's commands
// are silently ignored, matching a live session having no notion of
// playback speed and a replay having no notion of adding targets.
type Dispatcher struct {
	live    LiveTarget
	replay  ReplayTarget
	paused  bool
	quit    chan struct{}
	quitted bool
}

// NewLiveDispatcher builds a Dispatcher over a live probe coordinator.
func NewLiveDispatcher(live LiveTarget) *Dispatcher {
	return &Dispatcher{live: live, quit: make(chan struct{})}
}

// NewReplayDispatcher builds a Dispatcher over a replay source.
func NewReplayDispatcher(replay ReplayTarget) *Dispatcher {
	return &Dispatcher{replay: replay, quit: make(chan struct{})}
}

// Dispatch applies one command. Safe to call from the renderer's input
// goroutine.
func (d *Dispatcher) Dispatch(c Command) {
	switch c.Type {
	case Quit:
		if !d.quitted {
			d.quitted = true
			close(d.quit)
		}
	case Reset:
		if d.live != nil {
			d.live.Reset(c.Target)
		}
	case AddTarget:
		if d.live != nil {
			d.live.AddTarget(probeengine.TargetSpec{Index: c.Target, Label: c.Label, Host: c.Host})
		}
	case PauseResume:
		if d.replay != nil {
			if d.paused {
				d.replay.Resume()
			} else {
				d.replay.Pause()
			}
			d.paused = !d.paused
		}
	case SetSpeed:
		if d.replay != nil {
			d.replay.SetSpeed(c.Speed)
		}
	case SeekForward:
		if d.replay != nil {
			d.replay.SeekForward()
		}
	case SeekBackward:
		if d.replay != nil {
			d.replay.SeekBackward()
		}
	}
}

// Done returns a channel closed once a Quit command has been dispatched.
func (d *Dispatcher) Done() <-chan struct{} { return d.quit }
