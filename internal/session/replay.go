package session

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ptop-hq/ptop/internal/bus"
	"github.com/ptop-hq/ptop/internal/stats"
	"github.com/ptop-hq/ptop/pkg/types"
)

const (
	MinSpeed     = 0.1
	MaxSpeed     = 100.0
	DefaultSpeed = 1.0

	// SeekGranularity is the number of events one seek command moves by
	// (spec §5: "±100 events").
	SeekGranularity = 100
)

// Source is a loaded session log ready for variable-speed replay. Events
// are loaded eagerly into memory, matching the format's "simplest
// implementation" guidance for a recorded stream of this size.
type Source struct {
	mu sync.Mutex

	header LogHeader
	events []LogEvent

	startMicros int64
	cursor      int // index of the next event not yet published

	now   func() time.Time
	speed float64
	paused bool

	anchorWallTime  time.Time
	anchorVirtualUS int64

	malformed int
	truncated bool

	bus      *bus.Bus
	registry *stats.Registry
}

// Load opens a recorded log file and eagerly decodes its header and
// events. Malformed lines are skipped and counted rather than aborting
// the load; an unexpected EOF inside the gzip stream (a log left
// mid-write) stops cleanly at the last complete line rather than erroring.
func Load(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log %q: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream %q: %w", path, err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	src := &Source{now: time.Now, speed: DefaultSpeed}

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read log header: %w", err)
		}
		return nil, errors.New("empty log file")
	}
	if err := json.Unmarshal(scanner.Bytes(), &src.header); err != nil {
		return nil, fmt.Errorf("decode log header: %w", err)
	}
	src.startMicros = parseStartMicros(src.header.Start)

	for scanner.Scan() {
		var ev LogEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			src.malformed++
			continue
		}
		src.events = append(src.events, ev)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, gzip.ErrChecksum) {
			src.truncated = true
		} else {
			return nil, fmt.Errorf("read log events: %w", err)
		}
	}

	return src, nil
}

func parseStartMicros(iso string) int64 {
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return 0
	}
	return t.UnixMicro()
}

// Targets returns the header's target list, used by the caller to
// register targets in the stats registry before playback starts.
func (s *Source) Targets() []LogTarget { return s.header.Targets }

// Malformed reports the number of event lines skipped for being
// unparseable.
func (s *Source) Malformed() int { return s.malformed }

// Truncated reports whether the underlying gzip stream ended
// unexpectedly (a log left mid-write).
func (s *Source) Truncated() bool { return s.truncated }

// Attach wires the source to the bus it publishes onto and the registry
// used for direct-ingest seeking.
func (s *Source) Attach(b *bus.Bus, reg *stats.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = b
	s.registry = reg
}

// Start anchors the virtual clock to the current wall time at the current
// speed, unpaused.
func (s *Source) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchorWallTime = s.now()
	s.anchorVirtualUS = 0
	s.paused = false
}

// virtualNowLocked returns the current virtual playback offset in
// microseconds since the recording's start.
func (s *Source) virtualNowLocked() int64 {
	if s.paused {
		return s.anchorVirtualUS
	}
	elapsed := s.now().Sub(s.anchorWallTime)
	return s.anchorVirtualUS + int64(float64(elapsed.Microseconds())*s.speed)
}

// reanchorLocked freezes the current virtual position into anchorVirtualUS
// and resets the wall-time anchor to now, so a subsequent pause, resume,
// or speed change never causes a jump or burst in virtual time.
func (s *Source) reanchorLocked() {
	s.anchorVirtualUS = s.virtualNowLocked()
	s.anchorWallTime = s.now()
}

// Pause freezes virtual time in place.
func (s *Source) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reanchorLocked()
	s.paused = true
}

// Resume continues virtual time from where it was paused.
func (s *Source) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reanchorLocked()
	s.paused = false
}

// SetSpeed changes the playback rate, clamped to [MinSpeed, MaxSpeed],
// re-anchoring so the change takes effect without a jump.
func (s *Source) SetSpeed(speed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if speed < MinSpeed {
		speed = MinSpeed
	}
	if speed > MaxSpeed {
		speed = MaxSpeed
	}
	s.reanchorLocked()
	s.speed = speed
}

// Speed returns the current playback rate.
func (s *Source) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// Step publishes every event whose virtual dispatch time has arrived and
// advances the cursor. It returns true once every event has been
// published (replay finished).
func (s *Source) Step() (finished bool) {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return false
	}
	virtual := s.virtualNowLocked()
	var due []LogEvent
	for s.cursor < len(s.events) && s.events[s.cursor].T <= virtual {
		due = append(due, s.events[s.cursor])
		s.cursor++
	}
	finished = s.cursor >= len(s.events)
	b := s.bus
	start := s.startMicros
	s.mu.Unlock()

	for _, ev := range due {
		if b != nil {
			b.Publish(s.toOutcome(ev, start))
		}
	}
	return finished
}

func (s *Source) toOutcome(ev LogEvent, startMicros int64) types.ProbeOutcome {
	outcome := types.Loss
	var rtt int64
	if ev.R != nil {
		outcome = types.Reply
		rtt = *ev.R
	}
	dispatch := startMicros + ev.T
	return types.ProbeOutcome{
		TargetIndex:    ev.I,
		Sequence:       ev.S,
		DispatchMicros: dispatch,
		Outcome:        outcome,
		RTTMicros:      rtt,
		WallClock:      time.UnixMicro(dispatch),
	}
}

// Seek moves the cursor by deltaEvents (positive forward, negative
// backward) and rebuilds registry state by resetting every known target
// and re-ingesting events [0, newCursor) directly into the registry,
// bypassing the bus entirely so live bus subscribers never see duplicate
// or out-of-order deliveries during a seek.
func (s *Source) Seek(deltaEvents int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newCursor := s.cursor + deltaEvents
	if newCursor < 0 {
		newCursor = 0
	}
	if newCursor > len(s.events) {
		newCursor = len(s.events)
	}

	if s.registry != nil {
		for _, tgt := range s.header.Targets {
			s.registry.Reset(tgt.Idx)
		}
		for i := 0; i < newCursor; i++ {
			s.registry.Ingest(s.toOutcome(s.events[i], s.startMicros))
		}
	}

	s.cursor = newCursor
	if newCursor < len(s.events) {
		s.anchorVirtualUS = s.events[newCursor].T
	} else if len(s.events) > 0 {
		s.anchorVirtualUS = s.events[len(s.events)-1].T
	}
	s.anchorWallTime = s.now()
}

// SeekForward moves ahead by SeekGranularity events.
func (s *Source) SeekForward() { s.Seek(SeekGranularity) }

// SeekBackward moves back by SeekGranularity events.
func (s *Source) SeekBackward() { s.Seek(-SeekGranularity) }

// Finished reports whether every event has already been published.
func (s *Source) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor >= len(s.events)
}
