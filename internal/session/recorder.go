package session

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ptop-hq/ptop/internal/bus"
	"github.com/ptop-hq/ptop/internal/events"
	"github.com/ptop-hq/ptop/internal/stats"
	"github.com/ptop-hq/ptop/pkg/types"
)

const (
	flushBytesThreshold = 64 * 1024
	flushInterval       = time.Second
)

// Recorder subscribes to the bus and appends each outcome to a gzipped,
// line-delimited log. On any write failure it disables itself for the
// remainder of the session (spec §4.5/§7): probing continues, only
// recording stops.
type Recorder struct {
	mu sync.Mutex

	logPath     string
	sessionsDir string
	sessionID   string
	start       time.Time

	file *os.File
	gz   *gzip.Writer
	w    *bufio.Writer

	sessionStartMicros int64
	bufferedBytes      int
	totalBytes         int64
	maxBytes           int64
	lastFlush          time.Time
	disabled           bool

	targets map[int]LogTarget
	events  events.Recorder
}

// NewRecorder creates the log file at logsDir/<ISO8601>.jsonl.gz, writes
// its header line, and returns a Recorder ready to consume the bus.
// maxBytes caps the log's total written size; 0 means unlimited.
func NewRecorder(logsDir, sessionsDir string, targets []LogTarget, start time.Time, rec events.Recorder, maxBytes int64) (*Recorder, error) {
	if err := os.MkdirAll(logsDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure log dir %q: %w", logsDir, err)
	}
	if err := os.MkdirAll(sessionsDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure sessions dir %q: %w", sessionsDir, err)
	}
	if rec == nil {
		rec = events.NoopRecorder{}
	}

	name := formatTimestamp(start) + ".jsonl.gz"
	path := filepath.Join(logsDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create log file %q: %w", path, err)
	}

	gz := gzip.NewWriter(f)
	w := bufio.NewWriter(gz)

	byIndex := make(map[int]LogTarget, len(targets))
	for _, t := range targets {
		byIndex[t.Idx] = t
	}

	r := &Recorder{
		logPath:            path,
		sessionsDir:        sessionsDir,
		sessionID:          uuid.NewString(),
		start:              start,
		file:               f,
		gz:                 gz,
		w:                  w,
		sessionStartMicros: start.UnixMicro(),
		lastFlush:          start,
		maxBytes:           maxBytes,
		targets:            byIndex,
		events:             rec,
	}

	header := LogHeader{V: logFormatVersion, Start: start.UTC().Format(time.RFC3339Nano), Targets: targets}
	if err := r.writeLine(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write log header: %w", err)
	}
	if err := r.flushLocked(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush log header: %w", err)
	}
	return r, nil
}

// Record appends one outcome. Disabled recorders silently drop input.
func (r *Recorder) Record(o types.ProbeOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled {
		return
	}

	var rtt *int64
	if o.Outcome == types.Reply {
		v := o.RTTMicros
		rtt = &v
	}
	line := LogEvent{
		T: o.DispatchMicros - r.sessionStartMicros,
		I: o.TargetIndex,
		S: o.Sequence,
		R: rtt,
	}

	n, err := r.marshalledLen(line)
	if err != nil {
		r.degrade(err)
		return
	}
	if r.maxBytes > 0 && r.totalBytes+int64(n) > r.maxBytes {
		r.degrade(fmt.Errorf("log size cap of %d bytes reached", r.maxBytes))
		return
	}
	if err := r.writeLine(line); err != nil {
		r.degrade(err)
		return
	}
	r.bufferedBytes += n
	r.totalBytes += int64(n)

	if r.bufferedBytes >= flushBytesThreshold || time.Since(r.lastFlush) >= flushInterval {
		if err := r.flushLocked(); err != nil {
			r.degrade(err)
		}
	}
}

func (r *Recorder) marshalledLen(v any) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(b) + 1, nil
}

func (r *Recorder) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := r.w.Write(b); err != nil {
		return err
	}
	return r.w.WriteByte('\n')
}

func (r *Recorder) flushLocked() error {
	if err := r.w.Flush(); err != nil {
		return err
	}
	if err := r.gz.Flush(); err != nil {
		return err
	}
	r.bufferedBytes = 0
	r.lastFlush = time.Now()
	return nil
}

func (r *Recorder) degrade(cause error) {
	if r.disabled {
		return
	}
	r.disabled = true
	r.events.Record(types.Event{
		Type:      types.EventRecorderDegraded,
		Timestamp: time.Now(),
		Target:    -1,
		Message:   fmt.Sprintf("session recording disabled: %v", cause),
	})
}

// Close performs a full flush, writes the summary footer file from reg's
// final state (spec §4.5: "full flush + summary write on graceful
// shutdown"), and closes the log file.
func (r *Recorder) Close(reg *stats.Registry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var closeErr error
	if !r.disabled {
		if err := r.flushLocked(); err != nil {
			closeErr = err
		}
	}
	if err := r.gz.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	if err := r.file.Close(); err != nil && closeErr == nil {
		closeErr = err
	}

	if reg != nil {
		if err := r.writeSummary(reg); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}

func (r *Recorder) writeSummary(reg *stats.Registry) error {
	views := reg.Snapshot(0)
	summary := Summary{SessionID: r.sessionID, Start: r.start, End: time.Now()}
	for _, v := range views {
		summary.Targets = append(summary.Targets, TargetSummary{
			Idx:               v.Index,
			Label:             v.Label,
			Addr:              v.Addr,
			Sent:              v.Sent,
			Received:          v.Received,
			Losses:            v.Losses,
			MinRTTMicros:      v.MinRTTMicros,
			MaxRTTMicros:      v.MaxRTTMicros,
			MeanRTTMicros:     v.MeanRTTMicros,
			JitterMicros:      v.JitterMicros,
			P50Micros:         v.P50Micros,
			P95Micros:         v.P95Micros,
			CurrentLossStreak: v.CurrentLossStreak,
			LongestLossStreak: v.LongestLossStreak,
			MOS:               v.MOS,
			Grade:             string(v.Grade),
		})
	}

	name := formatTimestamp(r.start) + ".json.gz"
	path := filepath.Join(r.sessionsDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create session summary %q: %w", path, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()

	enc := json.NewEncoder(gz)
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write session summary: %w", err)
	}
	return nil
}

// LogPath returns the path of the log file being written.
func (r *Recorder) LogPath() string { return r.logPath }

// RunRecorder is the recorder worker: it consumes the bus until the
// channel closes or ctx is cancelled.
func RunRecorder(ctx context.Context, sub *bus.Subscription, rec *Recorder) {
	ch := sub.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-ch:
			if !ok {
				return
			}
			rec.Record(o)
		}
	}
}
