package session

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ptop-hq/ptop/internal/bus"
	"github.com/ptop-hq/ptop/internal/stats"
	"github.com/ptop-hq/ptop/pkg/types"
)

func writeTestLog(t *testing.T, path string, header LogHeader, events []LogEvent, truncate bool) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	w := bufio.NewWriter(gz)

	enc := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	enc(header)
	for _, ev := range events {
		enc(ev)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}

	data := buf.Bytes()
	if truncate {
		data = data[:len(data)-4]
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		t.Fatalf("write log: %v", err)
	}
}

func sampleHeader(start time.Time) LogHeader {
	return LogHeader{
		V:     logFormatVersion,
		Start: start.UTC().Format(time.RFC3339Nano),
		Targets: []LogTarget{
			{Idx: 0, Label: "a", Addr: "10.0.0.1"},
		},
	}
}

func rttEvent(t int64, seq uint16, rtt int64) LogEvent {
	v := rtt
	return LogEvent{T: t, I: 0, S: seq, R: &v}
}

func lossEvent(t int64, seq uint16) LogEvent {
	return LogEvent{T: t, I: 0, S: seq, R: nil}
}

func TestLoadDecodesHeaderAndEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.jsonl.gz")
	start := time.Now()
	events := []LogEvent{rttEvent(0, 0, 10_000), lossEvent(1_000_000, 1), rttEvent(2_000_000, 2, 12_000)}
	writeTestLog(t, path, sampleHeader(start), events, false)

	src, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(src.Targets()) != 1 || src.Targets()[0].Label != "a" {
		t.Fatalf("unexpected targets: %+v", src.Targets())
	}
	if src.Malformed() != 0 || src.Truncated() {
		t.Fatalf("expected clean load, got malformed=%d truncated=%v", src.Malformed(), src.Truncated())
	}
	if len(src.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(src.events))
	}
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jsonl.gz")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	w := bufio.NewWriter(gz)
	h, _ := json.Marshal(sampleHeader(time.Now()))
	w.Write(h)
	w.WriteByte('\n')
	w.WriteString("not json\n")
	good, _ := json.Marshal(rttEvent(0, 0, 5000))
	w.Write(good)
	w.WriteByte('\n')
	w.Flush()
	gz.Close()
	os.WriteFile(path, buf.Bytes(), 0o640)

	src, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src.Malformed() != 1 {
		t.Fatalf("expected 1 malformed line, got %d", src.Malformed())
	}
	if len(src.events) != 1 {
		t.Fatalf("expected 1 well-formed event to survive, got %d", len(src.events))
	}
}

func TestLoadDetectsTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trunc.jsonl.gz")
	events := make([]LogEvent, 50)
	for i := range events {
		events[i] = rttEvent(int64(i)*1_000_000, uint16(i), 10_000)
	}
	writeTestLog(t, path, sampleHeader(time.Now()), events, true)

	src, err := Load(path)
	if err != nil {
		t.Fatalf("Load should tolerate truncation, got error: %v", err)
	}
	if !src.Truncated() {
		t.Fatalf("expected truncation to be detected")
	}
}

func TestLoadRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.jsonl.gz")
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Close()
	os.WriteFile(path, buf.Bytes(), 0o640)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error loading a header-less log")
	}
}

func newTestSource(t *testing.T, events []LogEvent) (*Source, *bus.Bus, *stats.Registry) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl.gz")
	start := time.Now()
	writeTestLog(t, path, sampleHeader(start), events, false)

	src, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	b := bus.New(8)
	reg := stats.NewRegistry(0)
	for _, tgt := range src.Targets() {
		reg.AddTarget(tgt.Idx, tgt.Label, tgt.Addr, time.Second)
	}
	src.Attach(b, reg)
	return src, b, reg
}

func TestStepPublishesDueEventsOnly(t *testing.T) {
	events := []LogEvent{rttEvent(0, 0, 10_000), rttEvent(500_000, 1, 11_000)}
	src, b, _ := newTestSource(t, events)
	sub := b.Subscribe()

	fakeNow := time.Now()
	src.now = func() time.Time { return fakeNow }
	src.Start()

	if finished := src.Step(); finished {
		t.Fatalf("did not expect finished after first due event only")
	}
	select {
	case o := <-sub.Receive():
		if o.Sequence != 0 {
			t.Fatalf("expected sequence 0 first, got %d", o.Sequence)
		}
	default:
		t.Fatalf("expected the t=0 event to already be due")
	}

	fakeNow = fakeNow.Add(600 * time.Millisecond)
	if finished := src.Step(); !finished {
		t.Fatalf("expected finished after all events published")
	}
	select {
	case o := <-sub.Receive():
		if o.Sequence != 1 {
			t.Fatalf("expected sequence 1, got %d", o.Sequence)
		}
	default:
		t.Fatalf("expected the second event to become due")
	}
}

func TestPauseFreezesVirtualTime(t *testing.T) {
	events := []LogEvent{rttEvent(0, 0, 10_000), rttEvent(1_000_000, 1, 11_000)}
	src, _, _ := newTestSource(t, events)

	fakeNow := time.Now()
	src.now = func() time.Time { return fakeNow }
	src.Start()

	fakeNow = fakeNow.Add(2 * time.Second)
	src.Pause()

	before := src.virtualNowLocked()
	fakeNow = fakeNow.Add(5 * time.Second)
	after := src.virtualNowLocked()
	if before != after {
		t.Fatalf("expected virtual time frozen while paused: before=%d after=%d", before, after)
	}

	src.Resume()
	fakeNow = fakeNow.Add(1 * time.Second)
	resumed := src.virtualNowLocked()
	if resumed <= after {
		t.Fatalf("expected virtual time to advance after resume: after=%d resumed=%d", after, resumed)
	}
}

func TestSetSpeedDoesNotJumpVirtualTime(t *testing.T) {
	src, _, _ := newTestSource(t, []LogEvent{rttEvent(0, 0, 10_000)})

	fakeNow := time.Now()
	src.now = func() time.Time { return fakeNow }
	src.Start()

	fakeNow = fakeNow.Add(1 * time.Second)
	beforeSpeedChange := src.virtualNowLocked()
	src.SetSpeed(10)
	immediatelyAfter := src.virtualNowLocked()
	if immediatelyAfter != beforeSpeedChange {
		t.Fatalf("expected no jump at the instant of a speed change: before=%d after=%d", beforeSpeedChange, immediatelyAfter)
	}

	fakeNow = fakeNow.Add(1 * time.Second)
	afterOneSecond := src.virtualNowLocked()
	if afterOneSecond-immediatelyAfter < 9_000_000 {
		t.Fatalf("expected roughly 10x virtual advance at speed 10, got delta %d", afterOneSecond-immediatelyAfter)
	}
}

func TestSetSpeedClampsToBounds(t *testing.T) {
	src, _, _ := newTestSource(t, []LogEvent{rttEvent(0, 0, 10_000)})
	src.SetSpeed(1000)
	if got := src.Speed(); got != MaxSpeed {
		t.Fatalf("expected speed clamped to %v, got %v", MaxSpeed, got)
	}
	src.SetSpeed(0.0001)
	if got := src.Speed(); got != MinSpeed {
		t.Fatalf("expected speed clamped to %v, got %v", MinSpeed, got)
	}
}

func TestSeekReingestsRegistryWithoutTouchingBus(t *testing.T) {
	events := []LogEvent{
		rttEvent(0, 0, 10_000),
		rttEvent(1_000_000, 1, 20_000),
		lossEvent(2_000_000, 2),
	}
	src, b, reg := newTestSource(t, events)
	sub := b.Subscribe()

	src.Seek(2)

	view, ok := reg.View(0, 0)
	if !ok {
		t.Fatalf("expected target 0 to be registered")
	}
	if view.Sent != 2 || view.Received != 2 {
		t.Fatalf("expected registry to reflect first 2 events, got sent=%d received=%d", view.Sent, view.Received)
	}

	select {
	case <-sub.Receive():
		t.Fatalf("seek must not publish onto the bus")
	default:
	}

	if src.cursor != 2 {
		t.Fatalf("expected cursor at 2, got %d", src.cursor)
	}
}

func TestSeekBackwardRebuildsFromScratch(t *testing.T) {
	events := []LogEvent{
		rttEvent(0, 0, 10_000),
		rttEvent(1_000_000, 1, 20_000),
		rttEvent(2_000_000, 2, 30_000),
	}
	src, _, reg := newTestSource(t, events)

	src.Seek(3)
	src.SeekBackward()

	view, _ := reg.View(0, 0)
	if view.Sent != 0 {
		t.Fatalf("expected sent=0 after seeking back by %d from cursor 3, got %d", SeekGranularity, view.Sent)
	}
}

func TestSeekClampsToEventBounds(t *testing.T) {
	src, _, _ := newTestSource(t, []LogEvent{rttEvent(0, 0, 10_000), rttEvent(1_000_000, 1, 20_000)})

	src.SeekBackward()
	if src.cursor != 0 {
		t.Fatalf("expected cursor clamped to 0, got %d", src.cursor)
	}

	src.SeekForward()
	src.SeekForward()
	if src.cursor != len(src.events) {
		t.Fatalf("expected cursor clamped to len(events)=%d, got %d", len(src.events), src.cursor)
	}
}

func TestFinishedReflectsCursorPosition(t *testing.T) {
	src, _, _ := newTestSource(t, []LogEvent{rttEvent(0, 0, 10_000)})
	if src.Finished() {
		t.Fatalf("expected not finished before any step")
	}
	fakeNow := time.Now()
	src.now = func() time.Time { return fakeNow }
	src.Start()
	src.Step()
	if !src.Finished() {
		t.Fatalf("expected finished after the only event was published")
	}
}

func TestToOutcomeConvertsRelativeToAbsolute(t *testing.T) {
	src, _, _ := newTestSource(t, nil)
	src.startMicros = 1_000_000_000
	ev := rttEvent(500_000, 7, 12_345)
	out := src.toOutcome(ev, src.startMicros)
	if out.DispatchMicros != 1_000_500_000 {
		t.Fatalf("expected absolute dispatch micros, got %d", out.DispatchMicros)
	}
	if out.Outcome != types.Reply || out.RTTMicros != 12_345 {
		t.Fatalf("expected reply outcome with rtt preserved, got %+v", out)
	}
}
