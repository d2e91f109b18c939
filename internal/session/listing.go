package session

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ptop-hq/ptop/internal/events"
	"github.com/ptop-hq/ptop/pkg/types"
)

// FileInfo describes one log or session file for --list-logs output.
type FileInfo struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// SizeString renders Size using FormatBytes.
func (f FileInfo) SizeString() string { return FormatBytes(f.Size) }

// ListLogs returns every recorded session log under dir, newest first.
func ListLogs(dir string) ([]FileInfo, error) {
	return listDir(dir, ".jsonl.gz")
}

// ListSessions returns every session summary under dir, newest first.
func ListSessions(dir string) ([]FileInfo, error) {
	return listDir(dir, ".json.gz")
}

func listDir(dir, suffix string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []FileInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == "" {
			continue
		}
		if len(e.Name()) < len(suffix) || e.Name()[len(e.Name())-len(suffix):] != suffix {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// RunReplay drives a loaded Source to completion on a fixed polling
// cadence, reporting malformed/truncated conditions and completion via
// the event recorder (spec §7).
func RunReplay(ctx context.Context, src *Source, rec events.Recorder) {
	if rec == nil {
		rec = events.NoopRecorder{}
	}
	if n := src.Malformed(); n > 0 {
		rec.Record(types.Event{Type: types.EventReplayMalformed, Timestamp: time.Now(), Target: -1,
			Message: "skipped malformed log lines during load"})
	}
	if src.Truncated() {
		rec.Record(types.Event{Type: types.EventReplayTruncated, Timestamp: time.Now(), Target: -1,
			Message: "log file ended unexpectedly; replay stops at last complete event"})
	}

	src.Start()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if src.Step() {
				rec.Record(types.Event{Type: types.EventReplayFinished, Timestamp: time.Now(), Target: -1})
				return
			}
		}
	}
}
