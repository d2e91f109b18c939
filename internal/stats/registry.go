package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/ptop-hq/ptop/pkg/types"
)

// Registry owns every target's rolling statistics. It is the sole mutator
// (the aggregator worker calls Ingest); readers (the renderer, tests) call
// Snapshot for a consistent point-in-time copy.
type Registry struct {
	mu          sync.RWMutex
	targets     map[int]*target
	order       []int
	historyCap  int
}

// NewRegistry constructs an empty registry. historyCap is the bounded
// history length N (default 300 per target when <= 0).
func NewRegistry(historyCap int) *Registry {
	return &Registry{
		targets:    make(map[int]*target),
		historyCap: historyCap,
	}
}

// AddTarget registers a new target index. Re-adding an existing index is a
// no-op; target identity, once created, is never destroyed during a session.
func (r *Registry) AddTarget(index int, label, addr string, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[index]; ok {
		return
	}
	r.targets[index] = newTarget(index, label, addr, interval, r.historyCap)
	r.order = append(r.order, index)
}

// SetState updates a target's resolution state without touching its stats.
func (r *Registry) SetState(index int, state types.TargetState) {
	r.mu.RLock()
	t, ok := r.targets[index]
	r.mu.RUnlock()
	if ok {
		t.setState(state)
	}
}

// Ingest applies one outcome to its target's rolling state. Safe to call
// concurrently for different targets; outcomes for the same target must
// arrive in sequence order (guaranteed by the bus).
func (r *Registry) Ingest(o types.ProbeOutcome) {
	r.mu.RLock()
	t, ok := r.targets[o.TargetIndex]
	r.mu.RUnlock()
	if !ok {
		return
	}
	t.ingest(o)
}

// Reset clears one target's counters and history, preserving identity and
// its in-flight sequence numbering: the probe engine does not roll the
// next sequence number back to zero on reset, only the stats registry's
// view of the target is cleared here.
func (r *Registry) Reset(index int) {
	r.mu.RLock()
	t, ok := r.targets[index]
	r.mu.RUnlock()
	if ok {
		t.reset()
	}
}

// Snapshot returns a TargetView per registered target, ordered by target
// index, each with up to historyLimit of its most recent history samples.
func (r *Registry) Snapshot(historyLimit int) []types.TargetView {
	r.mu.RLock()
	order := append([]int(nil), r.order...)
	targets := make([]*target, 0, len(order))
	for _, idx := range order {
		targets = append(targets, r.targets[idx])
	}
	r.mu.RUnlock()

	views := make([]types.TargetView, 0, len(targets))
	for _, t := range targets {
		views = append(views, t.snapshot(historyLimit))
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].Index < views[j].Index })
	return views
}

// View returns a single target's current snapshot, or false if unknown.
func (r *Registry) View(index int, historyLimit int) (types.TargetView, bool) {
	r.mu.RLock()
	t, ok := r.targets[index]
	r.mu.RUnlock()
	if !ok {
		return types.TargetView{}, false
	}
	return t.snapshot(historyLimit), true
}
