// Package stats implements the per-target rolling statistics core: online
// mean/variance, RFC 3550 jitter smoothing, bounded history with exact
// percentiles, loss-streak accounting, and MOS/grade scoring.
package stats

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ptop-hq/ptop/pkg/types"
)

const defaultHistorySize = 300

// target holds one target's mutable rolling state behind its own mutex, so
// a snapshot read never blocks other targets (spec: short per-target
// critical sections, not a global lock).
type target struct {
	mu sync.Mutex

	index    int
	label    string
	addr     string
	state    types.TargetState
	interval time.Duration

	sent     uint64
	received uint64

	lastRTT int64
	minRTT  int64
	maxRTT  int64
	mean    float64
	m2      float64

	jitter       float64
	prevRTT      int64
	havePrevRTT  bool

	currentStreak uint64
	longestStreak uint64

	history    []types.HistorySample
	historyCap int
	histHead   int
	histLen    int
}

func newTarget(index int, label, addr string, interval time.Duration, historyCap int) *target {
	if historyCap <= 0 {
		historyCap = defaultHistorySize
	}
	return &target{
		index:      index,
		label:      label,
		addr:       addr,
		interval:   interval,
		historyCap: historyCap,
		history:    make([]types.HistorySample, historyCap),
	}
}

// ingest applies one outcome. Must be called with outcomes for this target
// in strictly increasing sequence order.
func (t *target) ingest(o types.ProbeOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sent++

	sample := types.HistorySample{}
	if o.Outcome == types.Reply {
		if t.currentStreak > t.longestStreak {
			t.longestStreak = t.currentStreak
		}
		t.currentStreak = 0

		t.received++
		rtt := o.RTTMicros
		t.lastRTT = rtt
		if t.received == 1 {
			t.minRTT, t.maxRTT = rtt, rtt
		} else {
			if rtt < t.minRTT {
				t.minRTT = rtt
			}
			if rtt > t.maxRTT {
				t.maxRTT = rtt
			}
		}

		// Welford's online mean/variance, RTT in microseconds.
		delta := float64(rtt) - t.mean
		t.mean += delta / float64(t.received)
		delta2 := float64(rtt) - t.mean
		t.m2 += delta * delta2

		if t.havePrevRTT {
			d := math.Abs(float64(rtt - t.prevRTT))
			t.jitter += (d - t.jitter) / 16
		}
		t.prevRTT = rtt
		t.havePrevRTT = true

		sample.Reply = true
		sample.RTTMicros = rtt
	} else {
		t.currentStreak++
		t.havePrevRTT = false
	}

	t.history[(t.histHead+t.histLen)%t.historyCap] = sample
	if t.histLen < t.historyCap {
		t.histLen++
	} else {
		t.histHead = (t.histHead + 1) % t.historyCap
	}
}

func (t *target) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sent, t.received = 0, 0
	t.lastRTT, t.minRTT, t.maxRTT = 0, 0, 0
	t.mean, t.m2 = 0, 0
	t.jitter, t.prevRTT, t.havePrevRTT = 0, 0, false
	t.currentStreak, t.longestStreak = 0, 0
	t.histHead, t.histLen = 0, 0
	t.history = make([]types.HistorySample, t.historyCap)
}

func (t *target) setState(s types.TargetState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// variance returns the population variance derived from Welford's M2.
func (t *target) variance() float64 {
	if t.received == 0 {
		return 0
	}
	return t.m2 / float64(t.received)
}

// mos computes the simplified E-model MOS score per the spec formula.
func (t *target) mos() float64 {
	avgRTTMs := t.mean / 1000
	jitterMs := t.jitter / 1000
	leff := avgRTTMs/2 + jitterMs*2

	var r float64
	if leff <= 160 {
		r = 93.2 - leff/40
	} else {
		r = 93.2 - (leff-120)/10
	}

	lossPct := float64(0)
	if t.sent > 0 {
		lossPct = float64(t.sent-t.received) / float64(t.sent) * 100
	}
	r -= lossPct * 2.5

	var mos float64
	switch {
	case r < 0:
		mos = 1.0
	case r > 100:
		mos = 4.5
	default:
		mos = 1 + 0.035*r + r*(r-60)*(100-r)*7e-6
	}

	if mos < 1.0 {
		mos = 1.0
	}
	if mos > 4.5 {
		mos = 4.5
	}
	return math.Round(mos*100) / 100
}

// percentiles returns exact P50/P95 over the reply RTTs currently in the
// bounded history, computed by sorting a snapshot (the ring is small enough
// that O(N log N) per redraw beats an approximate structure that drifts).
func (t *target) percentiles() (p50, p95 int64) {
	rtts := make([]int64, 0, t.histLen)
	for i := 0; i < t.histLen; i++ {
		s := t.history[(t.histHead+i)%t.historyCap]
		if s.Reply {
			rtts = append(rtts, s.RTTMicros)
		}
	}
	if len(rtts) == 0 {
		return 0, 0
	}
	sort.Slice(rtts, func(i, j int) bool { return rtts[i] < rtts[j] })
	p50 = rtts[percentileIndex(len(rtts), 0.50)]
	p95 = rtts[percentileIndex(len(rtts), 0.95)]
	return p50, p95
}

func percentileIndex(n int, p float64) int {
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// snapshot copies the target's state into a rendering-safe TargetView under
// a single short critical section, returning the most recent limit samples.
func (t *target) snapshot(limit int) types.TargetView {
	t.mu.Lock()
	defer t.mu.Unlock()

	p50, p95 := t.percentiles()

	var history []types.HistorySample
	n := t.histLen
	if limit > 0 && limit < n {
		n = limit
	}
	if n > 0 {
		history = make([]types.HistorySample, n)
		start := t.histLen - n
		for i := 0; i < n; i++ {
			history[i] = t.history[(t.histHead+start+i)%t.historyCap]
		}
	}

	mos := t.mos()
	return types.TargetView{
		Index:             t.index,
		Label:             t.label,
		Addr:              t.addr,
		State:             t.state,
		Interval:          t.interval,
		Sent:              t.sent,
		Received:          t.received,
		Losses:            t.sent - t.received,
		LastRTTMicros:     t.lastRTT,
		MinRTTMicros:      t.minRTT,
		MaxRTTMicros:      t.maxRTT,
		MeanRTTMicros:     t.mean,
		VarianceMicros2:   t.variance(),
		JitterMicros:      t.jitter,
		CurrentLossStreak: t.currentStreak,
		LongestLossStreak: t.longestStreak,
		P50Micros:         p50,
		P95Micros:         p95,
		MOS:               mos,
		Grade:             types.GradeFromMOS(mos),
		History:           history,
	}
}
