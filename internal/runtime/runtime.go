// Package runtime wires the probe engine, bus, stats aggregator, and
// session recorder into one supervised group of goroutines, and offers
// the equivalent wiring for replay sessions.
package runtime

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ptop-hq/ptop/internal/bus"
	"github.com/ptop-hq/ptop/internal/events"
	"github.com/ptop-hq/ptop/internal/metrics"
	"github.com/ptop-hq/ptop/internal/probeengine"
	"github.com/ptop-hq/ptop/internal/session"
	"github.com/ptop-hq/ptop/internal/stats"
	"github.com/ptop-hq/ptop/internal/transport"
	"github.com/ptop-hq/ptop/pkg/types"
)

// summaryInterval is the cadence of the periodic per-target summary log
// line (SPEC_FULL.md supplemented feature).
const summaryInterval = 60 * time.Second

type config struct {
	busCapacity int
	historyCap  int
	logger      *log.Logger
	now         func() time.Time
	events      events.Recorder
	recorder    *session.Recorder
	metrics     *metrics.Store
}

// Option customizes a Runtime at construction.
type Option func(*config)

func WithBusCapacity(capacity int) Option {
	return func(c *config) {
		if capacity > 0 {
			c.busCapacity = capacity
		}
	}
}

func WithHistoryCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.historyCap = n
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

func WithEventRecorder(rec events.Recorder) Option {
	return func(c *config) {
		if rec != nil {
			c.events = rec
		}
	}
}

// WithSessionRecorder attaches a session recorder that consumes the bus
// alongside the stats aggregator.
func WithSessionRecorder(rec *session.Recorder) Option {
	return func(c *config) {
		c.recorder = rec
	}
}

// WithMetrics attaches the degradation counter store, read out into each
// periodic summary log line.
func WithMetrics(m *metrics.Store) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// Runtime supervises one live-capture session: the coordinator (sole bus
// producer), the stats aggregator, and an optional session recorder, each
// consuming its own bus subscription (spec §5). The bus blocks on its
// slowest subscriber, so a recorder that stalls long enough to fill its
// channel also holds back the aggregator.
type Runtime struct {
	bus       *bus.Bus
	registry  *stats.Registry
	coord     *probeengine.Coordinator
	recorder  *session.Recorder
	transport transport.Transport
	logger    *log.Logger
	metrics   *metrics.Store
}

// New constructs a Runtime over the given, already opened transport and
// target specs.
func New(tr transport.Transport, specs []probeengine.TargetSpec, opts ...Option) *Runtime {
	cfg := config{
		busCapacity: 1024,
		historyCap:  300,
		logger:      log.Default(),
		now:         time.Now,
		events:      events.NoopRecorder{},
	}
	for _, o := range opts {
		o(&cfg)
	}

	b := bus.New(cfg.busCapacity)
	reg := stats.NewRegistry(cfg.historyCap)
	coord := probeengine.New(tr, b, reg, specs,
		probeengine.WithNow(cfg.now),
		probeengine.WithEventRecorder(cfg.events))

	return &Runtime{
		bus:       b,
		registry:  reg,
		coord:     coord,
		recorder:  cfg.recorder,
		transport: tr,
		logger:    cfg.logger,
		metrics:   cfg.metrics,
	}
}

// Registry exposes the stats registry for the renderer and command
// dispatcher.
func (r *Runtime) Registry() *stats.Registry { return r.registry }

// Coordinator exposes the probe coordinator for reset/add commands.
func (r *Runtime) Coordinator() *probeengine.Coordinator { return r.coord }

// Run starts every worker under an errgroup and blocks until every worker
// returns. The workers stop when ctx is cancelled: the coordinator then
// closes the bus, which ends the consumers once they have drained it.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	aggregatorSub := r.bus.Subscribe()
	var recorderSub *bus.Subscription
	if r.recorder != nil {
		recorderSub = r.bus.Subscribe()
	}

	g.Go(func() error {
		r.coord.Run(ctx)
		return nil
	})
	g.Go(func() error {
		stats.RunAggregator(ctx, aggregatorSub, r.registry)
		return nil
	})
	if r.recorder != nil {
		g.Go(func() error {
			session.RunRecorder(ctx, recorderSub, r.recorder)
			return nil
		})
	}
	g.Go(func() error {
		r.runSummaryLogger(ctx)
		return nil
	})

	err := g.Wait()
	closeErr := r.transport.Close()
	if err == nil {
		err = closeErr
	}
	if r.recorder != nil {
		if cerr := r.recorder.Close(r.registry); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// runSummaryLogger writes a per-target summary line every summaryInterval
// (SPEC_FULL.md's supplemented periodic-observability feature), plus a
// degradation-counter line when a metrics store was attached, so the
// events fed through it don't only ever reach a counter nobody reads.
func (r *Runtime) runSummaryLogger(ctx context.Context) {
	ticker := time.NewTicker(summaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logSummary()
		}
	}
}

func (r *Runtime) logSummary() {
	for _, v := range r.registry.Snapshot(0) {
		r.logger.Printf("summary target=%d label=%s sent=%d received=%d loss=%.1f%% avg=%.1fms p95=%.1fms mos=%.2f grade=%s",
			v.Index, v.Label, v.Sent, v.Received, v.LossPercent(), v.MeanRTTMicros/1000.0, float64(v.P95Micros)/1000.0, v.MOS, v.Grade)
	}
	if r.metrics != nil {
		snap := r.metrics.Snapshot()
		r.logger.Printf("degradation recorder_disabled=%d replay_malformed=%d replay_truncated=%d socket_unavailable=%d target_unresolved=%d",
			snap.RecorderDegraded, snap.ReplayMalformed, snap.ReplayTruncated, snap.SocketUnavailable, snap.TargetUnresolved)
	}
}

// ReplayRuntime supervises a replay session: the replay source (sole bus
// producer) and the stats aggregator.
type ReplayRuntime struct {
	bus      *bus.Bus
	registry *stats.Registry
	source   *session.Source
	events   events.Recorder
}

// NewReplay constructs a ReplayRuntime from an already-loaded source. The
// registry is pre-populated with the source's targets so playback and
// seeks have somewhere to land.
func NewReplay(src *session.Source, historyCap int, rec events.Recorder) *ReplayRuntime {
	if historyCap <= 0 {
		historyCap = 300
	}
	if rec == nil {
		rec = events.NoopRecorder{}
	}
	b := bus.New(1024)
	reg := stats.NewRegistry(historyCap)
	for _, t := range src.Targets() {
		reg.AddTarget(t.Idx, t.Label, t.Addr, 0)
		reg.SetState(t.Idx, types.TargetResolved)
	}
	src.Attach(b, reg)
	return &ReplayRuntime{bus: b, registry: reg, source: src, events: rec}
}

func (r *ReplayRuntime) Registry() *stats.Registry { return r.registry }
func (r *ReplayRuntime) Source() *session.Source   { return r.source }

// Run drives the replay source and stats aggregator until playback
// completes or ctx is cancelled.
func (r *ReplayRuntime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	sub := r.bus.Subscribe()

	g.Go(func() error {
		session.RunReplay(ctx, r.source, r.events)
		r.bus.Close()
		return nil
	})
	g.Go(func() error {
		stats.RunAggregator(ctx, sub, r.registry)
		return nil
	})

	return g.Wait()
}
