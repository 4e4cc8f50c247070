// Package pipeline runs the per-tick acquisition and detection cycle.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ChangLabUcsf/SpikeMemory/internal/acq"
	"github.com/ChangLabUcsf/SpikeMemory/internal/baseline"
	"github.com/ChangLabUcsf/SpikeMemory/internal/config"
	"github.com/ChangLabUcsf/SpikeMemory/internal/correlate"
	"github.com/ChangLabUcsf/SpikeMemory/internal/detect"
	"github.com/ChangLabUcsf/SpikeMemory/internal/events"
	"github.com/ChangLabUcsf/SpikeMemory/internal/fetch"
	"github.com/ChangLabUcsf/SpikeMemory/internal/metric"
	"github.com/ChangLabUcsf/SpikeMemory/internal/store"
	"github.com/ChangLabUcsf/SpikeMemory/internal/ws"
)

// Engine owns every history of one session and is their only writer.
type Engine struct {
	cfg         *config.Config
	sess        *acq.Session
	results     *store.Results
	corr        *correlate.Correlator
	broadcaster *ws.Broadcaster
	metrics     *metric.Metrics
	runID       string

	layout    events.Layout
	typeNames []string
	probes    []*probeStage
	aux       *auxStage

	paramsMu sync.RWMutex
	tunables detect.Tunables

	cycleMu    sync.Mutex
	cycles     atomic.Uint64
	overrunLog *rate.Limiter

	procMu sync.RWMutex
	proc   metric.ProcessStats
}

// NewEngine builds the fetch, filter and detection state for every stream
// of sess. b and m may be nil.
func NewEngine(ctx context.Context, cfg *config.Config, sess *acq.Session, b *ws.Broadcaster, m *metric.Metrics) (*Engine, error) {
	mode, err := config.ParseMode(cfg.Spikes.Mode)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metric.NewMetrics()
	}

	e := &Engine{
		cfg:         cfg,
		sess:        sess,
		broadcaster: b,
		metrics:     m,
		runID:       uuid.NewString(),
		layout:      events.Layout{AuxChannels: sess.Aux.Channels, DigitalChannel: sess.Aux.DigitalChannel()},
		overrunLog:  rate.NewLimiter(rate.Every(10*time.Second), 1),
		tunables: detect.Tunables{
			Mode:              detect.Mode(mode),
			AbsoluteThreshold: cfg.Spikes.AbsoluteThreshold,
			RMSMultiplier:     cfg.Spikes.RMSMultiplier,
		},
	}

	opts := fetch.Options{
		Tick:          cfg.Pipeline.Tick,
		CatchupFactor: cfg.Pipeline.CatchupFactor,
		Timeout:       cfg.Acquisition.FetchTimeout,
	}

	shape := store.Shape{EventTypes: e.layout.NumTypes()}
	for p, info := range sess.Probes {
		ps, err := newProbeStage(ctx, cfg, sess.Backend, p, info, opts)
		if err != nil {
			return nil, err
		}
		e.probes = append(e.probes, ps)
		shape.ProbeChannels = append(shape.ProbeChannels, info.Channels)
	}

	windows := make([]correlate.Window, e.layout.NumTypes())
	e.typeNames = make([]string, len(windows))
	for t := range windows {
		name, _, pre, post := cfg.Events.EventWindow(t)
		if name == "" {
			name = e.layout.TypeName(t)
		}
		e.typeNames[t] = name
		windows[t] = correlate.Window{PreMs: pre, PostMs: post}
	}

	e.aux, err = newAuxStage(ctx, cfg, sess.Backend, sess.Aux, e.layout, opts)
	if err != nil {
		return nil, err
	}

	e.results = store.New(shape)
	e.corr = correlate.New(windows)

	if b != nil {
		b.SetSnapshotHook(e.Snapshot)
		b.SetClientHook(func(n int) { e.metrics.Clients.Set(float64(n)) })
	}
	return e, nil
}

// Start runs a cycle immediately and then on every tick until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Pipeline.Tick)
	defer ticker.Stop()

	log.Printf("[pipeline] run %s started: %d probe(s), tick %s", e.runID, len(e.probes), e.cfg.Pipeline.Tick)

	e.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[pipeline] run %s stopped after %d cycles", e.runID, e.cycles.Load())
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// Close releases the session.
func (e *Engine) Close() error {
	return e.sess.Close()
}

// RunCycle fetches, detects, correlates and publishes once. Cycles never
// overlap.
func (e *Engine) RunCycle(ctx context.Context) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	params := e.Tunables().Params()

	batch := store.Batch{
		Spikes:    make([][][]detect.Spike, len(e.probes)),
		Waveforms: make([][]*detect.Waveform, len(e.probes)),
		Baselines: make(map[string]baseline.Stats),
	}

	for _, ps := range e.probes {
		e.guard(ps.stream, func() { e.runProbe(ctx, ps, params, &batch) })
	}
	e.guard(e.aux.stream, func() { e.runAux(ctx, &batch) })

	eventHorizon := e.aux.horizonMs()
	threshold := e.healthThreshold()
	horizon := math.Inf(1)
	batch.ProbeHorizonsMs = make([]float64, len(e.probes))
	for i, ps := range e.probes {
		h := ps.horizonMs()
		// A failed probe stops holding events open; its windows close on
		// the aux clock instead.
		if ps.stream.Health.Status(threshold) == fetch.StatusFailed {
			h = math.Max(h, eventHorizon)
		}
		batch.ProbeHorizonsMs[i] = h
		horizon = math.Min(horizon, h)
	}
	if math.IsInf(horizon, 1) {
		horizon = eventHorizon
	}
	batch.HorizonMs = horizon
	batch.EventHorizonMs = eventHorizon

	e.results.Commit(batch, e.corr.Run, e.publish)
	for _, ev := range batch.Events {
		e.metrics.RecordEvent(e.typeNames[ev.Type])
	}

	e.emitHealth()
	e.cycles.Add(1)

	d := time.Since(start)
	e.metrics.RecordCycle(d, e.cfg.Pipeline.Tick)
	if d > e.cfg.Pipeline.Tick && e.overrunLog.Allow() {
		log.Printf("[pipeline] cycle took %s (tick %s)", d.Round(time.Microsecond), e.cfg.Pipeline.Tick)
	}
}

// guard runs one stream's stages, recording a panic as a stream failure so
// the other streams still run.
func (e *Engine) guard(s *fetch.Stream, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			log.Printf("[%s] %v", s.Info.ID, err)
			s.Health.RecordPanic(err)
		}
	}()
	fn()
}

func (e *Engine) publish(d store.Delta) {
	if e.broadcaster != nil {
		e.broadcaster.QueueDelta(d)
	}
}

func (e *Engine) streams() []*fetch.Stream {
	out := make([]*fetch.Stream, 0, len(e.probes)+1)
	for _, ps := range e.probes {
		out = append(out, ps.stream)
	}
	return append(out, e.aux.stream)
}

func (e *Engine) emitHealth() {
	threshold := e.healthThreshold()
	for _, s := range e.streams() {
		snap, changed := s.Health.SnapshotAndEmit(threshold)
		if !changed {
			continue
		}
		e.metrics.RecordStreamStatus(snap.Stream, statusLevel(snap.Status))
		if e.broadcaster != nil {
			e.broadcaster.BroadcastHealth(snap)
		}
		log.Printf("[%s] health status: %s (failures=%d, gaps=%d)", snap.Stream, snap.Status, snap.Failures, snap.Gaps)
	}
}

func (e *Engine) healthThreshold() int {
	if t := e.cfg.Pipeline.HealthThreshold; t > 0 {
		return t
	}
	return config.DefaultHealthFailures
}

func statusLevel(s fetch.Status) int {
	switch s {
	case fetch.StatusDegraded:
		return 1
	case fetch.StatusFailed:
		return 2
	}
	return 0
}

// Tunables returns the live detection parameters.
func (e *Engine) Tunables() detect.Tunables {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	return e.tunables
}

// UpdateTunables applies fn under the lock and returns the result. The
// change takes effect at the next cycle.
func (e *Engine) UpdateTunables(fn func(*detect.Tunables)) detect.Tunables {
	e.paramsMu.Lock()
	defer e.paramsMu.Unlock()
	fn(&e.tunables)
	return e.tunables
}

// SetParams sets the mode and that mode's threshold.
func (e *Engine) SetParams(p detect.Params) {
	e.UpdateTunables(func(t *detect.Tunables) {
		t.Mode = p.Mode
		t.SetThreshold(p.Threshold)
	})
}

// SetProcessStats records the latest resource sample for snapshots.
func (e *Engine) SetProcessStats(s metric.ProcessStats) {
	e.procMu.Lock()
	e.proc = s
	e.procMu.Unlock()
	e.metrics.RecordProcess(s)
}

func (e *Engine) Results() *store.Results { return e.results }

func (e *Engine) RunID() string { return e.runID }

func (e *Engine) Cycles() uint64 { return e.cycles.Load() }

// EventTypeNames returns the label of every event type.
func (e *Engine) EventTypeNames() []string {
	return append([]string(nil), e.typeNames...)
}

// Streams describes the session for /api/streams.
func (e *Engine) Streams() ws.StreamsPayload {
	p := ws.StreamsPayload{
		Probes:     append([]acq.StreamInfo(nil), e.sess.Probes...),
		Aux:        e.sess.Aux,
		EventTypes: e.EventTypeNames(),
	}
	for i := range e.sess.Probes {
		p.ChannelOrder = append(p.ChannelOrder, e.sess.ChannelOrder(i))
	}
	return p
}

// Snapshot builds the periodic summary message.
func (e *Engine) Snapshot() ws.SnapshotPayload {
	threshold := e.healthThreshold()
	var health []fetch.HealthSnapshot
	for _, s := range e.streams() {
		health = append(health, s.Health.Snapshot(threshold))
	}

	e.procMu.RLock()
	proc := e.proc
	e.procMu.RUnlock()

	return ws.SnapshotPayload{
		RunID:     e.runID,
		Cycles:    e.cycles.Load(),
		Params:    e.Tunables(),
		Summary:   e.results.Summary(),
		Health:    health,
		Process:   proc,
		Timestamp: time.Now(),
	}
}
