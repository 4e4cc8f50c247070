package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChangLabUcsf/SpikeMemory/internal/acq"
	"github.com/ChangLabUcsf/SpikeMemory/internal/baseline"
	"github.com/ChangLabUcsf/SpikeMemory/internal/config"
	"github.com/ChangLabUcsf/SpikeMemory/internal/detect"
	"github.com/ChangLabUcsf/SpikeMemory/internal/dsp"
	"github.com/ChangLabUcsf/SpikeMemory/internal/events"
	"github.com/ChangLabUcsf/SpikeMemory/internal/fetch"
	"github.com/ChangLabUcsf/SpikeMemory/internal/store"
)

type probeStage struct {
	index  int
	stream *fetch.Stream
	filter *dsp.Filter
	base   *baseline.Estimator
	det    *detect.Detector
	errLog *rate.Limiter
}

func newProbeStage(ctx context.Context, cfg *config.Config, b acq.Backend, index int, info acq.StreamInfo, opts fetch.Options) (*probeStage, error) {
	s, err := fetch.NewStream(ctx, b, info, opts)
	if err != nil {
		return nil, err
	}
	ds := max(info.Downsample, 1)
	return &probeStage{
		index:  index,
		stream: s,
		filter: dsp.NewFilter(cfg.Pipeline.HighpassHz, info.SampleRate/float64(ds), info.Channels),
		base:   baseline.New(info.Channels),
		det:    detect.New(info.SampleRate, ds, info.Channels, cfg.Spikes.WaveformHalfWidthS, cfg.Spikes.RefractoryS),
		errLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}, nil
}

// horizonMs is the time of the last consumed scan.
func (ps *probeStage) horizonMs() float64 {
	return scanTimeMs(ps.stream.LastRead(), ps.stream.Info.SampleRate)
}

func (e *Engine) runProbe(ctx context.Context, ps *probeStage, params detect.Params, batch *store.Batch) {
	id := ps.stream.Info.ID.String()
	w, ok := e.next(ctx, ps.stream, ps.errLog)
	if !ok {
		return
	}

	if w.Gap {
		ps.filter.Reset()
		ps.det.Reset()
	}
	ps.filter.ApplyBlock(w.Data, w.Count, w.Channels)
	if w.Gap {
		dsp.ZeroTransient(w.Data, w.Count, w.Channels)
	}

	primed := false
	if !ps.base.Primed() {
		primed = ps.base.Update(w.Data, w.Count, w.Channels)
		log.Printf("[%s] baseline primed from %d scans", id, w.Count)
	}

	res := ps.det.Detect(detect.Block{
		Data:       w.Data,
		Scans:      w.Count,
		Channels:   w.Channels,
		Start:      w.Start,
		Downsample: w.Downsample,
	}, ps.base.Mean(), ps.base.RMS(), params)
	batch.Spikes[ps.index] = res.Spikes
	batch.Waveforms[ps.index] = res.Waveforms
	e.metrics.RecordSpikes(id, res.Count())

	if !primed {
		ps.base.Update(w.Data, w.Count, w.Channels)
	}
	batch.Baselines[id] = ps.base.Snapshot()
}

type auxStage struct {
	stream  *fetch.Stream
	base    *baseline.Estimator
	trig    *events.Trigger // nil when disabled
	dig     *events.Digital // nil when disabled
	pulseCh int
	sigCh   int
	errLog  *rate.Limiter
}

func newAuxStage(ctx context.Context, cfg *config.Config, b acq.Backend, info acq.StreamInfo, layout events.Layout, opts fetch.Options) (*auxStage, error) {
	s, err := fetch.NewStream(ctx, b, info, opts)
	if err != nil {
		return nil, err
	}
	a := &auxStage{
		stream: s,
		base:   baseline.New(info.Channels),
		errLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}

	tc := cfg.Trigger
	if tc.Enabled {
		if tc.PulseChannel >= info.Channels || tc.SignalChannel >= info.Channels {
			return nil, fmt.Errorf("trigger channels %d/%d outside aux stream of %d channels",
				tc.PulseChannel, tc.SignalChannel, info.Channels)
		}
		a.pulseCh, a.sigCh = tc.PulseChannel, tc.SignalChannel
		a.trig = events.NewTrigger(events.TriggerConfig{
			PulseChannel:     tc.PulseChannel,
			SignalChannel:    tc.SignalChannel,
			PulseMultiplier:  tc.PulseMultiplier,
			SignalMultiplier: tc.SignalMultiplier,
			PulseMinDuration: tc.PulseMinDuration,
			RMSWindow:        tc.RMSWindow,
			SecondaryWindow:  tc.SecondaryWindow,
			FallbackListen:   tc.FallbackListen,
		}, info.SampleRate)
	}

	if cfg.Events.DigitalEnabled && layout.DigitalChannel >= 0 {
		a.dig = events.NewDigital(layout, info.SampleRate, func(t int) float64 {
			_, sep, _, _ := cfg.Events.EventWindow(t)
			return sep
		})
	}
	return a, nil
}

// horizonMs bounds the time of any event not yet recorded: the last
// consumed scan, or an unconfirmed pulse crossing before it.
func (a *auxStage) horizonMs() float64 {
	scan := a.stream.LastRead()
	if a.trig != nil {
		if pending, ok := a.trig.PendingScan(); ok && pending < scan {
			scan = pending
		}
	}
	return scanTimeMs(scan, a.stream.Info.SampleRate)
}

func (e *Engine) runAux(ctx context.Context, batch *store.Batch) {
	a := e.aux
	w, ok := e.next(ctx, a.stream, a.errLog)
	if !ok {
		return
	}

	primed := false
	if !a.base.Primed() {
		primed = a.base.Update(w.Data, w.Count, w.Channels)
	}
	if a.trig != nil && !a.trig.Seeded() && a.base.Primed() {
		// The trigger compares raw samples, so it is seeded with the raw RMS.
		mean, rms := a.base.Mean(), a.base.RMS()
		pulse := math.Hypot(mean[a.pulseCh], rms[a.pulseCh])
		signal := math.Hypot(mean[a.sigCh], rms[a.sigCh])
		a.trig.Seed(pulse, signal)
		log.Printf("[aux] trigger seeded: pulse rms %.1f, signal rms %.1f", pulse, signal)
	}

	if a.trig != nil {
		batch.Events = append(batch.Events, a.trig.Process(w.Data, w.Count, w.Channels, w.Start, w.Downsample)...)
	}
	if a.dig != nil {
		batch.Events = append(batch.Events, a.dig.Process(w.Data, w.Count, w.Channels, w.Start, w.Downsample)...)
	}

	if !primed {
		a.base.Update(w.Data, w.Count, w.Channels)
	}
	batch.Baselines[a.stream.Info.ID.String()] = a.base.Snapshot()
}

// next pulls one window, recording scans, gaps and errors. ok is false when
// the stream is skipped this cycle.
func (e *Engine) next(ctx context.Context, s *fetch.Stream, errLog *rate.Limiter) (fetch.Window, bool) {
	id := s.Info.ID.String()
	w, err := s.Next(ctx)
	if err != nil {
		if errors.Is(err, fetch.ErrEmptyWindow) {
			return fetch.Window{}, false
		}
		e.metrics.RecordFetchError(id)
		if errLog.Allow() {
			log.Printf("[%s] skipping cycle: %v", id, err)
		}
		return fetch.Window{}, false
	}
	e.metrics.RecordScans(id, w.Scans)
	e.metrics.RecordBacklog(id, s.MaxReadable()-s.LastRead())
	if w.Gap {
		e.metrics.RecordGap(id)
	}
	return w, true
}

func scanTimeMs(scan uint64, sampleRate float64) float64 {
	if sampleRate <= 0 {
		return math.Inf(1)
	}
	return float64(scan) * 1000 / sampleRate
}
