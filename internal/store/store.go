// Package store holds the append-only spike and event histories. The
// pipeline is the only writer; everything else reads through views taken
// under the read lock.
package store

import (
	"errors"
	"sync"

	"github.com/ChangLabUcsf/SpikeMemory/internal/baseline"
	"github.com/ChangLabUcsf/SpikeMemory/internal/correlate"
	"github.com/ChangLabUcsf/SpikeMemory/internal/detect"
	"github.com/ChangLabUcsf/SpikeMemory/internal/events"
)

// ErrOutOfRange is returned for a probe, channel or event type the session
// does not have.
var ErrOutOfRange = errors.New("index out of range")

// Shape sizes the histories at session setup.
type Shape struct {
	ProbeChannels []int // channels per probe
	EventTypes    int
}

// Batch is one cycle's output.
type Batch struct {
	Spikes    [][][]detect.Spike   // [probe][channel], may be nil for skipped probes
	Waveforms [][]*detect.Waveform // [probe][channel]
	Events    []events.Detected
	Baselines map[string]baseline.Stats // by stream name, refreshed streams only

	HorizonMs       float64
	ProbeHorizonsMs []float64 // [probe], overrides HorizonMs when set
	EventHorizonMs  float64
}

// SpikeRecord is one new spike in a Delta.
type SpikeRecord struct {
	Probe   int     `json:"probe"`
	Channel int     `json:"ch"`
	Scan    uint64  `json:"scan"`
	TimeMs  float64 `json:"timeMs"`
}

// Entry is a SpikesByEvent sequence that changed.
type Entry struct {
	Probe   int       `json:"probe"`
	Channel int       `json:"ch"`
	Type    int       `json:"type"`
	Event   int       `json:"event"`
	Times   []float64 `json:"times"`
}

// Delta is what changed in one commit.
type Delta struct {
	Spikes        []SpikeRecord             `json:"spikes,omitempty"`
	Events        []events.Detected         `json:"events,omitempty"`
	SpikesByEvent []Entry                   `json:"spikesByEvent,omitempty"`
	Baselines     map[string]baseline.Stats `json:"baselines,omitempty"`
}

// Empty reports whether the delta carries nothing.
func (d Delta) Empty() bool {
	return len(d.Spikes) == 0 && len(d.Events) == 0 && len(d.SpikesByEvent) == 0 && len(d.Baselines) == 0
}

// Summary counts the histories for snapshots.
type Summary struct {
	Spikes [][]int `json:"spikes"` // [probe][channel]
	Events []int   `json:"events"` // [type]
}

type channelHistory struct {
	times    []float64
	scans    []uint64
	waveform *detect.Waveform
	byEvent  [][][]float64 // [type][event]
}

// Results is the in-memory history of one session.
type Results struct {
	mu sync.RWMutex

	probes     [][]*channelHistory
	eventTimes [][]float64
	eventScans [][]uint64
	baselines  map[string]baseline.Stats
}

// New pre-sizes the probe, channel and event type dimensions.
func New(shape Shape) *Results {
	r := &Results{
		probes:     make([][]*channelHistory, len(shape.ProbeChannels)),
		eventTimes: make([][]float64, shape.EventTypes),
		eventScans: make([][]uint64, shape.EventTypes),
		baselines:  make(map[string]baseline.Stats),
	}
	for p, n := range shape.ProbeChannels {
		r.probes[p] = make([]*channelHistory, n)
		for ch := range r.probes[p] {
			r.probes[p][ch] = &channelHistory{byEvent: make([][][]float64, shape.EventTypes)}
		}
	}
	return r
}

// Commit appends a batch, runs the correlator over the grown histories and
// hands the resulting delta to notify, all under one write lock so readers
// never see spikes without their correlation. correlateFn and notify may be
// nil.
func (r *Results) Commit(b Batch, correlateFn func(correlate.View) []correlate.Update, notify func(Delta)) Delta {
	r.mu.Lock()
	defer r.mu.Unlock()

	var d Delta
	for p, chans := range b.Spikes {
		if p >= len(r.probes) {
			break
		}
		for ch, spikes := range chans {
			if ch >= len(r.probes[p]) {
				break
			}
			h := r.probes[p][ch]
			for _, s := range spikes {
				h.times = append(h.times, s.TimeMs)
				h.scans = append(h.scans, s.Scan)
				d.Spikes = append(d.Spikes, SpikeRecord{Probe: p, Channel: ch, Scan: s.Scan, TimeMs: s.TimeMs})
			}
		}
	}
	for p, chans := range b.Waveforms {
		if p >= len(r.probes) {
			break
		}
		for ch, w := range chans {
			if w != nil && ch < len(r.probes[p]) {
				r.probes[p][ch].waveform = w
			}
		}
	}

	for _, ev := range b.Events {
		if ev.Type < 0 || ev.Type >= len(r.eventTimes) {
			continue
		}
		r.eventTimes[ev.Type] = append(r.eventTimes[ev.Type], ev.Event.TimeMs)
		r.eventScans[ev.Type] = append(r.eventScans[ev.Type], ev.Event.Scan)
		for _, chans := range r.probes {
			for _, h := range chans {
				h.byEvent[ev.Type] = append(h.byEvent[ev.Type], []float64{})
			}
		}
		d.Events = append(d.Events, ev)
	}

	if correlateFn != nil {
		for _, u := range correlateFn(r.view(b)) {
			k := u.Key
			if k.Probe >= len(r.probes) || k.Channel >= len(r.probes[k.Probe]) {
				continue
			}
			seqs := r.probes[k.Probe][k.Channel].byEvent[k.Type]
			if k.Event >= len(seqs) {
				continue
			}
			seqs[k.Event] = u.Times
			d.SpikesByEvent = append(d.SpikesByEvent, Entry{
				Probe: k.Probe, Channel: k.Channel, Type: k.Type, Event: k.Event, Times: u.Times,
			})
		}
	}

	if len(b.Baselines) > 0 {
		d.Baselines = make(map[string]baseline.Stats, len(b.Baselines))
		for name, stats := range b.Baselines {
			cp := copyStats(stats)
			r.baselines[name] = cp
			d.Baselines[name] = cp
		}
	}

	if notify != nil {
		notify(d)
	}
	return d
}

// view exposes the histories to the correlator. Caller holds the lock.
func (r *Results) view(b Batch) correlate.View {
	v := correlate.View{
		Events:          make([][]float64, len(r.eventTimes)),
		Spikes:          make([][][]float64, len(r.probes)),
		HorizonMs:       b.HorizonMs,
		ProbeHorizonsMs: b.ProbeHorizonsMs,
		EventHorizonMs:  b.EventHorizonMs,
	}
	for t, times := range r.eventTimes {
		v.Events[t] = clip(times)
	}
	for p, chans := range r.probes {
		v.Spikes[p] = make([][]float64, len(chans))
		for ch, h := range chans {
			v.Spikes[p][ch] = clip(h.times)
		}
	}
	return v
}

func (r *Results) channel(probe, ch int) (*channelHistory, error) {
	if probe < 0 || probe >= len(r.probes) || ch < 0 || ch >= len(r.probes[probe]) {
		return nil, ErrOutOfRange
	}
	return r.probes[probe][ch], nil
}

// Spikes returns a channel's spike times (ms) and scan numbers.
func (r *Results) Spikes(probe, ch int) ([]float64, []uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, err := r.channel(probe, ch)
	if err != nil {
		return nil, nil, err
	}
	return clip(h.times), clip(h.scans), nil
}

// TakeWaveform returns the channel's latest snippet and clears it. A nil
// waveform means nothing was detected since the last take.
func (r *Results) TakeWaveform(probe, ch int) (*detect.Waveform, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, err := r.channel(probe, ch)
	if err != nil {
		return nil, err
	}
	w := h.waveform
	h.waveform = nil
	return w, nil
}

// Events returns an event type's times (ms) and scan numbers.
func (r *Results) Events(typ int) ([]float64, []uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if typ < 0 || typ >= len(r.eventTimes) {
		return nil, nil, ErrOutOfRange
	}
	return clip(r.eventTimes[typ]), clip(r.eventScans[typ]), nil
}

// SpikesByEvent returns, for each event of typ, the channel's spike times
// relative to the event onset. Inner sequences are replaced, never
// modified, so they are shared with the store.
func (r *Results) SpikesByEvent(probe, ch, typ int) ([][]float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, err := r.channel(probe, ch)
	if err != nil {
		return nil, err
	}
	if typ < 0 || typ >= len(h.byEvent) {
		return nil, ErrOutOfRange
	}
	return append([][]float64(nil), h.byEvent[typ]...), nil
}

// Baselines returns a copy of the latest per-stream statistics.
func (r *Results) Baselines() map[string]baseline.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]baseline.Stats, len(r.baselines))
	for name, stats := range r.baselines {
		out[name] = copyStats(stats)
	}
	return out
}

// Summary counts spikes per channel and events per type.
func (r *Results) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{
		Spikes: make([][]int, len(r.probes)),
		Events: make([]int, len(r.eventTimes)),
	}
	for p, chans := range r.probes {
		s.Spikes[p] = make([]int, len(chans))
		for ch, h := range chans {
			s.Spikes[p][ch] = len(h.times)
		}
	}
	for t, times := range r.eventTimes {
		s.Events[t] = len(times)
	}
	return s
}

func copyStats(s baseline.Stats) baseline.Stats {
	return baseline.Stats{
		Mean: append([]float64(nil), s.Mean...),
		RMS:  append([]float64(nil), s.RMS...),
	}
}

// clip caps a slice's capacity so a reader's append can never write into
// the store's backing array.
func clip[T any](s []T) []T {
	return s[:len(s):len(s)]
}
