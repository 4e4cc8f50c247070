// Package sim is a synthetic acquisition backend. Every sample is a pure
// function of (seed, stream, channel, scan) so any range can be fetched
// repeatedly with identical results.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ChangLabUcsf/SpikeMemory/internal/acq"
	"github.com/ChangLabUcsf/SpikeMemory/internal/config"
)

// Aux layout: four analog channels and one digital word, [MN, MA, XA, XD].
const (
	AuxAnalog      = 4
	PulseChannel   = 3
	SignalChannel  = 1
	DigitalChannel = AuxAnalog

	pulseWidthMs  = 60
	signalDelayMs = 150
	signalWidthMs = 3
	bit1DelayMs   = 500
	spikeWidthS   = 0.001
)

// Backend generates probe and aux streams against a clock. Use New for wall
// time and NewManual to step time with Advance.
type Backend struct {
	cfg       config.SimConfig
	retention time.Duration
	manual    bool

	mu        sync.Mutex
	connected bool
	start     time.Time
	elapsed   time.Duration // manual clock
	faults    map[acq.StreamID]error
}

// New returns a backend whose sample counts follow wall time from Connect.
func New(cfg config.SimConfig) *Backend {
	return &Backend{cfg: cfg, retention: 10 * time.Second, faults: make(map[acq.StreamID]error)}
}

// NewManual returns a backend whose clock only moves with Advance.
func NewManual(cfg config.SimConfig) *Backend {
	b := New(cfg)
	b.manual = true
	return b
}

// SetRetention sets how far behind the head scans stay fetchable. Older
// reads return an empty block, as a ring-buffered backend does.
func (b *Backend) SetRetention(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retention = d
}

// Advance moves the manual clock forward.
func (b *Backend) Advance(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.elapsed += d
}

// Fail makes every call on stream id return err until cleared with a nil err.
func (b *Backend) Fail(id acq.StreamID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.faults, id)
		return
	}
	b.faults[id] = err
}

func (b *Backend) Connect(_ context.Context, _ string, _ int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return fmt.Errorf("sim: already connected")
	}
	b.connected = true
	b.start = time.Now()
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *Backend) ProbeCount(context.Context) (int, error) {
	if err := b.check(nil); err != nil {
		return 0, err
	}
	return b.cfg.Probes, nil
}

func (b *Backend) SampleRate(_ context.Context, id acq.StreamID) (float64, error) {
	if err := b.check(&id); err != nil {
		return 0, err
	}
	return b.rate(id), nil
}

// AcqChanCounts reports [AP, LF, SY] for probes and [MN, MA, XA, XD] for aux.
func (b *Backend) AcqChanCounts(_ context.Context, id acq.StreamID) ([]int, error) {
	if err := b.check(&id); err != nil {
		return nil, err
	}
	if id.Kind == acq.Aux {
		return []int{0, 0, AuxAnalog, 1}, nil
	}
	return []int{b.cfg.ProbeChannels, 0, 1}, nil
}

func (b *Backend) SampleCount(_ context.Context, id acq.StreamID) (uint64, error) {
	if err := b.check(&id); err != nil {
		return 0, err
	}
	return b.head(id), nil
}

// GeomMap lays channels out in two columns, 20 µm apart in depth.
func (b *Backend) GeomMap(_ context.Context, probe int) ([]string, error) {
	id := acq.ProbeStream(probe)
	if err := b.check(&id); err != nil {
		return nil, err
	}
	lines := []string{"nshanks=1"}
	for ch := 0; ch < b.cfg.ProbeChannels; ch++ {
		lines = append(lines,
			fmt.Sprintf("ch%d_s=0", ch),
			fmt.Sprintf("x=%d", 11+32*(ch%2)),
			fmt.Sprintf("z=%d", 20*(ch/2)),
			"u=1",
		)
	}
	return lines, nil
}

// Fetch returns rows from, from+ds, ... below min(from+maxScans, head).
func (b *Backend) Fetch(_ context.Context, id acq.StreamID, from uint64, maxScans int, channels []int, downsample int) (acq.Block, error) {
	if err := b.check(&id); err != nil {
		return acq.Block{}, err
	}
	head := b.head(id)
	if oldest := b.oldest(id, head); from < oldest {
		return acq.Block{Channels: len(channels), First: from}, nil
	}
	return b.block(id, from, min(from+uint64(max(maxScans, 0)), head), channels, downsample), nil
}

// FetchLatest returns the last maxScans scans before the head.
func (b *Backend) FetchLatest(_ context.Context, id acq.StreamID, maxScans int, channels []int, downsample int) (acq.Block, error) {
	if err := b.check(&id); err != nil {
		return acq.Block{}, err
	}
	head := b.head(id)
	from := uint64(0)
	if n := uint64(max(maxScans, 0)); head > n {
		from = head - n
	}
	return b.block(id, from, head, channels, downsample), nil
}

func (b *Backend) check(id *acq.StreamID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return acq.ErrConnectionLost
	}
	if id == nil {
		return nil
	}
	if id.Kind == acq.Probe && (id.Index < 0 || id.Index >= b.cfg.Probes) {
		return fmt.Errorf("%w: %s", acq.ErrBadStream, id)
	}
	if id.Kind != acq.Probe && id.Kind != acq.Aux {
		return fmt.Errorf("%w: kind %d", acq.ErrBadStream, id.Kind)
	}
	return b.faults[*id]
}

func (b *Backend) rate(id acq.StreamID) float64 {
	if id.Kind == acq.Aux {
		return b.cfg.AuxRate
	}
	return b.cfg.ProbeRate
}

func (b *Backend) head(id acq.StreamID) uint64 {
	b.mu.Lock()
	elapsed := b.elapsed
	if !b.manual {
		elapsed = time.Since(b.start)
	}
	b.mu.Unlock()
	return uint64(elapsed.Seconds() * b.rate(id))
}

func (b *Backend) oldest(id acq.StreamID, head uint64) uint64 {
	b.mu.Lock()
	keep := uint64(b.retention.Seconds() * b.rate(id))
	b.mu.Unlock()
	if keep == 0 || head <= keep {
		return 0
	}
	return head - keep
}

func (b *Backend) block(id acq.StreamID, from, to uint64, channels []int, downsample int) acq.Block {
	if downsample < 1 {
		downsample = 1
	}
	blk := acq.Block{Channels: len(channels), First: from}
	if to <= from {
		return blk
	}
	ds := uint64(downsample)
	blk.Scans = int((to - from + ds - 1) / ds)
	blk.Data = make([]int16, blk.Scans*len(channels))
	for i := 0; i < blk.Scans; i++ {
		scan := from + uint64(i)*ds
		row := blk.Data[i*len(channels) : (i+1)*len(channels)]
		for j, ch := range channels {
			row[j] = b.Sample(id, ch, scan)
		}
	}
	return blk
}

// Sample is the value of channel ch at 0-based sample index scan.
func (b *Backend) Sample(id acq.StreamID, ch int, scan uint64) int16 {
	if id.Kind == acq.Aux {
		return b.auxSample(ch, scan)
	}
	if ch >= b.cfg.ProbeChannels {
		return 0
	}
	v := b.noise(id, ch, scan)
	if onset, ok := b.spikeOnset(id.Index, ch, scan); ok {
		u := float64(scan-onset) / float64(b.spikeWidth())
		v -= b.cfg.SpikeAmplitude * math.Sin(2*math.Pi*u)
	}
	return clamp(v)
}

// SpikeTroughs returns the 0-based sample index of each synthetic spike's
// negative peak in [from, to).
func (b *Backend) SpikeTroughs(probe, ch int, from, to uint64) []uint64 {
	slot := b.spikeSlot()
	if slot == 0 {
		return nil
	}
	var out []uint64
	for k := from / slot; k*slot < to; k++ {
		trough := b.slotOnset(probe, ch, k) + b.spikeWidth()/4
		if trough >= from && trough < to {
			out = append(out, trough)
		}
	}
	return out
}

func (b *Backend) spikeSlot() uint64 {
	if b.cfg.SpikeRateHz <= 0 || b.cfg.SpikeAmplitude == 0 {
		return 0
	}
	return uint64(math.Round(b.cfg.ProbeRate / b.cfg.SpikeRateHz))
}

func (b *Backend) spikeWidth() uint64 {
	return max(4, uint64(math.Round(b.cfg.ProbeRate*spikeWidthS)))
}

// slotOnset places one spike per slot at a hashed offset, leaving room for
// the whole waveform inside the slot.
func (b *Backend) slotOnset(probe, ch int, k uint64) uint64 {
	slot, width := b.spikeSlot(), b.spikeWidth()
	room := uint64(1)
	if slot > width {
		room = slot - width
	}
	h := mix(uint64(b.cfg.Seed), 0x5eed, uint64(probe), uint64(ch), k)
	return k*slot + h%room
}

func (b *Backend) spikeOnset(probe, ch int, scan uint64) (uint64, bool) {
	slot := b.spikeSlot()
	if slot == 0 {
		return 0, false
	}
	onset := b.slotOnset(probe, ch, scan/slot)
	if scan >= onset && scan < onset+b.spikeWidth() {
		return onset, true
	}
	return 0, false
}

func (b *Backend) auxSample(ch int, scan uint64) int16 {
	if ch == DigitalChannel {
		return b.digitalWord(scan)
	}
	if ch > DigitalChannel {
		return 0
	}
	v := b.noise(acq.AuxStream, ch, scan)
	onset, ok := b.lastPulse(scan)
	if ok {
		since := scan - onset
		switch ch {
		case PulseChannel:
			if since < b.auxScans(pulseWidthMs) {
				v += 40 * b.cfg.NoiseRMS
			}
		case SignalChannel:
			if d := b.auxScans(signalDelayMs); since >= d && since < d+b.auxScans(signalWidthMs) {
				v += 30 * b.cfg.NoiseRMS
			}
		}
	}
	return clamp(v)
}

func (b *Backend) digitalWord(scan uint64) int16 {
	onset, ok := b.lastPulse(scan)
	if !ok {
		return 0
	}
	var word uint16
	since := scan - onset
	if since == 0 {
		word |= 1
	}
	if d := b.auxScans(bit1DelayMs); since >= d && since < d+10 {
		word |= 1 << 1
	}
	return int16(word)
}

// PulseOnsets returns the 0-based sample index of every aux pulse onset in
// [from, to). Pulses sit mid-period so the first period is quiet.
func (b *Backend) PulseOnsets(from, to uint64) []uint64 {
	period := b.pulsePeriod()
	if period == 0 {
		return nil
	}
	var out []uint64
	for k := from / period; k*period < to; k++ {
		onset := k*period + period/2
		if onset >= from && onset < to {
			out = append(out, onset)
		}
	}
	return out
}

func (b *Backend) pulsePeriod() uint64 {
	if b.cfg.PulseIntervalMs <= 0 {
		return 0
	}
	return b.auxScans(b.cfg.PulseIntervalMs)
}

func (b *Backend) lastPulse(scan uint64) (uint64, bool) {
	period := b.pulsePeriod()
	if period == 0 {
		return 0, false
	}
	onset := (scan/period)*period + period/2
	if scan < onset {
		if scan < period {
			return 0, false
		}
		onset -= period
	}
	return onset, true
}

func (b *Backend) auxScans(ms float64) uint64 {
	return uint64(math.Round(b.cfg.AuxRate * ms / 1000))
}

// noise is bounded at three standard deviations: a sum of three uniforms.
func (b *Backend) noise(id acq.StreamID, ch int, scan uint64) float64 {
	h := mix(uint64(b.cfg.Seed), uint64(id.Kind), uint64(id.Index), uint64(ch), scan)
	var sum float64
	for i := 0; i < 3; i++ {
		h = splitmix(h)
		sum += float64(h>>11)/(1<<53) - 0.5
	}
	return 2 * b.cfg.NoiseRMS * sum
}

func mix(vals ...uint64) uint64 {
	h := uint64(0x9e3779b97f4a7c15)
	for _, v := range vals {
		h = splitmix(h ^ v)
	}
	return h
}

func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func clamp(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < -math.MaxInt16 {
		return -math.MaxInt16
	}
	return int16(v)
}
