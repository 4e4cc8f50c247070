// Package detect finds threshold crossings on filtered probe blocks.
package detect

import "math"

// Mode selects how the threshold is interpreted.
type Mode string

const (
	// Absolute compares the mean-corrected sample against ±Threshold counts.
	Absolute Mode = "absolute"
	// RMS compares the mean-corrected sample against Threshold × channel RMS.
	RMS Mode = "rms"
)

// Params are the two live tunables, copied once per cycle.
type Params struct {
	Mode      Mode    `json:"mode"`
	Threshold float64 `json:"threshold"`
}

// Tunables hold both thresholds so switching modes keeps each one.
type Tunables struct {
	Mode              Mode    `json:"mode"`
	AbsoluteThreshold float64 `json:"absoluteThreshold"`
	RMSMultiplier     float64 `json:"rmsMultiplier"`
}

// Params selects the threshold for the current mode.
func (t Tunables) Params() Params {
	if t.Mode == Absolute {
		return Params{Mode: Absolute, Threshold: t.AbsoluteThreshold}
	}
	return Params{Mode: RMS, Threshold: t.RMSMultiplier}
}

// SetThreshold sets the threshold of the current mode.
func (t *Tunables) SetThreshold(v float64) {
	if t.Mode == Absolute {
		t.AbsoluteThreshold = v
	} else {
		t.RMSMultiplier = v
	}
}

// Spike is one detection on a channel.
type Spike struct {
	Scan   uint64  `json:"scan"`
	TimeMs float64 `json:"timeMs"`
}

// Waveform is the snippet around a spike, mean-corrected. Offsets[k] is the
// sample offset of Values[k] from the crossing.
type Waveform struct {
	Scan    uint64    `json:"scan"`
	Offsets []int     `json:"offsets"`
	Values  []float64 `json:"values"`
}

// Block is one probe's filtered window.
type Block struct {
	Data       []int16
	Scans      int // rows in Data
	Channels   int
	Start      uint64 // scan cursor before the window
	Downsample int
}

// Result holds per-channel detections for one block. Waveforms[ch] is nil
// when the channel had no detection.
type Result struct {
	Spikes    [][]Spike
	Waveforms []*Waveform
}

// Count returns the total number of spikes across channels.
func (r Result) Count() int {
	n := 0
	for _, s := range r.Spikes {
		n += len(s)
	}
	return n
}

// Detector scans a probe's channels independently. It carries each
// channel's refractory hold across blocks so spacing holds at block edges.
type Detector struct {
	sampleRate float64
	downsample int
	halfWidth  int
	refractory int
	holdUntil  []uint64
}

// New builds a detector for one probe. halfWidthS and refractoryS are the
// snippet half-width and refractory period in seconds.
func New(sampleRate float64, downsample, nChans int, halfWidthS, refractoryS float64) *Detector {
	if downsample < 1 {
		downsample = 1
	}
	ds := float64(downsample)
	return &Detector{
		sampleRate: sampleRate,
		downsample: downsample,
		halfWidth:  int(math.Round(sampleRate * halfWidthS / ds)),
		refractory: max(1, int(math.Round(sampleRate*refractoryS/ds))),
		holdUntil:  make([]uint64, nChans),
	}
}

// Refractory is the advance, in block samples, after a detection.
func (d *Detector) Refractory() int { return d.refractory }

// HalfWidth is the snippet half-width in block samples.
func (d *Detector) HalfWidth() int { return d.halfWidth }

// ScanAt maps block row i to its acquisition scan number.
func ScanAt(start uint64, i, downsample int) uint64 {
	return uint64(i*downsample) + start + 1
}

// Reset drops refractory holds, e.g. after a gap.
func (d *Detector) Reset() {
	clear(d.holdUntil)
}

// Detect scans blk against per-channel mean and rms. In RMS mode a channel
// whose rms is zero is skipped.
func (d *Detector) Detect(blk Block, mean, rms []float64, p Params) Result {
	nChans := min(blk.Channels, len(d.holdUntil), len(mean), len(rms))
	res := Result{
		Spikes:    make([][]Spike, blk.Channels),
		Waveforms: make([]*Waveform, blk.Channels),
	}
	if blk.Channels <= 0 || blk.Scans*blk.Channels > len(blk.Data) {
		return res
	}
	for ch := 0; ch < nChans; ch++ {
		if p.Mode == RMS && rms[ch] == 0 {
			continue
		}
		d.detectChannel(blk, ch, mean[ch], rms[ch], p, &res)
	}
	return res
}

func (d *Detector) detectChannel(blk Block, ch int, mean, rms float64, p Params, res *Result) {
	stride := blk.Channels
	i := 0
	if hold := d.holdUntil[ch]; hold > 0 {
		// First row whose scan is at or past the hold.
		first := ScanAt(blk.Start, 0, d.downsample)
		if hold > first {
			i = int((hold - first + uint64(d.downsample) - 1) / uint64(d.downsample))
		}
	}
	for i < blk.Scans {
		v := float64(blk.Data[i*stride+ch]) - mean
		if !crosses(v, rms, p) {
			i++
			continue
		}

		scan := ScanAt(blk.Start, i, d.downsample)
		res.Spikes[ch] = append(res.Spikes[ch], Spike{
			Scan:   scan,
			TimeMs: float64(scan) * 1000 / d.sampleRate,
		})
		res.Waveforms[ch] = d.snippet(blk, ch, i, scan, mean)

		d.holdUntil[ch] = scan + uint64(d.refractory*d.downsample)
		i += d.refractory
	}
}

func crosses(v, rms float64, p Params) bool {
	if p.Mode == RMS {
		return math.Abs(v/rms) > p.Threshold
	}
	return v > p.Threshold || v < -p.Threshold
}

// snippet copies up to halfWidth samples either side of row i, clipped to
// the block.
func (d *Detector) snippet(blk Block, ch, i int, scan uint64, mean float64) *Waveform {
	lo := -min(i, d.halfWidth)
	hi := min(blk.Scans-1-i, d.halfWidth)
	w := &Waveform{
		Scan:    scan,
		Offsets: make([]int, 0, hi-lo+1),
		Values:  make([]float64, 0, hi-lo+1),
	}
	for j := lo; j <= hi; j++ {
		w.Offsets = append(w.Offsets, j)
		w.Values = append(w.Values, float64(blk.Data[(i+j)*blk.Channels+ch])-mean)
	}
	return w
}
