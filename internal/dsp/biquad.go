// Package dsp holds the per-probe high-pass stage applied to fetched blocks.
package dsp

import "math"

// TransientScans is the number of leading scans zeroed after a reset.
const TransientScans = 1000

// ButterworthQ gives a maximally flat second-order response.
const ButterworthQ = 1 / math.Sqrt2

// Biquad holds normalized second-order coefficients.
type Biquad struct {
	a0, a1, a2 float64
	b1, b2     float64
}

// NewHighpass designs a high-pass section. fc is the cutoff as a fraction of
// the sample rate and must lie in (0, 0.5).
func NewHighpass(fc, q float64) Biquad {
	k := math.Tan(math.Pi * fc)
	norm := 1 / (1 + k/q + k*k)
	a0 := norm
	return Biquad{
		a0: a0,
		a1: -2 * a0,
		a2: a0,
		b1: 2 * (k*k - 1) * norm,
		b2: (1 - k/q + k*k) * norm,
	}
}

// Filter runs one Biquad per channel over interleaved blocks. State persists
// across blocks until Reset.
type Filter struct {
	coef   Biquad
	z1, z2 []float64
}

// NewFilter builds a high-pass filter for nChans channels sampled at
// sampleRate.
func NewFilter(cutoffHz, sampleRate float64, nChans int) *Filter {
	return &Filter{
		coef: NewHighpass(cutoffHz/sampleRate, ButterworthQ),
		z1:   make([]float64, nChans),
		z2:   make([]float64, nChans),
	}
}

// Reset clears every channel's delay line.
func (f *Filter) Reset() {
	clear(f.z1)
	clear(f.z2)
}

// ApplyBlock filters nScans scans of nChans interleaved channels in place,
// clamping results to the int16 range symmetric about zero.
func (f *Filter) ApplyBlock(data []int16, nScans, nChans int) {
	if nChans <= 0 {
		return
	}
	stride := nChans
	if nScans*stride > len(data) {
		nScans = len(data) / stride
	}
	c := f.coef
	for ch := 0; ch < min(nChans, len(f.z1)); ch++ {
		z1, z2 := f.z1[ch], f.z2[ch]
		for i := ch; i < nScans*stride; i += stride {
			in := float64(data[i])
			out := in*c.a0 + z1
			z1 = in*c.a1 + z2 - c.b1*out
			z2 = in*c.a2 - c.b2*out
			data[i] = clamp16(out)
		}
		f.z1[ch], f.z2[ch] = z1, z2
	}
}

func clamp16(v float64) int16 {
	v = math.Round(v)
	if v > 32767 {
		return 32767
	}
	if v < -32767 {
		return -32767
	}
	return int16(v)
}

// ZeroTransient overwrites the first min(TransientScans, nScans) scans.
func ZeroTransient(data []int16, nScans, nChans int) {
	n := min(nScans, TransientScans) * nChans
	clear(data[:min(n, len(data))])
}
