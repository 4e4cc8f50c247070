// Package baseline computes per-channel noise statistics over each cycle's
// window.
package baseline

import "math"

// Stats is a copy of the per-channel baseline.
type Stats struct {
	Mean []float64 `json:"mean"`
	RMS  []float64 `json:"rms"`
}

// Estimator holds one stream's per-channel mean and RMS. Values are
// recomputed from each window alone; there is no history weighting.
type Estimator struct {
	mean   []float64
	rms    []float64
	primed bool
}

func New(nChans int) *Estimator {
	return &Estimator{
		mean: make([]float64, nChans),
		rms:  make([]float64, nChans),
	}
}

// Update recomputes every channel from nScans interleaved scans. With no
// scans it keeps the previous values and reports false.
func (e *Estimator) Update(data []int16, nScans, nChans int) bool {
	if nChans <= 0 || nScans <= 0 || nScans*nChans > len(data) {
		return false
	}
	n := float64(nScans)
	for ch := 0; ch < min(nChans, len(e.mean)); ch++ {
		var sum float64
		for i := ch; i < nScans*nChans; i += nChans {
			sum += float64(data[i])
		}
		mean := sum / n

		var ss float64
		for i := ch; i < nScans*nChans; i += nChans {
			d := float64(data[i]) - mean
			ss += d * d
		}
		e.mean[ch] = mean
		e.rms[ch] = math.Sqrt(ss / n)
	}
	e.primed = true
	return true
}

// Primed reports whether any window has been measured yet.
func (e *Estimator) Primed() bool { return e.primed }

// Mean and RMS return the live slices. Callers on the pipeline goroutine may
// read them; others use Snapshot.
func (e *Estimator) Mean() []float64 { return e.mean }
func (e *Estimator) RMS() []float64  { return e.rms }

func (e *Estimator) Snapshot() Stats {
	return Stats{
		Mean: append([]float64(nil), e.mean...),
		RMS:  append([]float64(nil), e.rms...),
	}
}
