package detect

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRate       = 30000.0
	testHalfWidthS = 0.0015
	testRefractS   = 0.015
)

func flat(nScans, nChans int) []int16 {
	return make([]int16, nScans*nChans)
}

func TestSingleSpikeScenario(t *testing.T) {
	data := flat(3000, 1)
	data[999] = 25

	d := New(testRate, 1, 1, testHalfWidthS, testRefractS)
	res := d.Detect(Block{Data: data, Scans: 3000, Channels: 1, Start: 0, Downsample: 1},
		[]float64{0}, []float64{10}, Params{Mode: Absolute, Threshold: 20})

	require.Len(t, res.Spikes[0], 1)
	assert.Equal(t, uint64(1000), res.Spikes[0][0].Scan)
	assert.InDelta(t, 1000.0*1000/testRate, res.Spikes[0][0].TimeMs, 1e-9)

	w := res.Waveforms[0]
	require.NotNil(t, w)
	hw := d.HalfWidth()
	assert.Equal(t, 45, hw)
	require.Len(t, w.Values, 2*hw+1)
	assert.Equal(t, -hw, w.Offsets[0])
	assert.Equal(t, 0, w.Offsets[hw])
	assert.Equal(t, 25.0, w.Values[hw])
}

func TestScanNumberFollowsCursorAndDownsample(t *testing.T) {
	data := flat(100, 2)
	data[10*2+1] = -500

	d := New(testRate, 3, 2, testHalfWidthS, testRefractS)
	res := d.Detect(Block{Data: data, Scans: 100, Channels: 2, Start: 7000, Downsample: 3},
		[]float64{0, 0}, []float64{1, 1}, Params{Mode: Absolute, Threshold: 100})

	assert.Empty(t, res.Spikes[0])
	require.Len(t, res.Spikes[1], 1)
	assert.Equal(t, uint64(10*3+7000+1), res.Spikes[1][0].Scan)
	assert.Nil(t, res.Waveforms[0])
}

func TestRefractorySpacing(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	d := New(testRate, 1, 4, testHalfWidthS, testRefractS)
	params := Params{Mode: Absolute, Threshold: 50}
	mean := []float64{0, 0, 0, 0}
	rms := []float64{1, 1, 1, 1}

	var all [4][]Spike
	start := uint64(0)
	for cycle := 0; cycle < 20; cycle++ {
		n := 500 + rng.Intn(1500)
		data := flat(n, 4)
		for i := range data {
			if rng.Intn(40) == 0 {
				data[i] = int16(rng.Intn(400) - 200)
			}
		}
		res := d.Detect(Block{Data: data, Scans: n, Channels: 4, Start: start, Downsample: 1}, mean, rms, params)
		for ch := range all {
			all[ch] = append(all[ch], res.Spikes[ch]...)
		}
		start += uint64(n)
	}

	minGap := uint64(d.Refractory())
	for ch, spikes := range all {
		require.NotEmpty(t, spikes, "channel %d", ch)
		for k := 1; k < len(spikes); k++ {
			gap := spikes[k].Scan - spikes[k-1].Scan
			require.GreaterOrEqual(t, gap, minGap, "channel %d spikes %d/%d", ch, k-1, k)
		}
	}
}

func TestAbsoluteAndRMSEquivalent(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const nScans, nChans = 4000, 3
	data := flat(nScans, nChans)
	for i := range data {
		data[i] = int16(rng.NormFloat64() * 12)
	}
	mean := []float64{0.5, -1, 2}
	rms := []float64{4, 8, 2}
	const mult = 2.5

	blk := Block{Data: data, Scans: nScans, Channels: nChans, Downsample: 1}
	rmsRes := New(testRate, 1, nChans, testHalfWidthS, testRefractS).
		Detect(blk, mean, rms, Params{Mode: RMS, Threshold: mult})

	for ch := 0; ch < nChans; ch++ {
		// One channel at a time: the absolute threshold differs per channel.
		absRes := New(testRate, 1, nChans, testHalfWidthS, testRefractS).
			Detect(blk, mean, rms, Params{Mode: Absolute, Threshold: mult * rms[ch]})
		assert.Equal(t, rmsRes.Spikes[ch], absRes.Spikes[ch], "channel %d", ch)
	}
}

func TestRMSModeSkipsZeroRMSChannel(t *testing.T) {
	data := flat(10, 2)
	data[4] = 100
	data[5] = 100

	res := New(testRate, 1, 2, testHalfWidthS, testRefractS).Detect(
		Block{Data: data, Scans: 10, Channels: 2, Downsample: 1},
		[]float64{0, 0}, []float64{0, 5}, Params{Mode: RMS, Threshold: 3})

	assert.Empty(t, res.Spikes[0])
	assert.Len(t, res.Spikes[1], 1)
}

func TestSnippetClippedAtBlockEdges(t *testing.T) {
	data := flat(20, 1)
	data[0] = 300
	data[19] = -300

	d := New(testRate, 1, 1, testHalfWidthS, 0.0001)
	res := d.Detect(Block{Data: data, Scans: 20, Channels: 1, Downsample: 1},
		[]float64{10}, []float64{1}, Params{Mode: Absolute, Threshold: 100})

	require.Len(t, res.Spikes[0], 2)
	w := res.Waveforms[0]
	assert.Equal(t, uint64(20), w.Scan)
	assert.Equal(t, 0, w.Offsets[len(w.Offsets)-1])
	assert.Len(t, w.Values, 20)
	assert.Equal(t, -310.0, w.Values[len(w.Values)-1])
}

func TestResetClearsHold(t *testing.T) {
	d := New(testRate, 1, 1, testHalfWidthS, testRefractS)
	p := Params{Mode: Absolute, Threshold: 10}
	m, r := []float64{0}, []float64{1}

	first := flat(5, 1)
	first[4] = 50
	require.Equal(t, 1, d.Detect(Block{Data: first, Scans: 5, Channels: 1, Downsample: 1}, m, r, p).Count())

	next := flat(5, 1)
	next[0] = 50
	blk := Block{Data: next, Scans: 5, Channels: 1, Start: 5, Downsample: 1}
	assert.Equal(t, 0, d.Detect(blk, m, r, p).Count(), "held by refractory")

	d.Reset()
	assert.Equal(t, 1, d.Detect(blk, m, r, p).Count())
}

func TestTunables(t *testing.T) {
	tun := Tunables{Mode: RMS, AbsoluteThreshold: 20, RMSMultiplier: 5}
	assert.Equal(t, Params{Mode: RMS, Threshold: 5}, tun.Params())

	tun.SetThreshold(4)
	tun.Mode = Absolute
	assert.Equal(t, Params{Mode: Absolute, Threshold: 20}, tun.Params())
	tun.SetThreshold(30)
	assert.Equal(t, 4.0, tun.RMSMultiplier)
	assert.Equal(t, 30.0, tun.AbsoluteThreshold)
}
