package sim

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/ChangLabUcsf/SpikeMemory/internal/acq"
	"github.com/ChangLabUcsf/SpikeMemory/internal/config"
)

func testConfig() config.SimConfig {
	return config.SimConfig{
		Probes:          1,
		ProbeChannels:   4,
		ProbeRate:       30000,
		AuxRate:         10000,
		NoiseRMS:        8,
		SpikeRateHz:     4,
		SpikeAmplitude:  120,
		PulseIntervalMs: 1000,
		Seed:            1,
	}
}

func connected(t *testing.T) *Backend {
	t.Helper()
	b := NewManual(testConfig())
	if err := b.Connect(context.Background(), "", 0); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestManualClockDrivesSampleCount(t *testing.T) {
	b := connected(t)
	ctx := context.Background()

	if n, _ := b.SampleCount(ctx, acq.ProbeStream(0)); n != 0 {
		t.Fatalf("count before Advance = %d", n)
	}
	b.Advance(100 * time.Millisecond)
	if n, _ := b.SampleCount(ctx, acq.ProbeStream(0)); n != 3000 {
		t.Errorf("probe count = %d, want 3000", n)
	}
	if n, _ := b.SampleCount(ctx, acq.AuxStream); n != 1000 {
		t.Errorf("aux count = %d, want 1000", n)
	}
}

func TestFetchIsDeterministic(t *testing.T) {
	b := connected(t)
	b.Advance(time.Second)
	ctx := context.Background()

	chans := []int{0, 1, 2, 3}
	first, err := b.Fetch(ctx, acq.ProbeStream(0), 1000, 500, chans, 1)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := b.Fetch(ctx, acq.ProbeStream(0), 1000, 500, chans, 1)
	if !reflect.DeepEqual(first, again) {
		t.Error("same range fetched twice differs")
	}
	if first.Scans != 500 || first.Channels != 4 || first.First != 1000 || len(first.Data) != 2000 {
		t.Errorf("block shape = %d scans, %d ch, first %d, %d samples", first.Scans, first.Channels, first.First, len(first.Data))
	}

	other := New(testConfig())
	other.cfg.Seed = 2
	if other.Sample(acq.ProbeStream(0), 0, 1000) == b.Sample(acq.ProbeStream(0), 0, 1000) &&
		other.Sample(acq.ProbeStream(0), 0, 1001) == b.Sample(acq.ProbeStream(0), 0, 1001) {
		t.Error("different seeds produced the same samples")
	}
}

func TestFetchDownsampleAndHeadClip(t *testing.T) {
	b := connected(t)
	b.Advance(10 * time.Millisecond) // 300 probe scans
	ctx := context.Background()

	blk, err := b.Fetch(ctx, acq.ProbeStream(0), 200, 500, []int{1}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if blk.Scans != 34 { // ceil(100/3)
		t.Errorf("rows = %d, want 34", blk.Scans)
	}
	if blk.Data[1] != b.Sample(acq.ProbeStream(0), 1, 203) {
		t.Error("row 1 is not scan from+ds")
	}
}

func TestRetentionForcesGap(t *testing.T) {
	b := connected(t)
	b.SetRetention(time.Second)
	b.Advance(3 * time.Second)
	ctx := context.Background()

	blk, err := b.Fetch(ctx, acq.AuxStream, 0, 100, []int{0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if blk.Scans != 0 {
		t.Errorf("expired range returned %d scans, want 0", blk.Scans)
	}

	latest, err := b.FetchLatest(ctx, acq.AuxStream, 100, []int{0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Scans != 100 || latest.First != 29900 {
		t.Errorf("latest = %d scans from %d, want 100 from 29900", latest.Scans, latest.First)
	}
}

func TestFaultsAndClose(t *testing.T) {
	b := connected(t)
	ctx := context.Background()
	boom := errors.New("boom")

	b.Fail(acq.ProbeStream(0), boom)
	if _, err := b.SampleCount(ctx, acq.ProbeStream(0)); !errors.Is(err, boom) {
		t.Errorf("faulted stream err = %v", err)
	}
	if _, err := b.SampleCount(ctx, acq.AuxStream); err != nil {
		t.Errorf("other stream err = %v", err)
	}
	b.Fail(acq.ProbeStream(0), nil)
	if _, err := b.SampleCount(ctx, acq.ProbeStream(0)); err != nil {
		t.Errorf("cleared fault err = %v", err)
	}

	if _, err := b.SampleRate(ctx, acq.ProbeStream(5)); !errors.Is(err, acq.ErrBadStream) {
		t.Errorf("unknown probe err = %v", err)
	}

	_ = b.Close()
	if _, err := b.ProbeCount(ctx); !errors.Is(err, acq.ErrConnectionLost) {
		t.Errorf("after Close err = %v", err)
	}
}

func TestSyntheticSpikes(t *testing.T) {
	b := New(testConfig())
	id := acq.ProbeStream(0)

	troughs := b.SpikeTroughs(0, 2, 0, 30000)
	if len(troughs) != 4 {
		t.Fatalf("got %d spikes in 1 s at 4 Hz, want 4", len(troughs))
	}
	for _, s := range troughs {
		if v := b.Sample(id, 2, s); v > -80 {
			t.Errorf("trough at %d = %d, want strongly negative", s, v)
		}
	}
	for s := uint64(0); s < 30000; s++ {
		if v := b.Sample(id, 9, s); v != 0 {
			t.Fatalf("sync channel sample %d = %d, want 0", s, v)
		}
	}
}

func TestSyntheticAuxPulses(t *testing.T) {
	b := New(testConfig())

	onsets := b.PulseOnsets(0, 30000)
	if !reflect.DeepEqual(onsets, []uint64{5000, 15000, 25000}) {
		t.Fatalf("PulseOnsets = %v", onsets)
	}
	for _, on := range onsets {
		if v := b.Sample(acq.AuxStream, PulseChannel, on); v < 200 {
			t.Errorf("pulse channel at onset %d = %d", on, v)
		}
		if v := b.Sample(acq.AuxStream, PulseChannel, on-1); v > 30 || v < -30 {
			t.Errorf("pulse channel before onset = %d, want noise", v)
		}
		if v := b.Sample(acq.AuxStream, SignalChannel, on+1500); v < 200 {
			t.Errorf("signal burst 150 ms after onset = %d", v)
		}
		if w := b.Sample(acq.AuxStream, DigitalChannel, on); w&1 == 0 {
			t.Errorf("digital bit 0 not set at onset: %#x", w)
		}
		if w := b.Sample(acq.AuxStream, DigitalChannel, on+5000); w&2 == 0 {
			t.Errorf("digital bit 1 not set 500 ms after onset: %#x", w)
		}
	}
	if w := b.Sample(acq.AuxStream, DigitalChannel, 100); w != 0 {
		t.Errorf("digital word before first pulse = %#x", w)
	}
}

func TestServerRoundTrip(t *testing.T) {
	b := connected(t)
	b.Advance(time.Second)

	srv := httptest.NewServer(NewServer(b))
	defer srv.Close()
	host, p, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(p)

	ctx := context.Background()
	remote := acq.NewRemoteBackend()
	sess, err := acq.Open(ctx, remote, host, port, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if len(sess.Probes) != 1 || sess.Probes[0].Channels != 4 {
		t.Fatalf("probes = %+v", sess.Probes)
	}
	if sess.Aux.Channels != 5 || sess.Aux.DigitalChannel() != DigitalChannel {
		t.Errorf("aux = %d channels, digital %d", sess.Aux.Channels, sess.Aux.DigitalChannel())
	}
	if got := sess.ChannelOrder(0); !reflect.DeepEqual(got, []int{0, 1, 2, 3}) {
		t.Errorf("ChannelOrder = %v", got)
	}

	blk, err := remote.Fetch(ctx, acq.ProbeStream(0), 100, 10, []int{0, 3}, 1)
	if err != nil {
		t.Fatal(err)
	}
	local, _ := b.Fetch(ctx, acq.ProbeStream(0), 100, 10, []int{0, 3}, 1)
	if !reflect.DeepEqual(blk, local) {
		t.Error("remote block differs from local block")
	}
}
