package store

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/ChangLabUcsf/SpikeMemory/internal/baseline"
	"github.com/ChangLabUcsf/SpikeMemory/internal/correlate"
	"github.com/ChangLabUcsf/SpikeMemory/internal/detect"
	"github.com/ChangLabUcsf/SpikeMemory/internal/events"
)

func testShape() Shape {
	return Shape{ProbeChannels: []int{2, 1}, EventTypes: 3}
}

func TestNewIsEmpty(t *testing.T) {
	r := New(testShape())
	sum := r.Summary()
	if len(sum.Spikes) != 2 || len(sum.Spikes[0]) != 2 || len(sum.Spikes[1]) != 1 {
		t.Fatalf("Summary().Spikes shape = %v, want [[0 0] [0]]", sum.Spikes)
	}
	if len(sum.Events) != 3 {
		t.Fatalf("Summary().Events = %v, want 3 types", sum.Events)
	}
	if got := r.Baselines(); len(got) != 0 {
		t.Errorf("new store has baselines %v", got)
	}
}

func TestOutOfRange(t *testing.T) {
	r := New(testShape())
	tests := []struct {
		name string
		err  error
	}{
		{"spikes probe", func() error { _, _, err := r.Spikes(2, 0); return err }()},
		{"spikes channel", func() error { _, _, err := r.Spikes(1, 1); return err }()},
		{"waveform", func() error { _, err := r.TakeWaveform(-1, 0); return err }()},
		{"events", func() error { _, _, err := r.Events(3); return err }()},
		{"by event type", func() error { _, err := r.SpikesByEvent(0, 0, 5); return err }()},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, ErrOutOfRange) {
			t.Errorf("%s: err = %v, want ErrOutOfRange", tt.name, tt.err)
		}
	}
}

func TestCommitAppendsAndNotifies(t *testing.T) {
	r := New(testShape())
	b := Batch{
		Spikes: [][][]detect.Spike{
			{{{Scan: 30, TimeMs: 1}, {Scan: 60, TimeMs: 2}}, nil},
			{{{Scan: 90, TimeMs: 3}}},
		},
		Events: []events.Detected{
			{Type: 1, Event: events.Event{Scan: 10, TimeMs: 1}},
			{Type: 7, Event: events.Event{Scan: 10, TimeMs: 1}}, // unknown type, dropped
		},
		Baselines: map[string]baseline.Stats{"probe0": {Mean: []float64{1, 3}, RMS: []float64{2, 4}}},
	}

	var notified Delta
	calls := 0
	d := r.Commit(b, nil, func(d Delta) {
		calls++
		notified = d
	})
	if calls != 1 {
		t.Fatalf("notify called %d times, want 1", calls)
	}
	if !reflect.DeepEqual(d, notified) {
		t.Error("returned delta differs from notified delta")
	}
	if len(d.Spikes) != 3 || len(d.Events) != 1 {
		t.Fatalf("delta has %d spikes, %d events; want 3, 1", len(d.Spikes), len(d.Events))
	}
	if d.Spikes[2] != (SpikeRecord{Probe: 1, Channel: 0, Scan: 90, TimeMs: 3}) {
		t.Errorf("third spike = %+v", d.Spikes[2])
	}

	times, scans, err := r.Spikes(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(times, []float64{1, 2}) || !reflect.DeepEqual(scans, []uint64{30, 60}) {
		t.Errorf("Spikes(0,0) = %v %v", times, scans)
	}

	evTimes, evScans, _ := r.Events(1)
	if len(evTimes) != 1 || evScans[0] != 10 {
		t.Errorf("Events(1) = %v %v", evTimes, evScans)
	}

	// Every channel gets an empty placeholder the moment the event lands.
	for _, pc := range [][2]int{{0, 0}, {0, 1}, {1, 0}} {
		seqs, err := r.SpikesByEvent(pc[0], pc[1], 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(seqs) != 1 || len(seqs[0]) != 0 {
			t.Errorf("SpikesByEvent(%d,%d,1) = %v, want one empty entry", pc[0], pc[1], seqs)
		}
	}

	if got := r.Baselines()["probe0"]; len(got.RMS) != 2 || got.RMS[1] != 4 {
		t.Errorf("Baselines()[probe0] = %v", got)
	}
}

func TestCommitAppliesCorrelatorUpdates(t *testing.T) {
	r := New(testShape())
	var seen correlate.View
	fn := func(v correlate.View) []correlate.Update {
		seen = v
		return []correlate.Update{
			{Key: correlate.Key{Probe: 0, Channel: 1, Type: 2, Event: 0}, Times: []float64{-5, 5}},
			{Key: correlate.Key{Probe: 0, Channel: 1, Type: 2, Event: 9}, Times: []float64{1}}, // no such event
		}
	}
	d := r.Commit(Batch{
		Spikes:         [][][]detect.Spike{{nil, {{Scan: 1, TimeMs: 95}, {Scan: 2, TimeMs: 105}}}},
		Events:         []events.Detected{{Type: 2, Event: events.Event{Scan: 3, TimeMs: 100}}},
		HorizonMs:      200,
		EventHorizonMs: 150,
	}, fn, nil)

	if seen.HorizonMs != 200 || seen.EventHorizonMs != 150 {
		t.Errorf("view horizons = %v/%v", seen.HorizonMs, seen.EventHorizonMs)
	}
	if !reflect.DeepEqual(seen.Spikes[0][1], []float64{95, 105}) || !reflect.DeepEqual(seen.Events[2], []float64{100}) {
		t.Errorf("view did not include this batch: %+v", seen)
	}
	if len(d.SpikesByEvent) != 1 {
		t.Fatalf("delta has %d entries, want 1", len(d.SpikesByEvent))
	}
	seqs, _ := r.SpikesByEvent(0, 1, 2)
	if !reflect.DeepEqual(seqs, [][]float64{{-5, 5}}) {
		t.Errorf("SpikesByEvent(0,1,2) = %v", seqs)
	}
}

func TestCommitWithRealCorrelator(t *testing.T) {
	r := New(Shape{ProbeChannels: []int{1}, EventTypes: 1})
	c := correlate.New([]correlate.Window{{PreMs: 10, PostMs: 20}})

	r.Commit(Batch{
		Spikes:    [][][]detect.Spike{{{{Scan: 1, TimeMs: 85}, {Scan: 2, TimeMs: 95}}}},
		Events:    []events.Detected{{Type: 0, Event: events.Event{Scan: 3, TimeMs: 100}}},
		HorizonMs: 110,
	}, c.Run, nil)
	d := r.Commit(Batch{
		Spikes:    [][][]detect.Spike{{{{Scan: 4, TimeMs: 115}, {Scan: 5, TimeMs: 125}}}},
		HorizonMs: 130,
	}, c.Run, nil)

	if len(d.SpikesByEvent) != 1 {
		t.Fatalf("second commit entries = %d, want 1", len(d.SpikesByEvent))
	}
	seqs, _ := r.SpikesByEvent(0, 0, 0)
	if !reflect.DeepEqual(seqs, [][]float64{{-5, 15}}) {
		t.Errorf("SpikesByEvent = %v, want [[-5 15]]", seqs)
	}
}

func TestTakeWaveformClears(t *testing.T) {
	r := New(testShape())
	w := &detect.Waveform{Scan: 7, Offsets: []int{0}, Values: []float64{12}}
	r.Commit(Batch{Waveforms: [][]*detect.Waveform{{nil, w}}}, nil, nil)

	got, err := r.TakeWaveform(0, 1)
	if err != nil || got != w {
		t.Fatalf("TakeWaveform = %v, %v; want the committed snippet", got, err)
	}
	got, _ = r.TakeWaveform(0, 1)
	if got != nil {
		t.Errorf("second TakeWaveform = %v, want nil", got)
	}
}

func TestReadersCannotGrowHistory(t *testing.T) {
	r := New(testShape())
	r.Commit(Batch{Spikes: [][][]detect.Spike{{{{Scan: 1, TimeMs: 1}}}}}, nil, nil)

	times, _, _ := r.Spikes(0, 0)
	_ = append(times, 99)

	r.Commit(Batch{Spikes: [][][]detect.Spike{{{{Scan: 2, TimeMs: 2}}}}}, nil, nil)
	got, _, _ := r.Spikes(0, 0)
	if !reflect.DeepEqual(got, []float64{1, 2}) {
		t.Errorf("Spikes = %v, want [1 2]", got)
	}
	if !reflect.DeepEqual(times, []float64{1}) {
		t.Errorf("earlier view changed to %v", times)
	}
}

func TestBaselinesReturnsCopy(t *testing.T) {
	r := New(testShape())
	r.Commit(Batch{Baselines: map[string]baseline.Stats{"aux": {Mean: []float64{1}, RMS: []float64{1}}}}, nil, nil)

	got := r.Baselines()
	got["aux"].Mean[0] = 100

	if again := r.Baselines()["aux"].Mean[0]; again != 1 {
		t.Errorf("mutation leaked into store: mean = %v", again)
	}
}

func TestDeltaEmpty(t *testing.T) {
	if !(Delta{}).Empty() {
		t.Error("zero Delta is not Empty")
	}
	if (Delta{Events: []events.Detected{{}}}).Empty() {
		t.Error("Delta with an event reported Empty")
	}
}

func TestConcurrentReadersDuringCommit(t *testing.T) {
	r := New(testShape())
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				times, scans, _ := r.Spikes(0, 0)
				if len(times) != len(scans) {
					t.Errorf("torn read: %d times, %d scans", len(times), len(scans))
					return
				}
				r.Summary()
			}
		}()
	}
	for i := 0; i < 200; i++ {
		r.Commit(Batch{Spikes: [][][]detect.Spike{{{{Scan: uint64(i), TimeMs: float64(i)}}}}}, nil, nil)
	}
	close(stop)
	wg.Wait()

	if n := r.Summary().Spikes[0][0]; n != 200 {
		t.Errorf("spike count = %d, want 200", n)
	}
}
