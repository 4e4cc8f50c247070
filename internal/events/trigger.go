package events

import (
	"math"
	"time"
)

// Phase is the analog trigger state.
type Phase int

const (
	PhaseIdle    Phase = iota // watching the pulse channel
	PhaseConfirm              // pulse must stay up for the minimum duration
	PhaseSettle               // measuring signal RMS
	PhaseListenA              // first signal window, measuring pulse RMS
	PhaseListenB              // optional extended signal window
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConfirm:
		return "confirm"
	case PhaseSettle:
		return "settle"
	case PhaseListenA:
		return "listen_a"
	case PhaseListenB:
		return "listen_b"
	}
	return "unknown"
}

// TriggerConfig keys the state machine on a pulse and a signal channel.
type TriggerConfig struct {
	PulseChannel     int
	SignalChannel    int
	PulseMultiplier  float64
	SignalMultiplier float64
	PulseMinDuration time.Duration
	RMSWindow        time.Duration
	SecondaryWindow  time.Duration
	FallbackListen   bool
}

// triggerState is everything that lives for one trigger attempt.
type triggerState struct {
	phase        Phase
	crossingScan uint64
	signalSS     float64
	signalN      int
	pulseSS      float64
	pulseN       int
	found        bool
}

// Trigger separates "did something happen" (a sustained pulse) from "what
// followed" (a signal crossing), refreshing each channel's RMS from windows
// where the other channel is active.
type Trigger struct {
	cfg        TriggerConfig
	sampleRate float64

	minScans       uint64
	rmsScans       uint64
	secondaryScans uint64

	pulseRMS  float64
	signalRMS float64
	seeded    bool

	st triggerState
}

func NewTrigger(cfg TriggerConfig, sampleRate float64) *Trigger {
	scans := func(d time.Duration) uint64 {
		return uint64(math.Round(sampleRate * d.Seconds()))
	}
	return &Trigger{
		cfg:            cfg,
		sampleRate:     sampleRate,
		minScans:       scans(cfg.PulseMinDuration),
		rmsScans:       scans(cfg.RMSWindow),
		secondaryScans: scans(cfg.SecondaryWindow),
	}
}

// Seed sets the running RMS values the first time it is called; later calls
// are ignored since the state machine refreshes them itself.
func (t *Trigger) Seed(pulseRMS, signalRMS float64) {
	if t.seeded {
		return
	}
	t.pulseRMS, t.signalRMS = pulseRMS, signalRMS
	t.seeded = true
}

func (t *Trigger) Seeded() bool { return t.seeded }

func (t *Trigger) Phase() Phase { return t.st.phase }

// PendingScan returns the crossing scan of a pulse still being confirmed. An
// event at that scan may yet be recorded.
func (t *Trigger) PendingScan() (uint64, bool) {
	if t.st.phase == PhaseConfirm {
		return t.st.crossingScan, true
	}
	return 0, false
}

// RMS returns the running pulse and signal RMS.
func (t *Trigger) RMS() (pulse, signal float64) { return t.pulseRMS, t.signalRMS }

// Process runs the state machine over nScans rows of the aux block. Nothing
// is detected before Seed.
func (t *Trigger) Process(data []int16, nScans, nChans int, start uint64, downsample int) []Detected {
	if !t.seeded || t.cfg.PulseChannel >= nChans || t.cfg.SignalChannel >= nChans || nScans*nChans > len(data) {
		return nil
	}
	var out []Detected
	for i := 0; i < nScans; i++ {
		scan := uint64(i*downsample) + start + 1
		pulse := float64(data[i*nChans+t.cfg.PulseChannel])
		signal := float64(data[i*nChans+t.cfg.SignalChannel])
		if ev, ok := t.step(scan, pulse, signal); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (t *Trigger) step(scan uint64, pulse, signal float64) (Detected, bool) {
	st := &t.st
	elapsed := scan - st.crossingScan

	switch st.phase {
	case PhaseIdle:
		if pulse > t.cfg.PulseMultiplier*t.pulseRMS {
			*st = triggerState{
				phase:        PhaseConfirm,
				crossingScan: scan,
				signalSS:     signal * signal,
				signalN:      1,
			}
		}

	case PhaseConfirm:
		if pulse < t.cfg.PulseMultiplier*t.pulseRMS {
			*st = triggerState{}
			return Detected{}, false
		}
		st.signalSS += signal * signal
		st.signalN++
		if elapsed > t.minScans {
			st.phase = PhaseSettle
			return t.event(t.cfg.PulseChannel, st.crossingScan), true
		}

	case PhaseSettle:
		st.signalSS += signal * signal
		st.signalN++
		if elapsed > t.rmsScans {
			t.signalRMS = math.Sqrt(st.signalSS / float64(st.signalN))
			st.signalSS, st.signalN = 0, 0
			st.pulseSS, st.pulseN = 0, 0
			st.found = false
			st.phase = PhaseListenA
		}

	case PhaseListenA:
		if elapsed > 2*t.rmsScans {
			if st.pulseN > 0 {
				t.pulseRMS = math.Sqrt(st.pulseSS / float64(st.pulseN))
			}
			st.pulseSS, st.pulseN = 0, 0
			if t.cfg.FallbackListen && !st.found {
				st.phase = PhaseListenB
			} else {
				st.phase = PhaseIdle
			}
			return Detected{}, false
		}
		st.pulseSS += pulse * pulse
		st.pulseN++
		if !st.found && signal > t.cfg.SignalMultiplier*t.signalRMS {
			st.found = true
			return t.event(t.cfg.SignalChannel, scan), true
		}

	case PhaseListenB:
		if elapsed > t.secondaryScans {
			st.phase = PhaseIdle
			return Detected{}, false
		}
		if signal > t.cfg.SignalMultiplier*t.signalRMS {
			st.found = true
			st.phase = PhaseIdle
			return t.event(t.cfg.SignalChannel, scan), true
		}
	}
	return Detected{}, false
}

func (t *Trigger) event(typ int, scan uint64) Detected {
	return Detected{Type: typ, Event: Event{Scan: scan, TimeMs: timeMs(scan, t.sampleRate)}}
}
