// Package correlate assigns spikes to the event windows that contain them.
//
// Histories only grow. Each pass looks at events whose windows may still
// gain spikes, assigns the spikes inside each window and retires events per
// probe once that probe's data horizon has passed the window end. Cursors
// let a pass start its binary searches where the previous one left off.
package correlate

import (
	"sort"
)

// Window is an event type's asymmetric correlation window in milliseconds.
// A spike at time s belongs to an event at time t when
// t-PreMs <= s < t+PostMs.
type Window struct {
	PreMs  float64
	PostMs float64
}

// View is the read side of the histories handed to a pass.
type View struct {
	Events    [][]float64   // [type] event times, ms
	Spikes    [][][]float64 // [probe][channel] spike times, ms
	HorizonMs float64       // every spike before this time has been recorded

	// ProbeHorizonsMs, when set, replaces HorizonMs per probe so each probe
	// retires events against its own data.
	ProbeHorizonsMs []float64

	// EventHorizonMs is the time before which every event has been
	// recorded. Events can arrive late (a pulse is confirmed after its
	// crossing), so spike cursors never pass EventHorizonMs-PreMs.
	EventHorizonMs float64
}

// Key addresses one SpikesByEvent entry.
type Key struct {
	Probe   int
	Channel int
	Type    int
	Event   int
}

// Update replaces an entry with spike times relative to the event onset.
type Update struct {
	Key   Key
	Times []float64
}

type classKey struct {
	probe, channel, class int
}

type span struct{ lo, hi int }

type pending struct {
	typ, event int
	t, pre     float64
}

// Correlator carries cursors between passes. It is not safe for concurrent
// use; the pipeline calls Run under the store's write lock.
type Correlator struct {
	windows  []Window
	classOf  []int     // event type -> pre-duration class
	classPre []float64 // class -> pre duration

	typeCursor  [][]int // [probe][type]
	spikeCursor map[classKey]int
	assigned    map[Key]span
}

// New builds a correlator for len(windows) event types. Types sharing a
// pre duration share a spike cursor.
func New(windows []Window) *Correlator {
	c := &Correlator{
		windows:     append([]Window(nil), windows...),
		classOf:     make([]int, len(windows)),
		spikeCursor: make(map[classKey]int),
		assigned:    make(map[Key]span),
	}
	byPre := make(map[float64]int)
	for t, w := range windows {
		cls, ok := byPre[w.PreMs]
		if !ok {
			cls = len(c.classPre)
			byPre[w.PreMs] = cls
			c.classPre = append(c.classPre, w.PreMs)
		}
		c.classOf[t] = cls
	}
	return c
}

// TypeCursor is the index of the first event of typ still pending on any
// probe.
func (c *Correlator) TypeCursor(typ int) int {
	if typ < 0 || typ >= len(c.windows) || len(c.typeCursor) == 0 {
		return 0
	}
	cur := c.typeCursor[0][typ]
	for _, cursors := range c.typeCursor[1:] {
		cur = min(cur, cursors[typ])
	}
	return cur
}

// ProbeTypeCursor is the index of the first event of typ still pending on
// probe.
func (c *Correlator) ProbeTypeCursor(probe, typ int) int {
	if probe < 0 || probe >= len(c.typeCursor) || typ < 0 || typ >= len(c.windows) {
		return 0
	}
	return c.typeCursor[probe][typ]
}

// SpikeCursor is the stored search start for a channel and event type.
func (c *Correlator) SpikeCursor(probe, channel, typ int) int {
	if typ < 0 || typ >= len(c.classOf) {
		return 0
	}
	return c.spikeCursor[classKey{probe, channel, c.classOf[typ]}]
}

// Pending counts the (probe, event) pairs whose windows are still open.
func (c *Correlator) Pending(v View) int {
	n := 0
	for _, cursors := range c.typeCursor {
		for t, cur := range cursors {
			if t < len(v.Events) {
				n += len(v.Events[t]) - cur
			}
		}
	}
	return n
}

// Run performs one pass and returns the entries whose assigned spikes
// changed. A pass with no new events, spikes or horizon returns nothing and
// leaves every cursor in place.
func (c *Correlator) Run(v View) []Update {
	for len(c.typeCursor) < len(v.Spikes) {
		c.typeCursor = append(c.typeCursor, make([]int, len(c.windows)))
	}

	var out []Update
	foothold := make([]int, len(c.classPre))
	for p, chans := range v.Spikes {
		evs := c.collect(v, p)
		if len(evs) == 0 {
			continue
		}
		for ch, spikes := range chans {
			if len(spikes) == 0 {
				continue
			}
			for cls := range foothold {
				foothold[cls] = -1
			}
			for _, e := range evs {
				cls := c.classOf[e.typ]
				if foothold[cls] < 0 {
					foothold[cls] = c.seek(spikes, classKey{p, ch, cls}, e.pre)
				}
				lo := foothold[cls] + lowerBound(spikes[foothold[cls]:], e.pre)
				hi := lo + lowerBound(spikes[lo:], e.t+c.windows[e.typ].PostMs)
				foothold[cls] = lo

				key := Key{Probe: p, Channel: ch, Type: e.typ, Event: e.event}
				s := span{lo, hi}
				if lo == hi {
					s = span{}
				}
				if c.assigned[key] == s {
					continue
				}
				c.assigned[key] = s
				out = append(out, Update{Key: key, Times: relative(spikes[lo:hi], e.t)})
			}
		}
		c.retire(v, p, evs)
	}
	return out
}

// collect gathers probe's pending events sorted by window start. Ties keep
// discovery order: type, then event index.
func (c *Correlator) collect(v View, probe int) []pending {
	var evs []pending
	for t, cur := range c.typeCursor[probe] {
		if t >= len(v.Events) {
			break
		}
		for i := cur; i < len(v.Events[t]); i++ {
			et := v.Events[t][i]
			evs = append(evs, pending{typ: t, event: i, t: et, pre: et - c.windows[t].PreMs})
		}
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].pre < evs[j].pre })
	return evs
}

func (v View) horizon(probe int) float64 {
	if probe < len(v.ProbeHorizonsMs) {
		return v.ProbeHorizonsMs[probe]
	}
	return v.HorizonMs
}

// seek moves a stored cursor forward to the first spike at or after pre.
func (c *Correlator) seek(spikes []float64, k classKey, pre float64) int {
	cur := min(c.spikeCursor[k], len(spikes))
	cur += lowerBound(spikes[cur:], pre)
	return cur
}

// retire advances probe's type cursors past events whose windows closed
// before its horizon, then parks each of its spike cursors at the earliest
// window start that a pending or future event of its class can have.
func (c *Correlator) retire(v View, probe int, evs []pending) {
	horizon := v.horizon(probe)
	cursors := c.typeCursor[probe]
	for t := range cursors {
		if t >= len(v.Events) {
			break
		}
		i := cursors[t]
		for i < len(v.Events[t]) && v.Events[t][i]+c.windows[t].PostMs <= horizon {
			i++
		}
		cursors[t] = i
	}

	earliest := make([]float64, len(c.classPre))
	for cls, pre := range c.classPre {
		earliest[cls] = v.EventHorizonMs - pre
	}
	for _, e := range evs {
		if e.event < cursors[e.typ] {
			for ch := range v.Spikes[probe] {
				delete(c.assigned, Key{Probe: probe, Channel: ch, Type: e.typ, Event: e.event})
			}
			continue
		}
		cls := c.classOf[e.typ]
		earliest[cls] = min(earliest[cls], e.pre)
	}

	for ch, spikes := range v.Spikes[probe] {
		if len(spikes) == 0 {
			continue
		}
		for cls := range c.classPre {
			k := classKey{probe, ch, cls}
			c.spikeCursor[k] = c.seek(spikes, k, earliest[cls])
		}
	}
}

func lowerBound(s []float64, x float64) int {
	return sort.SearchFloat64s(s, x)
}

func relative(spikes []float64, t float64) []float64 {
	out := make([]float64, len(spikes))
	for i, s := range spikes {
		out[i] = s - t
	}
	return out
}
