package events

import "math"

// Digital treats each bit of the digital word as its own event type with a
// minimum separation between hits.
type Digital struct {
	layout     Layout
	sampleRate float64
	sepScans   []uint64 // per event type
	last       []uint64
	seen       []bool
}

// NewDigital builds the edge detector. sepMs returns the minimum separation
// of an event type in milliseconds.
func NewDigital(layout Layout, sampleRate float64, sepMs func(eventType int) float64) *Digital {
	n := layout.NumTypes()
	d := &Digital{
		layout:     layout,
		sampleRate: sampleRate,
		sepScans:   make([]uint64, n),
		last:       make([]uint64, n),
		seen:       make([]bool, n),
	}
	for t := range d.sepScans {
		d.sepScans[t] = uint64(math.Round(sampleRate * sepMs(t) / 1000))
	}
	return d
}

// Process scans nScans rows of the aux block for set bits. Search for a type
// starts no earlier than its last event plus the separation, so a hit is
// never repeated inside the separation even across blocks.
func (d *Digital) Process(data []int16, nScans, nChans int, start uint64, downsample int) []Detected {
	ch := d.layout.DigitalChannel
	if ch < 0 || ch >= nChans || nScans*nChans > len(data) {
		return nil
	}
	if downsample < 1 {
		downsample = 1
	}

	var out []Detected
	for bit := 0; bit < DigitalBits; bit++ {
		typ := d.layout.BitType(bit)
		mask := uint16(1) << bit

		i := 0
		if d.seen[typ] {
			i = d.rowAtOrAfter(d.last[typ]+d.sepScans[typ], start, downsample)
		}
		for i < nScans {
			if uint16(data[i*nChans+ch])&mask == 0 {
				i++
				continue
			}
			scan := uint64(i*downsample) + start + 1
			out = append(out, Detected{Type: typ, Event: Event{Scan: scan, TimeMs: timeMs(scan, d.sampleRate)}})
			d.last[typ], d.seen[typ] = scan, true
			i = max(i+1, d.rowAtOrAfter(scan+d.sepScans[typ], start, downsample))
		}
	}
	return out
}

// rowAtOrAfter maps a scan number to the first block row at or after it.
func (d *Digital) rowAtOrAfter(scan, start uint64, downsample int) int {
	first := start + 1
	if scan <= first {
		return 0
	}
	ds := uint64(downsample)
	return int((scan - first + ds - 1) / ds)
}
