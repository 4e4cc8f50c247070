// Package events detects analog trigger and digital bit events on the
// auxiliary stream.
package events

import "fmt"

// DigitalBits is the width of the digital word.
const DigitalBits = 16

// Event is one detection of an event type.
type Event struct {
	Scan   uint64  `json:"scan"`
	TimeMs float64 `json:"timeMs"`
}

// Detected pairs an event with its type index.
type Detected struct {
	Type  int   `json:"type"`
	Event Event `json:"event"`
}

// Layout maps aux channels and digital bits to event type indices. Each aux
// channel is a type; the digital word channel's type doubles as bit 0 and
// bits 1..15 take the indices after the last channel.
type Layout struct {
	AuxChannels    int
	DigitalChannel int // -1 when the stream has no digital word
}

// NumTypes is the total number of event types.
func (l Layout) NumTypes() int {
	return l.AuxChannels + DigitalBits - 1
}

// BitType returns the event type of digital bit b.
func (l Layout) BitType(b int) int {
	if b == 0 {
		return l.DigitalChannel
	}
	return l.AuxChannels + b - 1
}

// TypeName is the default label for an event type.
func (l Layout) TypeName(t int) string {
	if l.DigitalChannel >= 0 {
		if t == l.DigitalChannel {
			return "bit0"
		}
		if t >= l.AuxChannels {
			return fmt.Sprintf("bit%d", t-l.AuxChannels+1)
		}
	}
	return fmt.Sprintf("ch%d", t)
}

func timeMs(scan uint64, sampleRate float64) float64 {
	return float64(scan) * 1000 / sampleRate
}
