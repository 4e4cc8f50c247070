// Package acq holds the connection to the acquisition backend and the stream
// metadata read from it at session setup.
package acq

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConnection means the backend could not be reached or set up. It is
	// fatal to session start.
	ErrConnection = errors.New("acquisition connection failed")

	// ErrConnectionLost is returned by calls made after the transport dropped.
	ErrConnectionLost = errors.New("acquisition connection lost")

	// ErrBadStream is returned for a stream the backend does not carry.
	ErrBadStream = errors.New("unknown stream")
)

// StreamKind uses the backend's stream-type codes.
type StreamKind int

const (
	Aux   StreamKind = 0 // auxiliary analog + digital stream
	Probe StreamKind = 2 // wideband probe stream
)

func (k StreamKind) String() string {
	switch k {
	case Aux:
		return "aux"
	case Probe:
		return "probe"
	}
	return "unknown"
}

// StreamID names one stream: the aux stream is {Aux, 0}, probe n is {Probe, n}.
type StreamID struct {
	Kind  StreamKind `json:"kind"`
	Index int        `json:"index"`
}

func (id StreamID) String() string {
	if id.Kind == Aux {
		return "aux"
	}
	return fmt.Sprintf("probe%d", id.Index)
}

// AuxStream is the id of the single auxiliary stream.
var AuxStream = StreamID{Kind: Aux}

// ProbeStream returns the id of probe n.
func ProbeStream(n int) StreamID {
	return StreamID{Kind: Probe, Index: n}
}

// Block is one fetched run of interleaved samples. Data holds Scans*Channels
// values, scan-major.
type Block struct {
	Data     []int16
	Scans    int
	Channels int
	First    uint64 // scan number of the first returned scan
}

// Backend is the acquisition system as seen by the pipeline. Implementations
// are called from a single goroutine (the pipeline) except for Close.
type Backend interface {
	Connect(ctx context.Context, host string, port int) error
	Close() error

	// ProbeCount returns the number of wideband probe streams.
	ProbeCount(ctx context.Context) (int, error)

	SampleRate(ctx context.Context, id StreamID) (float64, error)

	// AcqChanCounts returns per-type acquisition channel counts. Probes
	// report [AP, LF, SY]; the aux stream reports [MN, MA, XA, XD].
	AcqChanCounts(ctx context.Context, id StreamID) ([]int, error)

	// SampleCount returns the number of scans acquired so far on a stream.
	SampleCount(ctx context.Context, id StreamID) (uint64, error)

	// GeomMap returns the probe's geometry records, one key=value per line.
	GeomMap(ctx context.Context, probe int) ([]string, error)

	// Fetch reads up to maxScans scans starting at scan from.
	Fetch(ctx context.Context, id StreamID, from uint64, maxScans int, channels []int, downsample int) (Block, error)

	// FetchLatest reads the most recent maxScans scans.
	FetchLatest(ctx context.Context, id StreamID, maxScans int, channels []int, downsample int) (Block, error)
}
