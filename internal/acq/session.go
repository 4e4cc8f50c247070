package acq

import (
	"context"
	"fmt"
	"log"
)

// StreamInfo is the immutable metadata of one stream.
type StreamInfo struct {
	ID         StreamID `json:"id"`
	SampleRate float64  `json:"sampleRate"`
	Channels   int      `json:"channels"`
	Downsample int      `json:"downsample"`
	ChanCounts []int    `json:"chanCounts"`
}

// ChannelList returns the acquisition indices 0..Channels-1.
func (s StreamInfo) ChannelList() []int {
	chans := make([]int, s.Channels)
	for i := range chans {
		chans[i] = i
	}
	return chans
}

// DigitalChannel returns the aux channel carrying the first digital word,
// or -1 when the stream has none.
func (s StreamInfo) DigitalChannel() int {
	if s.ID.Kind != Aux || len(s.ChanCounts) < 4 || s.ChanCounts[3] == 0 {
		return -1
	}
	return s.Channels - s.ChanCounts[3]
}

// Session holds an open backend and the metadata read at setup.
type Session struct {
	Backend Backend
	Host    string
	Port    int
	Probes  []StreamInfo
	Aux     StreamInfo

	channelOrder [][]int
}

// Open connects to the backend and reads stream metadata once. Any failure
// wraps ErrConnection; the caller must not start fetching.
func Open(ctx context.Context, b Backend, host string, port int, downsample int) (*Session, error) {
	if downsample < 1 {
		downsample = 1
	}
	if err := b.Connect(ctx, host, port); err != nil {
		log.Printf("[acq] couldn't connect to %s:%d: %v", host, port, err)
		return nil, fmt.Errorf("%w: %s:%d: %v", ErrConnection, host, port, err)
	}

	s := &Session{Backend: b, Host: host, Port: port}
	if err := s.readMetadata(ctx, downsample); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	log.Printf("[acq] connected to %s:%d: %d probe(s), aux %d ch @ %.0f Hz",
		host, port, len(s.Probes), s.Aux.Channels, s.Aux.SampleRate)
	return s, nil
}

// Connect is Open for callers that only branch on success. The failure is
// logged; no fetch state may be built when ok is false.
func Connect(ctx context.Context, b Backend, host string, port int, downsample int) (s *Session, ok bool) {
	s, err := Open(ctx, b, host, port, downsample)
	if err != nil {
		log.Printf("[acq] %v", err)
		return nil, false
	}
	return s, true
}

func (s *Session) readMetadata(ctx context.Context, downsample int) error {
	n, err := s.Backend.ProbeCount(ctx)
	if err != nil {
		return fmt.Errorf("probe count: %w", err)
	}

	for p := 0; p < n; p++ {
		id := ProbeStream(p)
		info, err := s.streamInfo(ctx, id, downsample)
		if err != nil {
			return err
		}
		// Only AP channels are detected on.
		info.Channels = info.ChanCounts[0]
		s.Probes = append(s.Probes, info)

		order, err := s.geometryOrder(ctx, p, info.Channels)
		if err != nil {
			return err
		}
		s.channelOrder = append(s.channelOrder, order)
	}

	aux, err := s.streamInfo(ctx, AuxStream, downsample)
	if err != nil {
		return err
	}
	for _, c := range aux.ChanCounts {
		aux.Channels += c
	}
	s.Aux = aux
	return nil
}

func (s *Session) streamInfo(ctx context.Context, id StreamID, downsample int) (StreamInfo, error) {
	rate, err := s.Backend.SampleRate(ctx, id)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("%s sample rate: %w", id, err)
	}
	if rate <= 0 {
		return StreamInfo{}, fmt.Errorf("%s sample rate %g", id, rate)
	}
	counts, err := s.Backend.AcqChanCounts(ctx, id)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("%s channel counts: %w", id, err)
	}
	if len(counts) == 0 {
		return StreamInfo{}, fmt.Errorf("%s: no channel counts", id)
	}
	return StreamInfo{ID: id, SampleRate: rate, Downsample: downsample, ChanCounts: counts}, nil
}

// geometryOrder falls back to acquisition order when the backend has no
// usable geometry map; the order is only used for display remapping.
func (s *Session) geometryOrder(ctx context.Context, probe, nChans int) ([]int, error) {
	lines, err := s.Backend.GeomMap(ctx, probe)
	if err != nil {
		return nil, fmt.Errorf("probe%d geometry: %w", probe, err)
	}
	order, err := ParseGeomMap(lines)
	if err != nil || len(order) == 0 {
		if err != nil {
			log.Printf("[acq] probe%d geometry unreadable, using acquisition order: %v", probe, err)
		}
		order = make([]int, nChans)
		for i := range order {
			order[i] = i
		}
	}
	return order, nil
}

// ChannelOrder returns probe's channels sorted by physical depth.
func (s *Session) ChannelOrder(probe int) []int {
	if probe < 0 || probe >= len(s.channelOrder) {
		return nil
	}
	out := make([]int, len(s.channelOrder[probe]))
	copy(out, s.channelOrder[probe])
	return out
}

// Close releases the backend.
func (s *Session) Close() error {
	return s.Backend.Close()
}
