package acq

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Wire ops understood by Handle and sent by RemoteBackend.
const (
	OpProbeCount    = "probe_count"
	OpSampleRate    = "sample_rate"
	OpAcqChanCounts = "acq_chan_counts"
	OpSampleCount   = "sample_count"
	OpGeomMap       = "geom_map"
	OpFetch         = "fetch"
	OpFetchLatest   = "fetch_latest"
)

// WirePath is the websocket path the acquisition server listens on.
const WirePath = "/acq"

// Request is one call on the acquisition websocket.
type Request struct {
	ID         uint64   `json:"id"`
	Op         string   `json:"op"`
	Stream     StreamID `json:"stream"`
	Probe      int      `json:"probe,omitempty"`
	From       uint64   `json:"from,omitempty"`
	Max        int      `json:"max,omitempty"`
	Channels   []int    `json:"channels,omitempty"`
	Downsample int      `json:"downsample,omitempty"`
}

// Response answers the Request with the same ID. Error is non-empty on
// failure. Data carries little-endian int16 samples (base64 in JSON).
type Response struct {
	ID       uint64   `json:"id"`
	Error    string   `json:"error,omitempty"`
	Value    float64  `json:"value,omitempty"`
	Count    uint64   `json:"count,omitempty"`
	Values   []int    `json:"values,omitempty"`
	Strings  []string `json:"strings,omitempty"`
	Data     []byte   `json:"data,omitempty"`
	Scans    int      `json:"scans,omitempty"`
	Channels int      `json:"channels,omitempty"`
	First    uint64   `json:"first,omitempty"`
}

// EncodeSamples packs samples as little-endian int16.
func EncodeSamples(samples []int16) []byte {
	buf := make([]byte, 2*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

// DecodeSamples unpacks little-endian int16 samples.
func DecodeSamples(buf []byte) ([]int16, error) {
	if len(buf)%2 != 0 {
		return nil, fmt.Errorf("sample payload has odd length %d", len(buf))
	}
	out := make([]int16, len(buf)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
	}
	return out, nil
}

// Handle executes req against b and builds the wire response.
func Handle(ctx context.Context, b Backend, req Request) Response {
	resp := Response{ID: req.ID}
	var err error
	switch req.Op {
	case OpProbeCount:
		var n int
		n, err = b.ProbeCount(ctx)
		resp.Value = float64(n)
	case OpSampleRate:
		resp.Value, err = b.SampleRate(ctx, req.Stream)
	case OpAcqChanCounts:
		resp.Values, err = b.AcqChanCounts(ctx, req.Stream)
	case OpSampleCount:
		resp.Count, err = b.SampleCount(ctx, req.Stream)
	case OpGeomMap:
		resp.Strings, err = b.GeomMap(ctx, req.Probe)
	case OpFetch, OpFetchLatest:
		var blk Block
		if req.Op == OpFetch {
			blk, err = b.Fetch(ctx, req.Stream, req.From, req.Max, req.Channels, req.Downsample)
		} else {
			blk, err = b.FetchLatest(ctx, req.Stream, req.Max, req.Channels, req.Downsample)
		}
		if err == nil {
			resp.Data = EncodeSamples(blk.Data)
			resp.Scans = blk.Scans
			resp.Channels = blk.Channels
			resp.First = blk.First
		}
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// blockFromResponse rebuilds a Block and checks its shape.
func blockFromResponse(resp Response) (Block, error) {
	data, err := DecodeSamples(resp.Data)
	if err != nil {
		return Block{}, err
	}
	if len(data) != resp.Scans*resp.Channels {
		return Block{}, fmt.Errorf("block has %d samples, want %d scans x %d channels", len(data), resp.Scans, resp.Channels)
	}
	return Block{Data: data, Scans: resp.Scans, Channels: resp.Channels, First: resp.First}, nil
}
