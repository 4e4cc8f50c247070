package ws

import (
	"time"

	"github.com/ChangLabUcsf/SpikeMemory/internal/acq"
	"github.com/ChangLabUcsf/SpikeMemory/internal/baseline"
	"github.com/ChangLabUcsf/SpikeMemory/internal/detect"
	"github.com/ChangLabUcsf/SpikeMemory/internal/events"
	"github.com/ChangLabUcsf/SpikeMemory/internal/fetch"
	"github.com/ChangLabUcsf/SpikeMemory/internal/metric"
	"github.com/ChangLabUcsf/SpikeMemory/internal/store"
)

type MessageType string

const (
	MsgSnapshot     MessageType = "snapshot"
	MsgDelta        MessageType = "delta"
	MsgStreamHealth MessageType = "stream_health"
	MsgParams       MessageType = "params"
	MsgError        MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload is the periodic full summary. Clients joining late get
// one immediately.
type SnapshotPayload struct {
	RunID     string                 `json:"runId"`
	Cycles    uint64                 `json:"cycles"`
	Params    detect.Tunables        `json:"params"`
	Summary   store.Summary          `json:"summary"`
	Health    []fetch.HealthSnapshot `json:"health"`
	Process   metric.ProcessStats    `json:"process"`
	Timestamp time.Time              `json:"timestamp"`
}

// DeltaPayload merges the commits queued during one throttle interval.
type DeltaPayload struct {
	Spikes        []store.SpikeRecord       `json:"spikes,omitempty"`
	Events        []events.Detected         `json:"events,omitempty"`
	SpikesByEvent []store.Entry             `json:"spikesByEvent,omitempty"`
	Baselines     map[string]baseline.Stats `json:"baselines,omitempty"`
}

func (p *DeltaPayload) merge(d store.Delta) {
	p.Spikes = append(p.Spikes, d.Spikes...)
	p.Events = append(p.Events, d.Events...)
	p.SpikesByEvent = append(p.SpikesByEvent, d.SpikesByEvent...)
	if len(d.Baselines) > 0 && p.Baselines == nil {
		p.Baselines = make(map[string]baseline.Stats, len(d.Baselines))
	}
	for name, stats := range d.Baselines {
		p.Baselines[name] = stats
	}
}

func (p *DeltaPayload) empty() bool {
	return len(p.Spikes) == 0 && len(p.Events) == 0 && len(p.SpikesByEvent) == 0 && len(p.Baselines) == 0
}

// StreamsPayload is the session metadata served by /api/streams.
type StreamsPayload struct {
	Probes       []acq.StreamInfo `json:"probes"`
	Aux          acq.StreamInfo   `json:"aux"`
	ChannelOrder [][]int          `json:"channelOrder"`
	EventTypes   []string         `json:"eventTypes"`
}

// ParamsRequest is the body of POST /api/params. Either field may be
// omitted.
type ParamsRequest struct {
	Threshold *float64 `json:"threshold,omitempty"`
	Mode      *string  `json:"mode,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
