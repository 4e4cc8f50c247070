package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChangLabUcsf/SpikeMemory/internal/baseline"
	"github.com/ChangLabUcsf/SpikeMemory/internal/events"
	"github.com/ChangLabUcsf/SpikeMemory/internal/store"
)

// dialPair returns the server-side connection for AddClient and the
// client side to read from.
func dialPair(t *testing.T) (srvConn, cliConn *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cliConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { cliConn.Close() })

	select {
	case srvConn = <-connCh:
		return srvConn, cliConn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

type rawMessage struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg rawMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestQueueDeltaMergesWithinThrottle(t *testing.T) {
	b := NewBroadcaster(50*time.Millisecond, time.Hour, 0)
	defer b.Stop()

	srvConn, cliConn := dialPair(t)
	if _, err := b.AddClient(srvConn); err != nil {
		t.Fatal(err)
	}

	b.QueueDelta(store.Delta{Spikes: []store.SpikeRecord{{Probe: 0, Channel: 1, Scan: 10, TimeMs: 1}}})
	b.QueueDelta(store.Delta{})
	b.QueueDelta(store.Delta{
		Spikes:    []store.SpikeRecord{{Probe: 0, Channel: 2, Scan: 20, TimeMs: 2}},
		Events:    []events.Detected{{Type: 3, Event: events.Event{Scan: 5, TimeMs: 0.5}}},
		Baselines: map[string]baseline.Stats{"aux": {Mean: []float64{0}, RMS: []float64{5}}},
	})

	msg := readMessage(t, cliConn)
	if msg.Type != MsgDelta {
		t.Fatalf("type = %s, want delta", msg.Type)
	}
	var delta DeltaPayload
	if err := json.Unmarshal(msg.Payload, &delta); err != nil {
		t.Fatal(err)
	}
	if len(delta.Spikes) != 2 || len(delta.Events) != 1 {
		t.Errorf("merged delta has %d spikes, %d events; want 2, 1", len(delta.Spikes), len(delta.Events))
	}
	if got := delta.Baselines["aux"].RMS; len(got) != 1 || got[0] != 5 {
		t.Errorf("aux baseline = %v", got)
	}
}

func TestSnapshotOnConnect(t *testing.T) {
	b := NewBroadcaster(time.Hour, time.Hour, 0)
	defer b.Stop()
	b.SetSnapshotHook(func() SnapshotPayload {
		return SnapshotPayload{RunID: "run-1", Cycles: 7}
	})

	srvConn, cliConn := dialPair(t)
	if _, err := b.AddClient(srvConn); err != nil {
		t.Fatal(err)
	}

	msg := readMessage(t, cliConn)
	if msg.Type != MsgSnapshot {
		t.Fatalf("type = %s, want snapshot", msg.Type)
	}
	var snap SnapshotPayload
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.RunID != "run-1" || snap.Cycles != 7 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSeqIncreasesAcrossMessages(t *testing.T) {
	b := NewBroadcaster(time.Hour, time.Hour, 0)
	defer b.Stop()

	srvConn, cliConn := dialPair(t)
	if _, err := b.AddClient(srvConn); err != nil {
		t.Fatal(err)
	}

	b.BroadcastMessage(MsgParams, map[string]float64{"threshold": 4})
	b.BroadcastMessage(MsgError, ErrorPayload{Message: "x"})

	first := readMessage(t, cliConn)
	second := readMessage(t, cliConn)
	if first.Seq == 0 || second.Seq <= first.Seq {
		t.Errorf("seq %d then %d, want strictly increasing from 1", first.Seq, second.Seq)
	}
	if first.Type != MsgParams || second.Type != MsgError {
		t.Errorf("types = %s, %s", first.Type, second.Type)
	}
}

func TestClientHookTracksCount(t *testing.T) {
	b := NewBroadcaster(time.Hour, time.Hour, 0)

	counts := make(chan int, 8)
	b.SetClientHook(func(n int) { counts <- n })

	srvConn, _ := dialPair(t)
	c, err := b.AddClient(srvConn)
	if err != nil {
		t.Fatal(err)
	}
	b.RemoveClient(c)
	b.RemoveClient(c)
	b.Stop()

	want := []int{1, 0, 0}
	for i, w := range want {
		select {
		case got := <-counts:
			if got != w {
				t.Errorf("hook call %d = %d, want %d", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("hook call %d missing", i)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	b := NewBroadcaster(10*time.Millisecond, time.Hour, 0)
	b.QueueDelta(store.Delta{Events: []events.Detected{{Type: 1}}})
	b.Stop()
	b.Stop()
	if got := b.ClientCount(); got != 0 {
		t.Errorf("ClientCount after Stop = %d", got)
	}
}
