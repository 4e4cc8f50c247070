package acq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// RemoteBackend talks to an acquisition server over one websocket. Calls
// are multiplexed by request ID so a timed-out call abandons only itself.
type RemoteBackend struct {
	Dialer *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex // serialises conn writes
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan Response
	done    chan struct{}
	readErr error
}

// NewRemoteBackend returns an unconnected backend using the default dialer.
func NewRemoteBackend() *RemoteBackend {
	return &RemoteBackend{Dialer: websocket.DefaultDialer}
}

func (r *RemoteBackend) Connect(ctx context.Context, host string, port int) error {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: WirePath}
	dialer := r.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}

	r.mu.Lock()
	if r.conn != nil {
		r.mu.Unlock()
		conn.Close()
		return errors.New("already connected")
	}
	r.conn = conn
	r.pending = make(map[uint64]chan Response)
	r.done = make(chan struct{})
	r.readErr = nil
	done := r.done
	r.mu.Unlock()

	go r.readLoop(conn, done)
	go r.pingLoop(conn, done)
	return nil
}

// Close shuts the connection; in-flight calls fail with ErrConnectionLost.
func (r *RemoteBackend) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	r.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	r.writeMu.Unlock()
	return conn.Close()
}

func (r *RemoteBackend) readLoop(conn *websocket.Conn, done chan struct{}) {
	var err error
	for {
		var resp Response
		if err = conn.ReadJSON(&resp); err != nil {
			break
		}
		r.mu.Lock()
		ch, ok := r.pending[resp.ID]
		delete(r.pending, resp.ID)
		r.mu.Unlock()
		if ok {
			ch <- resp // buffered; never blocks
		}
	}

	r.mu.Lock()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
		log.Printf("[acq] connection lost: %v", err)
	}
	r.readErr = err
	r.conn = nil
	r.pending = nil
	r.mu.Unlock()
	close(done)
	conn.Close()
}

func (r *RemoteBackend) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			r.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (r *RemoteBackend) call(ctx context.Context, req Request) (Response, error) {
	r.mu.Lock()
	conn, done := r.conn, r.done
	if conn == nil {
		err := r.readErr
		r.mu.Unlock()
		if err != nil {
			return Response{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return Response{}, ErrConnectionLost
	}
	r.nextID++
	req.ID = r.nextID
	ch := make(chan Response, 1)
	r.pending[req.ID] = ch
	r.mu.Unlock()

	// ctx bounds only the wait for the response. A timed-out write leaves
	// the connection unusable.
	r.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(req)
	r.writeMu.Unlock()
	if err != nil {
		r.forget(req.ID)
		return Response{}, fmt.Errorf("%w: write %s: %v", ErrConnectionLost, req.Op, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, fmt.Errorf("%s %s: %s", req.Op, req.Stream, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		r.forget(req.ID)
		return Response{}, fmt.Errorf("%s %s: %w", req.Op, req.Stream, ctx.Err())
	case <-done:
		return Response{}, ErrConnectionLost
	}
}

func (r *RemoteBackend) forget(id uint64) {
	r.mu.Lock()
	if r.pending != nil {
		delete(r.pending, id)
	}
	r.mu.Unlock()
}

func (r *RemoteBackend) ProbeCount(ctx context.Context) (int, error) {
	resp, err := r.call(ctx, Request{Op: OpProbeCount})
	if err != nil {
		return 0, err
	}
	return int(resp.Value), nil
}

func (r *RemoteBackend) SampleRate(ctx context.Context, id StreamID) (float64, error) {
	resp, err := r.call(ctx, Request{Op: OpSampleRate, Stream: id})
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

func (r *RemoteBackend) AcqChanCounts(ctx context.Context, id StreamID) ([]int, error) {
	resp, err := r.call(ctx, Request{Op: OpAcqChanCounts, Stream: id})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (r *RemoteBackend) SampleCount(ctx context.Context, id StreamID) (uint64, error) {
	resp, err := r.call(ctx, Request{Op: OpSampleCount, Stream: id})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (r *RemoteBackend) GeomMap(ctx context.Context, probe int) ([]string, error) {
	resp, err := r.call(ctx, Request{Op: OpGeomMap, Probe: probe, Stream: ProbeStream(probe)})
	if err != nil {
		return nil, err
	}
	return resp.Strings, nil
}

func (r *RemoteBackend) Fetch(ctx context.Context, id StreamID, from uint64, maxScans int, channels []int, downsample int) (Block, error) {
	resp, err := r.call(ctx, Request{
		Op: OpFetch, Stream: id, From: from, Max: maxScans,
		Channels: channels, Downsample: downsample,
	})
	if err != nil {
		return Block{}, err
	}
	return blockFromResponse(resp)
}

func (r *RemoteBackend) FetchLatest(ctx context.Context, id StreamID, maxScans int, channels []int, downsample int) (Block, error) {
	resp, err := r.call(ctx, Request{
		Op: OpFetchLatest, Stream: id, Max: maxScans,
		Channels: channels, Downsample: downsample,
	})
	if err != nil {
		return Block{}, err
	}
	return blockFromResponse(resp)
}
