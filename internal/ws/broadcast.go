package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ChangLabUcsf/SpikeMemory/internal/fetch"
	"github.com/ChangLabUcsf/SpikeMemory/internal/store"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const writeWait = 5 * time.Second

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer func() {
		c.conn.Close()
		c.b.RemoveClient(c)
	}()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int

	throttle       time.Duration
	snapshotTicker *time.Ticker
	stopOnce       sync.Once
	stop           chan struct{}

	hookMu       sync.RWMutex
	snapshotHook func() SnapshotPayload
	clientHook   func(int)

	pending    DeltaPayload
	flushTimer *time.Timer
	flushMu    sync.Mutex

	seq     atomic.Uint64
	slowLog *rate.Limiter
}

// NewBroadcaster starts the snapshot ticker. maxConns <= 0 means no limit.
func NewBroadcaster(throttle, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		throttle: throttle,
		stop:     make(chan struct{}),
		slowLog:  rate.NewLimiter(rate.Every(10*time.Second), 1),
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

// SetSnapshotHook sets the source of snapshot payloads. Without one no
// snapshots are sent.
func (b *Broadcaster) SetSnapshotHook(fn func() SnapshotPayload) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.snapshotHook = fn
}

// SetClientHook is called with the client count whenever it changes.
func (b *Broadcaster) SetClientHook(fn func(int)) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.clientHook = fn
}

func (b *Broadcaster) snapshot() (SnapshotPayload, bool) {
	b.hookMu.RLock()
	fn := b.snapshotHook
	b.hookMu.RUnlock()
	if fn == nil {
		return SnapshotPayload{}, false
	}
	return fn(), true
}

func (b *Broadcaster) clientsChanged(n int) {
	b.hookMu.RLock()
	fn := b.clientHook
	b.hookMu.RUnlock()
	if fn != nil {
		fn(n)
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{conn: conn, b: b, send: make(chan []byte, 64)}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	n := len(b.clients)
	b.mu.Unlock()

	go c.writePump()
	b.clientsChanged(n)

	if snap, ok := b.snapshot(); ok {
		data, err := b.encode(MsgSnapshot, snap)
		if err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	if ok {
		delete(b.clients, c)
		close(c.send)
	}
	n := len(b.clients)
	b.mu.Unlock()

	if ok {
		b.clientsChanged(n)
	}
}

// QueueDelta merges a commit's delta into the pending message, flushed at
// most once per throttle interval.
func (b *Broadcaster) QueueDelta(d store.Delta) {
	if d.Empty() {
		return
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pending.merge(d)

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// BroadcastHealth sends a stream health transition immediately.
func (b *Broadcaster) BroadcastHealth(h fetch.HealthSnapshot) {
	b.BroadcastMessage(MsgStreamHealth, h)
}

// BroadcastMessage sends a message to every client immediately.
func (b *Broadcaster) BroadcastMessage(t MessageType, payload interface{}) {
	data, err := b.encode(t, payload)
	if err != nil {
		log.Printf("[ws] broadcast marshal error: %v", err)
		return
	}
	b.broadcast(data)
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	pending := b.pending
	b.pending = DeltaPayload{}
	b.flushTimer = nil
	b.flushMu.Unlock()

	if pending.empty() {
		return
	}
	b.BroadcastMessage(MsgDelta, pending)
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			if snap, ok := b.snapshot(); ok {
				b.BroadcastMessage(MsgSnapshot, snap)
			}
		}
	}
}

func (b *Broadcaster) encode(t MessageType, payload interface{}) ([]byte, error) {
	return json.Marshal(WSMessage{Type: t, Seq: b.seq.Add(1), Payload: payload})
}

func (b *Broadcaster) broadcast(data []byte) {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !b.trySend(c, data) {
			if b.slowLog.Allow() {
				log.Printf("[ws] client %s too slow, disconnecting", c.conn.RemoteAddr())
			}
			b.RemoveClient(c)
		}
	}
}

// trySend reports false when the client's buffer is full. A client removed
// concurrently counts as sent.
func (b *Broadcaster) trySend(c *client, data []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop ends the snapshot loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.stop)

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
		b.clientsChanged(0)
	})
}
