package wire

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is an established worker connection. It serializes writes and
// correlates coordinator-initiated requests with worker responses.
type Conn struct {
	// WorkerID is the registered worker this connection belongs to.
	WorkerID string

	// Codec is the negotiated wire format.
	Codec Codec

	// ConnectedAt records when the connection registered.
	ConnectedAt time.Time

	// LastActivity tracks the most recent frame received.
	LastActivity atomic.Value // time.Time

	raw     net.Conn
	writeMu sync.Mutex
	pending sync.Map // frame ID → chan *Frame
}

// NewConn wraps an upgraded WebSocket connection for the given worker.
func NewConn(workerID string, codec Codec, raw net.Conn) *Conn {
	c := &Conn{
		WorkerID:    workerID,
		Codec:       codec,
		ConnectedAt: time.Now().UTC(),
		raw:         raw,
	}
	c.LastActivity.Store(time.Now().UTC())
	return c
}

// Touch updates the last activity timestamp.
func (c *Conn) Touch() {
	c.LastActivity.Store(time.Now().UTC())
}

// WriteFrame encodes and writes a frame. Safe for concurrent use.
func (c *Conn) WriteFrame(frame *Frame) error {
	if c.raw == nil {
		return fmt.Errorf("wire: connection %q has no transport", c.WorkerID)
	}
	data, err := c.Codec.Encode(frame)
	if err != nil {
		return err
	}

	op := ws.OpText
	if c.Codec.Name() != CodecNameJSON {
		op = ws.OpBinary
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.raw, op, data)
}

// Request sends a request frame and waits for the matching response.
// The read loop resolves the correlation via Resolve.
func (c *Conn) Request(ctx context.Context, method string, data any) (*Frame, error) {
	frame, err := NewRequestFrame(GenerateFrameID(), method, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Frame, 1)
	c.pending.Store(frame.ID, ch)
	defer c.pending.Delete(frame.ID)

	if err := c.WriteFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers a response frame to the pending request it answers.
// Returns false when no request is waiting on the correlation ID.
func (c *Conn) Resolve(frame *Frame) bool {
	val, ok := c.pending.LoadAndDelete(frame.CorrelID)
	if !ok {
		return false
	}
	val.(chan *Frame) <- frame //nolint:errcheck // pending always stores chan *Frame
	return true
}

// Close tears down the underlying transport.
func (c *Conn) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

// ConnManager tracks active worker connections keyed by worker ID.
type ConnManager struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewConnManager creates an empty connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		conns: make(map[string]*Conn),
	}
}

// Add registers a connection, replacing and closing any previous
// connection for the same worker (reconnect).
func (cm *ConnManager) Add(conn *Conn) {
	cm.mu.Lock()
	prev := cm.conns[conn.WorkerID]
	cm.conns[conn.WorkerID] = conn
	cm.mu.Unlock()

	if prev != nil && prev != conn {
		prev.Close() //nolint:errcheck // replaced connection is already dead
	}
}

// Remove unregisters a connection. A newer connection under the same
// worker ID (reconnect race) is left in place.
func (cm *ConnManager) Remove(conn *Conn) {
	cm.mu.Lock()
	if cm.conns[conn.WorkerID] == conn {
		delete(cm.conns, conn.WorkerID)
	}
	cm.mu.Unlock()
}

// Get returns the connection for a worker.
func (cm *ConnManager) Get(workerID string) (*Conn, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.conns[workerID]
	return c, ok
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// All returns a snapshot of all connections.
func (cm *ConnManager) All() []*Conn {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Conn, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	return out
}
