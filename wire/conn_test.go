package wire

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
)

func TestConnManager_AddGetRemove(t *testing.T) {
	t.Parallel()

	cm := NewConnManager()
	conn := NewConn("wkr-1", &JSONCodec{}, nil)

	cm.Add(conn)
	if got, ok := cm.Get("wkr-1"); !ok || got != conn {
		t.Error("Get() did not return the added connection")
	}
	if cm.Count() != 1 {
		t.Errorf("Count() = %d, want 1", cm.Count())
	}

	cm.Remove(conn)
	if _, ok := cm.Get("wkr-1"); ok {
		t.Error("Get() = true after Remove")
	}
}

func TestConnManager_AddReplacesSameWorker(t *testing.T) {
	t.Parallel()

	cm := NewConnManager()
	first := NewConn("wkr-1", &JSONCodec{}, nil)
	second := NewConn("wkr-1", &JSONCodec{}, nil)

	cm.Add(first)
	cm.Add(second)

	if cm.Count() != 1 {
		t.Errorf("Count() = %d, want 1 after reconnect", cm.Count())
	}
	got, _ := cm.Get("wkr-1")
	if got != second {
		t.Error("Get() returned the replaced connection")
	}
}

func TestConnManager_RemoveIgnoresStaleConnection(t *testing.T) {
	t.Parallel()

	cm := NewConnManager()
	old := NewConn("wkr-1", &JSONCodec{}, nil)
	current := NewConn("wkr-1", &JSONCodec{}, nil)

	cm.Add(old)
	cm.Add(current)

	// The old session's deferred cleanup races the reconnect; the newer
	// connection must survive.
	cm.Remove(old)
	if got, ok := cm.Get("wkr-1"); !ok || got != current {
		t.Error("reconnected session was removed by the stale cleanup")
	}
}

func TestConn_ResolveUnmatched(t *testing.T) {
	t.Parallel()

	c := NewConn("wkr-1", &JSONCodec{}, nil)
	frame := &Frame{ID: GenerateFrameID(), Type: FrameResponse, CorrelID: "nothing-pending"}
	if c.Resolve(frame) {
		t.Error("Resolve() = true with no pending request")
	}
}

func TestConn_WriteFrameWithoutTransport(t *testing.T) {
	t.Parallel()

	c := NewConn("wkr-1", &JSONCodec{}, nil)
	if err := c.WriteFrame(&Frame{ID: "f1", Type: FramePing}); err == nil {
		t.Error("WriteFrame() error = nil without a transport")
	}
}

func TestConn_RequestResolveRoundTrip(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := NewConn("wkr-1", &JSONCodec{}, server)

	// Simulated worker: read the request off the pipe and resolve it.
	go func() {
		data, err := wsutil.ReadServerText(client)
		if err != nil {
			return
		}
		var req Frame
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		resp, err := NewResponseFrame(req.ID, HeartbeatResponse{OK: true})
		if err != nil {
			return
		}
		c.Resolve(resp)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Request(ctx, MethodWorkerHeartbeat, HeartbeatRequest{WorkerID: "wkr-1"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	var hb HeartbeatResponse
	if err := resp.DecodeData(&hb); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if !hb.OK {
		t.Error("heartbeat response OK = false")
	}
}

func TestConn_RequestContextCancelled(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := NewConn("wkr-1", &JSONCodec{}, server)

	// Drain the write but never answer.
	go func() {
		wsutil.ReadServerText(client) //nolint:errcheck // draining
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.Request(ctx, MethodWorkerHeartbeat, HeartbeatRequest{WorkerID: "wkr-1"}); err == nil {
		t.Error("Request() error = nil, want context deadline")
	}
}
