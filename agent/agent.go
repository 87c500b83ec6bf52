package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/LLM-Dev-Ops/fleet/middleware"
	"github.com/LLM-Dev-Ops/fleet/wire"
)

// Agent is a worker process client. It holds one WebSocket connection
// to the coordinator, reconnecting with exponential backoff when the
// connection drops.
type Agent struct {
	url      string
	address  string
	capacity int
	tags     []string
	metadata map[string]string
	format   string
	codec    wire.Codec

	handlers *Registry
	mw       middleware.Middleware
	logger   *slog.Logger

	heartbeatInterval time.Duration
	reconnectBackoff  time.Duration
	maxReconnect      time.Duration
	requestTimeout    time.Duration

	// workerID is assigned by the coordinator at first registration and
	// reused on reconnect so the registry treats it as the same worker.
	mu       sync.RWMutex
	workerID string
	conn     net.Conn
	writeMu  sync.Mutex

	pending sync.Map // frame ID → chan *wire.Frame

	sem       chan struct{}
	current   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Option configures an Agent.
type Option func(*Agent)

// WithAddress sets the advertised worker address. Defaults to the
// connection's local address as seen by the coordinator.
func WithAddress(addr string) Option {
	return func(a *Agent) { a.address = addr }
}

// WithCapacity sets the maximum concurrent tasks. Defaults to 4.
func WithCapacity(n int) Option {
	return func(a *Agent) { a.capacity = n }
}

// WithTags sets the capability tags advertised to the coordinator.
func WithTags(tags ...string) Option {
	return func(a *Agent) { a.tags = tags }
}

// WithMetadata sets arbitrary worker metadata.
func WithMetadata(md map[string]string) Option {
	return func(a *Agent) { a.metadata = md }
}

// WithFormat selects the wire codec ("json" or "msgpack").
func WithFormat(format string) Option {
	return func(a *Agent) { a.format = format }
}

// WithMiddleware sets the task execution middleware chain, replacing
// the default Logging → Recover → Deadline chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(a *Agent) { a.mw = middleware.Chain(mws...) }
}

// WithHeartbeatInterval sets the initial heartbeat cadence. The
// coordinator's register response overrides it.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Agent) { a.heartbeatInterval = d }
}

// WithLogger sets the structured logger for the agent.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates an Agent that will connect to the coordinator at url
// (e.g. "ws://coordinator:50051/ws") and execute tasks with the given
// handler registry.
func New(url string, handlers *Registry, opts ...Option) *Agent {
	a := &Agent{
		url:               url,
		capacity:          4,
		format:            wire.CodecNameJSON,
		handlers:          handlers,
		logger:            slog.Default(),
		heartbeatInterval: 5 * time.Second,
		reconnectBackoff:  2 * time.Second,
		maxReconnect:      60 * time.Second,
		requestTimeout:    10 * time.Second,
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.codec = wire.GetCodec(a.format)
	if a.mw == nil {
		a.mw = middleware.Chain(
			middleware.Logging(a.logger),
			middleware.Recover(a.logger),
			middleware.Deadline(a.logger),
		)
	}
	a.sem = make(chan struct{}, a.capacity)
	return a
}

// WorkerID returns the coordinator-assigned worker ID, or empty before
// the first successful registration.
func (a *Agent) WorkerID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.workerID
}

// Start connects, registers, and launches the read and heartbeat loops.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.connect(ctx); err != nil {
		return err
	}

	a.wg.Add(2)
	go a.readLoop()
	go a.heartbeatLoop()

	a.logger.Info("agent started",
		slog.String("worker_id", a.WorkerID()),
		slog.Int("capacity", a.capacity),
		slog.String("codec", a.codec.Name()),
	)
	return nil
}

// Stop closes the connection and waits for in-flight goroutines. Tasks
// still executing are abandoned; the coordinator's deadline sweep
// requeues them.
func (a *Agent) Stop(_ context.Context) {
	a.once.Do(func() { close(a.stopCh) })
	a.closeConn()
	a.wg.Wait()
	a.logger.Info("agent stopped", slog.String("worker_id", a.WorkerID()))
}

// ──────────────────────────────────────────────────
// Connection management
// ──────────────────────────────────────────────────

// connect dials the coordinator and performs the register handshake.
// The register exchange is always JSON; the negotiated codec applies to
// every frame after it.
func (a *Agent) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, a.url)
	if err != nil {
		return fmt.Errorf("agent: dial %q: %w", a.url, err)
	}

	regReq := wire.RegisterRequest{
		WorkerID: a.WorkerID(),
		Address:  a.address,
		Capacity: a.capacity,
		Tags:     a.tags,
		Metadata: a.metadata,
		Format:   a.format,
	}
	frame, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodWorkerRegister, regReq)
	if err != nil {
		conn.Close()
		return err
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		conn.Close()
		return err
	}
	if err := wsutil.WriteClientText(conn, raw); err != nil {
		conn.Close()
		return fmt.Errorf("agent: register write: %w", err)
	}

	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("agent: register read: %w", err)
	}

	var resp wire.Frame
	if err := json.Unmarshal(data, &resp); err != nil {
		conn.Close()
		return fmt.Errorf("agent: register parse: %w", err)
	}
	if resp.Type == wire.FrameErr {
		conn.Close()
		msg := "registration rejected"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return fmt.Errorf("agent: %s", msg)
	}

	var regResp wire.RegisterResponse
	if err := json.Unmarshal(resp.Data, &regResp); err != nil {
		conn.Close()
		return fmt.Errorf("agent: register response parse: %w", err)
	}
	if !regResp.Accepted {
		conn.Close()
		return fmt.Errorf("agent: registration rejected: %s", regResp.Message)
	}

	a.mu.Lock()
	a.workerID = regResp.AssignedWorkerID
	a.conn = conn
	a.mu.Unlock()

	if regResp.HeartbeatIntervalSeconds > 0 {
		a.heartbeatInterval = time.Duration(regResp.HeartbeatIntervalSeconds) * time.Second
	}

	a.logger.Info("agent registered",
		slog.String("worker_id", regResp.AssignedWorkerID),
		slog.Duration("heartbeat_interval", a.heartbeatInterval),
	)
	return nil
}

func (a *Agent) getConn() net.Conn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.conn
}

func (a *Agent) closeConn() {
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close() //nolint:errcheck // tearing down
		a.conn = nil
	}
	a.mu.Unlock()
}

// reconnect retries the register handshake with doubling backoff until
// it succeeds or the agent stops.
func (a *Agent) reconnect() bool {
	backoff := a.reconnectBackoff
	for {
		select {
		case <-a.stopCh:
			return false
		case <-time.After(backoff):
		}

		a.logger.Info("agent reconnecting",
			slog.String("worker_id", a.WorkerID()),
			slog.Duration("backoff", backoff),
		)

		if err := a.connect(context.Background()); err != nil {
			a.logger.Warn("agent reconnect failed", slog.String("error", err.Error()))
			backoff = min(backoff*2, a.maxReconnect)
			continue
		}
		return true
	}
}

// ──────────────────────────────────────────────────
// Frame loops
// ──────────────────────────────────────────────────

func (a *Agent) readLoop() {
	defer a.wg.Done()

	for {
		conn := a.getConn()
		if conn == nil {
			if !a.reconnect() {
				return
			}
			continue
		}

		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			select {
			case <-a.stopCh:
				return
			default:
			}
			a.logger.Warn("agent read error", slog.String("error", err.Error()))
			a.closeConn()
			continue
		}

		frame, decErr := a.codec.Decode(data)
		if decErr != nil {
			a.logger.Warn("agent received invalid frame", slog.String("error", decErr.Error()))
			continue
		}

		switch frame.Type {
		case wire.FrameRequest:
			if frame.Method == wire.MethodTaskDispatch {
				a.handleDispatch(frame)
			}
		case wire.FrameResponse, wire.FrameErr:
			if val, ok := a.pending.LoadAndDelete(frame.CorrelID); ok {
				val.(chan *wire.Frame) <- frame
			}
		case wire.FramePing:
			pong := &wire.Frame{
				ID:        wire.GenerateFrameID(),
				Type:      wire.FramePong,
				CorrelID:  frame.ID,
				Timestamp: frame.Timestamp,
			}
			a.writeFrame(pong) //nolint:errcheck // best-effort pong
		default:
			// Pong frames need no handling.
		}
	}
}

func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

func (a *Agent) sendHeartbeat() {
	if a.getConn() == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.requestTimeout)
	defer cancel()

	resp, err := a.request(ctx, wire.MethodWorkerHeartbeat, wire.HeartbeatRequest{
		WorkerID:       a.WorkerID(),
		CurrentTasks:   int(a.current.Load()),
		CompletedTasks: a.completed.Load(),
		FailedTasks:    a.failed.Load(),
	})
	if err != nil {
		a.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
		return
	}

	// An evicted worker must register again: drop the connection so the
	// read loop reconnects with the existing worker ID.
	if resp.Type == wire.FrameErr && resp.Error != nil && resp.Error.Code == wire.ErrCodeGone {
		a.logger.Warn("coordinator no longer knows this worker, re-registering",
			slog.String("worker_id", a.WorkerID()),
		)
		a.closeConn()
	}
}

// ──────────────────────────────────────────────────
// Outbound frames
// ──────────────────────────────────────────────────

func (a *Agent) writeFrame(frame *wire.Frame) error {
	conn := a.getConn()
	if conn == nil {
		return errors.New("agent: not connected")
	}

	data, err := a.codec.Encode(frame)
	if err != nil {
		return err
	}

	op := ws.OpText
	if a.codec.Name() != wire.CodecNameJSON {
		op = ws.OpBinary
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, op, data)
}

// request sends a request frame and waits for the matching response.
func (a *Agent) request(ctx context.Context, method string, data any) (*wire.Frame, error) {
	frame, err := wire.NewRequestFrame(wire.GenerateFrameID(), method, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan *wire.Frame, 1)
	a.pending.Store(frame.ID, ch)
	defer a.pending.Delete(frame.ID)

	if err := a.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Agent) respond(correlID string, data any) {
	frame, err := wire.NewResponseFrame(correlID, data)
	if err != nil {
		a.logger.Error("agent marshal response", slog.String("error", err.Error()))
		return
	}
	if err := a.writeFrame(frame); err != nil {
		a.logger.Warn("agent write response", slog.String("error", err.Error()))
	}
}
