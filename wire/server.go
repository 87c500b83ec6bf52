package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Handler processes decoded frames. The coordinator implements it.
type Handler interface {
	// Handle processes a request frame and returns the response frame,
	// or nil when no reply should be sent.
	Handle(ctx context.Context, frame *Frame, conn *Conn) *Frame

	// WorkerDisconnected is called when a worker's connection drops.
	WorkerDisconnected(workerID string)
}

// Server accepts worker WebSocket connections and one-shot HTTP RPC
// requests, decodes frames, and dispatches them to the Handler. A worker
// connection must send worker.register as its first frame; everything
// before a successful registration is rejected.
type Server struct {
	handler      Handler
	defaultCodec Codec
	conns        *ConnManager
	logger       *slog.Logger
	listenAddr   string

	httpServer *http.Server
	listener   net.Listener
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithListenAddr sets the bind address. Defaults to ":50051".
func WithListenAddr(addr string) ServerOption {
	return func(s *Server) { s.listenAddr = addr }
}

// WithDefaultCodec sets the codec used when a worker does not request a
// format. Defaults to JSON.
func WithDefaultCodec(c Codec) ServerOption {
	return func(s *Server) { s.defaultCodec = c }
}

// WithServerLogger sets the structured logger for the server.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a wire server dispatching to the given handler.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler:      handler,
		defaultCodec: &JSONCodec{},
		conns:        NewConnManager(),
		logger:       slog.Default(),
		listenAddr:   ":50051",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connections returns the connection manager.
func (s *Server) Connections() *ConnManager { return s.conns }

// Addr returns the bound listen address, useful when listening on :0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.listenAddr
}

// Start binds the listener and serves in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("wire: listen %s: %w", s.listenAddr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleHTTPRPC)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("wire server stopped", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("wire server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown stops accepting connections and closes active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, c := range s.conns.All() {
		c.Close() //nolint:errcheck // shutting down
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Request sends a coordinator-initiated request to a connected worker
// and waits for its response.
func (s *Server) Request(ctx context.Context, workerID, method string, data any) (*Frame, error) {
	conn, ok := s.conns.Get(workerID)
	if !ok {
		return nil, fmt.Errorf("wire: worker %q not connected", workerID)
	}
	return conn.Request(ctx, method, data)
}

// handleWebSocket upgrades the connection and runs the frame loop for
// one worker session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer raw.Close()

	// The register frame arrives before codec negotiation, always JSON.
	data, _, err := wsutil.ReadClientData(raw)
	if err != nil {
		return
	}

	var regFrame Frame
	if err := json.Unmarshal(data, &regFrame); err != nil {
		s.writeRaw(raw, &JSONCodec{}, NewErrorFrame("", ErrCodeBadRequest, "invalid register frame"))
		return
	}
	if regFrame.Method != MethodWorkerRegister {
		s.writeRaw(raw, &JSONCodec{}, NewErrorFrame(regFrame.ID, ErrCodeBadRequest, "first frame must be worker.register"))
		return
	}

	var regReq RegisterRequest
	if len(regFrame.Data) > 0 {
		if err := json.Unmarshal(regFrame.Data, &regReq); err != nil {
			s.writeRaw(raw, &JSONCodec{}, NewErrorFrame(regFrame.ID, ErrCodeBadRequest, "invalid register data"))
			return
		}
	}
	if regReq.Address == "" {
		regReq.Address = r.RemoteAddr
		data, _ = json.Marshal(regReq) //nolint:errcheck // round-trips a value we just decoded
		regFrame.Data = data
	}

	resp := s.handler.Handle(r.Context(), &regFrame, nil)
	if resp == nil {
		resp = NewErrorFrame(regFrame.ID, ErrCodeInternal, "no response from handler")
	}
	if writeErr := s.writeRaw(raw, &JSONCodec{}, resp); writeErr != nil {
		return
	}
	if resp.Type != FrameResponse {
		return
	}

	var regResp RegisterResponse
	if err := json.Unmarshal(resp.Data, &regResp); err != nil || !regResp.Accepted {
		return
	}

	codec := s.defaultCodec
	if regReq.Format != "" {
		codec = GetCodec(regReq.Format)
	}

	conn := NewConn(regResp.AssignedWorkerID, codec, raw)
	s.conns.Add(conn)
	defer func() {
		s.conns.Remove(conn)
		s.handler.WorkerDisconnected(conn.WorkerID)
		s.logger.Info("worker disconnected", slog.String("worker_id", conn.WorkerID))
	}()

	s.logger.Info("worker connected",
		slog.String("worker_id", conn.WorkerID),
		slog.String("address", regReq.Address),
		slog.String("codec", codec.Name()),
	)

	ctx := context.Background()
	for {
		data, _, err := wsutil.ReadClientData(raw)
		if err != nil {
			return
		}

		conn.Touch()

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			errFrame := NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error())
			if writeErr := conn.WriteFrame(errFrame); writeErr != nil {
				return
			}
			continue
		}

		switch frame.Type {
		case FramePing:
			pong := &Frame{
				ID:        GenerateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: frame.Timestamp,
			}
			if writeErr := conn.WriteFrame(pong); writeErr != nil {
				return
			}

		case FrameResponse, FrameErr:
			if !conn.Resolve(frame) {
				s.logger.Debug("unmatched response frame",
					slog.String("worker_id", conn.WorkerID),
					slog.String("correl_id", frame.CorrelID),
				)
			}

		case FrameRequest:
			if respFrame := s.handler.Handle(ctx, frame, conn); respFrame != nil {
				if writeErr := conn.WriteFrame(respFrame); writeErr != nil {
					return
				}
			}

		default:
			// Pong or unknown frame types need no reply.
		}
	}
}

// handleHTTPRPC handles one-shot RPC requests for control clients
// (job.submit, job.get, job.cancel, job.list, worker.list,
// cluster.health). Worker methods require a registered connection and
// are rejected here.
func (s *Server) handleHTTPRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var frame Frame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, NewErrorFrame("", ErrCodeBadRequest, "invalid request body"))
		return
	}

	switch frame.Method {
	case MethodWorkerRegister, MethodWorkerHeartbeat, MethodTaskResult:
		writeJSONStatus(w, http.StatusBadRequest, NewErrorFrame(frame.ID, ErrCodeBadRequest, "worker methods require a websocket session"))
		return
	}

	resp := s.handler.Handle(r.Context(), &frame, nil)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	status := http.StatusOK
	if resp.Type == FrameErr && resp.Error != nil {
		status = resp.Error.Code
		if status < 100 || status > 599 {
			status = http.StatusInternalServerError
		}
	}
	writeJSONStatus(w, status, resp)
}

func (s *Server) writeRaw(raw net.Conn, codec Codec, frame *Frame) error {
	data, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	return wsutil.WriteServerText(raw, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response write
}
