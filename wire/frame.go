// Package wire implements the fleet wire protocol, the message-based
// protocol between the coordinator, its workers, and control clients.
// It is transported over WebSocket (worker connections, long-lived) and
// HTTP (one-shot control RPC).
package wire

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"
	"time"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the protocol envelope. Every message exchanged between the
// coordinator and a worker or client is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g., "task.dispatch").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in a response or error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// ── Well-known methods ──────────────────────────────

const (
	// Worker methods.
	MethodWorkerRegister  = "worker.register"
	MethodWorkerHeartbeat = "worker.heartbeat"
	MethodWorkerList      = "worker.list"

	// Task methods.
	MethodTaskDispatch = "task.dispatch"
	MethodTaskResult   = "task.result"

	// Job methods.
	MethodJobSubmit = "job.submit"
	MethodJobGet    = "job.get"
	MethodJobCancel = "job.cancel"
	MethodJobList   = "job.list"

	// Cluster methods.
	MethodClusterHealth = "cluster.health"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest     = 400
	ErrCodeNotFound       = 404
	ErrCodeMethodNotFound = 405
	ErrCodeConflict       = 409
	ErrCodeGone           = 410
	ErrCodeInternal       = 500
	ErrCodeUnavailable    = 503
)

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// DecodeData unmarshals the frame's payload into v. Payloads are
// always JSON regardless of the envelope codec.
func (f *Frame) DecodeData(v any) error {
	if len(f.Data) == 0 {
		return errors.New("wire: frame has no data")
	}
	return json.Unmarshal(f.Data, v)
}

var frameCounter atomic.Uint64

// GenerateFrameID returns a new unique frame ID.
// Uses a timestamp + counter approach for performance.
func GenerateFrameID() string {
	return time.Now().UTC().Format("20060102150405") + "-" +
		strconv.FormatUint(frameCounter.Add(1), 36)
}
