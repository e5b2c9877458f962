// Package registry is the per-process Subscription Registry: it tracks which
// users are actively listening for group channel messages and how to reach
// them, whether they're on an SSE stream or a WebSocket connection.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Handle is a live delivery target for one subscribing connection. The two
// concrete implementations mirror the SseEmitter / WebSocketSession split
// this subsystem's session model distinguishes only at the transport layer.
type Handle interface {
	// Announce sends the initial "connect" frame a subscriber gets on
	// successfully attaching, before any GroupMessageDto has been delivered.
	Announce() error
	// SendText pushes one message event to the connection. A non-nil error
	// means the connection is dead and should be dropped from the registry.
	SendText(payload string) error
	// Close forcibly ends the connection, e.g. at the session ceiling.
	Close()
	// OnComplete registers a callback invoked exactly once when the
	// connection ends, whether by client disconnect, error, or Close.
	OnComplete(fn func())
}

// SSEHandle streams text/event-stream frames to an http.ResponseWriter.
type SSEHandle struct {
	mu         sync.Mutex
	w          http.ResponseWriter
	flusher    http.Flusher
	done       chan struct{}
	onComplete []func()
}

// NewSSEHandle wraps w for SSE delivery. Returns an error if w doesn't
// support flushing, which every real net/http ResponseWriter does.
func NewSSEHandle(w http.ResponseWriter) (*SSEHandle, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("registry: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEHandle{w: w, flusher: flusher, done: make(chan struct{})}, nil
}

func (h *SSEHandle) Announce() error { return h.writeEvent("connect", "{}") }

func (h *SSEHandle) SendText(payload string) error { return h.writeEvent("message", payload) }

func (h *SSEHandle) writeEvent(event, payload string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return fmt.Errorf("registry: sse handle is closed")
	default:
	}
	if _, err := fmt.Fprintf(h.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	h.flusher.Flush()
	return nil
}

func (h *SSEHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}
	for _, fn := range h.onComplete {
		fn()
	}
}

func (h *SSEHandle) OnComplete(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onComplete = append(h.onComplete, fn)
}

// Done is closed once the handle is closed, so an HTTP handler goroutine can
// block on it (or on request context cancellation) to keep the stream open.
func (h *SSEHandle) Done() <-chan struct{} { return h.done }

// WSHandle streams JSON text frames over a github.com/coder/websocket
// connection.
type WSHandle struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	closed     bool
	onComplete []func()
}

// NewWSHandle wraps an already-accepted websocket connection.
func NewWSHandle(conn *websocket.Conn) *WSHandle {
	return &WSHandle{conn: conn}
}

func (h *WSHandle) Announce() error { return h.SendText(`{"type":"connect"}`) }

func (h *WSHandle) SendText(payload string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("registry: websocket handle is closed")
	}
	h.mu.Unlock()
	return h.conn.Write(context.Background(), websocket.MessageText, []byte(payload))
}

func (h *WSHandle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	callbacks := h.onComplete
	h.mu.Unlock()

	_ = h.conn.Close(websocket.StatusNormalClosure, "session ended")
	for _, fn := range callbacks {
		fn()
	}
}

func (h *WSHandle) OnComplete(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onComplete = append(h.onComplete, fn)
}

// marshalPayload is the helper Registry.Deliver uses to serialize a
// GroupMessageDto before handing it to each Handle.
func marshalPayload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
