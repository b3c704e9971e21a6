// Package transport carries encoded messages over one physical connection.
//
// A Transport reports what happens to its connection through events delivered
// to a single Handler, in order:
//
//	Open         the connection is usable (again)
//	Message      a decoded inbound message
//	Disconnected a connected link was lost; the transport is retrying
//	Failed       a connect attempt failed before reaching Open
//	Close        terminal; nothing is emitted after it
//
// ServerTransport wraps an already-upgraded WebSocket and never reconnects.
// ClientTransport owns dialing and reconnects with bounded exponential backoff.
// Pipe connects two in-process transports.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"mini-peer/codec"
	"mini-peer/message"
)

var (
	ErrClosed       = errors.New("transport: closed")
	ErrNotConnected = errors.New("transport: not connected")
	ErrSubprotocol  = errors.New("transport: sub-protocol not negotiated")
)

type EventType int

const (
	EventOpen EventType = iota + 1
	EventMessage
	EventDisconnected
	EventFailed
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventDisconnected:
		return "disconnected"
	case EventFailed:
		return "failed"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one notification from a transport. Which fields are set depends on Type.
type Event struct {
	Type    EventType
	Message *message.Message // EventMessage
	Attempt int              // EventFailed
	Err     error            // EventFailed
	Code    int              // EventClose, EventDisconnected
	Reason  string           // EventClose, EventDisconnected
}

// Handler receives transport events. It is called from the transport's own
// goroutines and must not block.
type Handler func(Event)

// Transport is one logical link to a remote peer.
type Transport interface {
	// ID identifies this transport instance.
	ID() string
	// Start begins delivering events to h. It is called once.
	Start(h Handler)
	// Send writes m, failing fast when the link is closed or down.
	Send(m *message.Message) error
	// Close shuts the link down, emits Close and never waits for the remote.
	Close(code int, reason string)
	// Closed reports whether Close has been emitted or is about to be.
	Closed() bool
}

// Options shared by every WebSocket transport.
type Options struct {
	Codec          codec.Codec
	Logger         *zap.Logger
	Clock          clock.Clock
	PingInterval   time.Duration // 0 disables keepalive pings
	PongWait       time.Duration // read deadline extended by every pong
	WriteWait      time.Duration
	MaxMessageSize int64
}

// DefaultOptions returns keepalive every 30s with a 60s pong window.
func DefaultOptions() Options {
	return Options{
		Codec:          codec.GetCodec(codec.CodecTypeJSON),
		Clock:          clock.New(),
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Codec == nil {
		o.Codec = d.Codec
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.PingInterval > 0 && o.PongWait <= o.PingInterval {
		o.PongWait = 2 * o.PingInterval
	}
	return o
}

// emitter serializes events to the handler and drops everything after Close.
type emitter struct {
	mu      sync.Mutex
	handler Handler
	closed  bool
}

func (e *emitter) set(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *emitter) emit(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if ev.Type == EventClose {
		e.closed = true
	}
	if e.handler != nil {
		e.handler(ev)
	}
	return true
}
