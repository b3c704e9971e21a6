package transport

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mini-peer/logger"
	"mini-peer/message"
)

// ServerTransport wraps a connection the acceptor already upgraded. It emits
// Open as soon as it starts and Close when the connection ends; it never
// reconnects, the remote has to dial again.
type ServerTransport struct {
	id     string
	ws     *wsConn
	logger *zap.Logger
	em     emitter

	startOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func NewServerTransport(conn *websocket.Conn, opts Options) *ServerTransport {
	opts = opts.withDefaults()
	id := uuid.NewString()
	l := logger.Named(opts.Logger, "transport").With(
		zap.String("transport", id),
		zap.String("remote", conn.RemoteAddr().String()),
	)
	return &ServerTransport{
		id:     id,
		ws:     newWSConn(conn, opts, l),
		logger: l,
	}
}

func (t *ServerTransport) ID() string { return t.id }

func (t *ServerTransport) Start(h Handler) {
	t.startOnce.Do(func() {
		t.em.set(h)
		if t.Closed() {
			return
		}
		t.em.emit(Event{Type: EventOpen})
		go t.readLoop()
		go t.ws.pingLoop()
	})
}

func (t *ServerTransport) readLoop() {
	code, reason := t.ws.readLoop(func(m *message.Message) {
		t.em.emit(Event{Type: EventMessage, Message: m})
	})

	t.mu.Lock()
	wasClosed := t.closed
	t.closed = true
	t.mu.Unlock()

	t.ws.release()
	if !wasClosed {
		t.logger.Debug("connection closed by remote", zap.Int("code", code), zap.String("reason", reason))
		t.em.emit(Event{Type: EventClose, Code: code, Reason: reason})
	}
}

func (t *ServerTransport) Send(m *message.Message) error {
	if t.Closed() {
		return ErrClosed
	}
	return t.ws.send(m)
}

func (t *ServerTransport) Close(code int, reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.logger.Debug("closing", zap.Int("code", code), zap.String("reason", reason))
	t.ws.close(code, reason)
	t.em.emit(Event{Type: EventClose, Code: code, Reason: reason})
}

func (t *ServerTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
