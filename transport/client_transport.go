package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mini-peer/loadbalance"
	"mini-peer/logger"
	"mini-peer/message"
	"mini-peer/metrics"
	"mini-peer/protocol"
)

// ClientOptions configures a ClientTransport.
type ClientOptions struct {
	Options

	// Endpoints to dial; Balancer picks one per attempt (RoundRobin by default).
	Endpoints []loadbalance.Endpoint
	Balancer  loadbalance.Balancer
	// Key is passed to the Balancer, usually the local peer identity.
	Key string

	Dialer  *websocket.Dialer
	Header  http.Header
	Backoff Backoff
}

// ClientTransport dials a signaling endpoint and keeps the link up.
//
// Two recovery paths:
//
//	never connected:  Failed(1) → wait → Failed(2) → ... → Close once Retries are exhausted
//	was connected:    Disconnected → dial again from attempt 1 with a fresh backoff
//
// A definitive close from the remote (see protocol.IsDefinitiveClose) and a
// local Close end the transport for good.
type ClientTransport struct {
	id     string
	opts   ClientOptions
	dialer *websocket.Dialer
	logger *zap.Logger
	em     emitter

	ctx    context.Context // canceled by Close; aborts dials and backoff waits
	cancel context.CancelFunc

	startOnce sync.Once
	mu        sync.Mutex
	closed    bool
	ws        *wsConn
	done      chan struct{}
}

func NewClientTransport(opts ClientOptions) *ClientTransport {
	opts.Options = opts.Options.withDefaults()
	opts.Backoff = opts.Backoff.withDefaults()
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientTransport{
		id:     id,
		opts:   opts,
		dialer: dialerWithSubprotocol(opts.Dialer),
		logger: logger.Named(opts.Logger, "transport").With(zap.String("transport", id)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func dialerWithSubprotocol(d *websocket.Dialer) *websocket.Dialer {
	var out websocket.Dialer
	if d != nil {
		out = *d
	} else {
		out = websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if !protocol.HasSubprotocol(out.Subprotocols) {
		out.Subprotocols = append([]string{protocol.Subprotocol}, out.Subprotocols...)
	}
	return &out
}

func (t *ClientTransport) ID() string { return t.id }

// Start begins connecting in the background.
func (t *ClientTransport) Start(h Handler) {
	t.startOnce.Do(func() {
		t.em.set(h)
		go t.run()
	})
}

// Done is closed when the connect loop has exited.
func (t *ClientTransport) Done() <-chan struct{} { return t.done }

func (t *ClientTransport) run() {
	defer close(t.done)

	attempt := 0
	for {
		attempt++
		ws, err := t.dial()
		if err != nil {
			if t.Closed() {
				return
			}
			metrics.ConnectAttempts.WithLabelValues("failed").Inc()
			t.logger.Warn("connect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			t.em.emit(Event{Type: EventFailed, Attempt: attempt, Err: err})

			if t.opts.Backoff.Exhausted(attempt) {
				t.terminate(protocol.CloseAbnormal, "connect retries exhausted")
				return
			}
			if !t.wait(t.opts.Backoff.Delay(attempt)) {
				return
			}
			continue
		}

		metrics.ConnectAttempts.WithLabelValues("ok").Inc()
		if !t.adopt(ws) {
			ws.close(protocol.CloseNormal, protocol.ReasonNormal)
			return
		}
		attempt = 0
		t.logger.Debug("connected")
		t.em.emit(Event{Type: EventOpen})
		go ws.pingLoop()

		code, reason := ws.readLoop(func(m *message.Message) {
			t.em.emit(Event{Type: EventMessage, Message: m})
		})
		ws.release()

		if !t.drop(ws) {
			return
		}
		if protocol.IsDefinitiveClose(code) {
			t.logger.Info("remote closed the link for good", zap.Int("code", code), zap.String("reason", reason))
			t.terminate(code, reason)
			return
		}
		t.logger.Info("connection lost, reconnecting", zap.Int("code", code), zap.String("reason", reason))
		t.em.emit(Event{Type: EventDisconnected, Code: code, Reason: reason})
	}
}

func (t *ClientTransport) dial() (*wsConn, error) {
	ep, err := t.opts.Balancer.Pick(t.opts.Key, t.opts.Endpoints)
	if err != nil {
		return nil, err
	}
	conn, resp, err := t.dialer.DialContext(t.ctx, ep.URL, t.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", ep.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", ep.URL, err)
	}
	if conn.Subprotocol() != protocol.Subprotocol {
		conn.Close()
		return nil, fmt.Errorf("dial %s: %w", ep.URL, ErrSubprotocol)
	}
	return newWSConn(conn, t.opts.Options, t.logger.With(zap.String("endpoint", ep.URL))), nil
}

// wait sleeps for d unless the transport is closed first.
func (t *ClientTransport) wait(d time.Duration) bool {
	timer := t.opts.Clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// adopt installs ws as the live connection, unless Close won the race.
func (t *ClientTransport) adopt(ws *wsConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.ws = ws
	return true
}

// drop forgets ws after its read loop ended. It reports whether the transport
// is still running.
func (t *ClientTransport) drop(ws *wsConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ws == ws {
		t.ws = nil
	}
	return !t.closed
}

// terminate ends the transport from the connect loop.
func (t *ClientTransport) terminate(code int, reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.cancel()
	t.mu.Unlock()

	t.em.emit(Event{Type: EventClose, Code: code, Reason: reason})
}

func (t *ClientTransport) Send(m *message.Message) error {
	t.mu.Lock()
	closed, ws := t.closed, t.ws
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if ws == nil {
		return ErrNotConnected
	}
	return ws.send(m)
}

// Close stops reconnecting, cancels any dial or backoff wait in progress and
// sends a best-effort close frame.
func (t *ClientTransport) Close(code int, reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	ws := t.ws
	t.ws = nil
	t.cancel()
	t.mu.Unlock()

	if ws != nil {
		ws.close(code, reason)
	}
	t.logger.Debug("closed locally", zap.Int("code", code), zap.String("reason", reason))
	t.em.emit(Event{Type: EventClose, Code: code, Reason: reason})
}

func (t *ClientTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
