package transport

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mini-peer/logger"
	"mini-peer/message"
	"mini-peer/metrics"
	"mini-peer/protocol"
)

var ErrPipeFull = errors.New("transport: pipe buffer full")

const pipeBuffer = 1024

// PipeTransport is one end of an in-process link created by Pipe. Messages
// still go through the codec, so both ends see exactly what a WebSocket peer
// would. It behaves like a ServerTransport: Open on start, no reconnect.
type PipeTransport struct {
	id     string
	opts   Options
	logger *zap.Logger
	em     emitter
	remote *PipeTransport

	inbox        chan []byte
	done         chan struct{} // closed on local close or drop
	remoteClosed chan struct{} // closed when the other end closed us

	startOnce   sync.Once
	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

// Pipe returns two connected transports.
func Pipe(opts Options) (*PipeTransport, *PipeTransport) {
	opts = opts.withDefaults()
	a, b := newPipeEnd(opts), newPipeEnd(opts)
	a.remote, b.remote = b, a
	return a, b
}

func newPipeEnd(opts Options) *PipeTransport {
	id := uuid.NewString()
	return &PipeTransport{
		id:           id,
		opts:         opts,
		logger:       logger.Named(opts.Logger, "transport").With(zap.String("transport", id)),
		inbox:        make(chan []byte, pipeBuffer),
		done:         make(chan struct{}),
		remoteClosed: make(chan struct{}),
	}
}

func (t *PipeTransport) ID() string { return t.id }

func (t *PipeTransport) Start(h Handler) {
	t.startOnce.Do(func() {
		t.em.set(h)
		select {
		case <-t.done:
			return
		default:
		}
		t.em.emit(Event{Type: EventOpen})
		go t.deliverLoop()
	})
}

func (t *PipeTransport) deliverLoop() {
	for {
		select {
		case data := <-t.inbox:
			t.deliver(data)
		case <-t.done:
			return
		case <-t.remoteClosed:
			// Deliver what was sent before the close, then report it.
			for {
				select {
				case data := <-t.inbox:
					t.deliver(data)
				default:
					t.mu.Lock()
					code, reason := t.closeCode, t.closeReason
					t.mu.Unlock()
					t.em.emit(Event{Type: EventClose, Code: code, Reason: reason})
					return
				}
			}
		}
	}
}

func (t *PipeTransport) deliver(data []byte) {
	m, err := t.opts.Codec.Decode(data)
	if err != nil {
		metrics.DecodeErrors.Inc()
		t.logger.Warn("dropping malformed message", zap.Error(err))
		return
	}
	t.em.emit(Event{Type: EventMessage, Message: m})
}

func (t *PipeTransport) Send(m *message.Message) error {
	if t.Closed() {
		return ErrClosed
	}
	data, err := t.opts.Codec.Encode(m)
	if err != nil {
		return err
	}
	return t.remote.receive(data)
}

// SendRaw pushes an already encoded payload to the other end, bypassing the
// encoder. Useful to exercise the decode path.
func (t *PipeTransport) SendRaw(data []byte) error {
	if t.Closed() {
		return ErrClosed
	}
	return t.remote.receive(data)
}

func (t *PipeTransport) receive(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	select {
	case t.inbox <- data:
		return nil
	default:
		return ErrPipeFull
	}
}

// Close closes this end immediately and lets the other end observe a close
// frame carrying code and reason.
func (t *PipeTransport) Close(code int, reason string) {
	if t.closeLocal(code, reason) {
		t.remote.closeFromRemote(code, reason)
	}
}

// Drop simulates the link dying: both ends close at once with an abnormal code.
func (t *PipeTransport) Drop() {
	t.closeLocal(protocol.CloseAbnormal, "connection lost")
	t.remote.closeLocal(protocol.CloseAbnormal, "connection lost")
}

func (t *PipeTransport) closeLocal(code int, reason string) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.em.emit(Event{Type: EventClose, Code: code, Reason: reason})
	return true
}

func (t *PipeTransport) closeFromRemote(code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.closeCode, t.closeReason = code, reason
	close(t.remoteClosed)
}

func (t *PipeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
