package peer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-peer/message"
	"mini-peer/transport"
)

const waitTimeout = 2 * time.Second

// fakeTransport is driven by the test: it records what the peer sends and
// lets the test emit transport events.
type fakeTransport struct {
	id   string
	sent chan *message.Message

	mu        sync.Mutex
	handler   transport.Handler
	closed    bool
	closeCode int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{id: uuid.NewString(), sent: make(chan *message.Message, 64)}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Start(h transport.Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) emit(ev transport.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *fakeTransport) open() { f.emit(transport.Event{Type: transport.EventOpen}) }

func (f *fakeTransport) deliver(m *message.Message) {
	f.emit(transport.Event{Type: transport.EventMessage, Message: m})
}

func (f *fakeTransport) Send(m *message.Message) error {
	if f.Closed() {
		return transport.ErrClosed
	}
	f.sent <- m
	return nil
}

func (f *fakeTransport) Close(code int, reason string) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.closeCode = code
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(transport.Event{Type: transport.EventClose, Code: code, Reason: reason})
	}
}

// lose simulates the remote going away.
func (f *fakeTransport) lose(code int) {
	f.mu.Lock()
	f.closed = true
	f.closeCode = code
	f.mu.Unlock()
	f.emit(transport.Event{Type: transport.EventClose, Code: code, Reason: "lost"})
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) CloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeTransport) nextSent(t *testing.T) *message.Message {
	t.Helper()
	select {
	case m := <-f.sent:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("peer sent nothing")
		return nil
	}
}

func (f *fakeTransport) nothingSent(t *testing.T) {
	t.Helper()
	select {
	case m := <-f.sent:
		t.Fatalf("unexpected send: %s", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestPeer(t *testing.T, opts Options) *Peer {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	p := New("alice", opts)
	t.Cleanup(func() { p.Close(1000, "test done") })
	return p
}

// openPeer returns a peer whose fake transport already reported Open.
func openPeer(t *testing.T, opts Options) (*Peer, *fakeTransport) {
	t.Helper()
	p := newTestPeer(t, opts)
	ft := newFakeTransport()
	require.NoError(t, p.Attach(ft))
	ft.open()
	waitState(t, p, StateOpen)
	return p, ft
}

func waitState(t *testing.T, p *Peer, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.State() == want }, waitTimeout, time.Millisecond,
		"peer never reached %s, is %s", want, p.State())
}

type reply struct {
	data json.RawMessage
	err  error
}

func requestAsync(ctx context.Context, p *Peer, method string, data any, opts ...RequestOption) <-chan reply {
	ch := make(chan reply, 1)
	go func() {
		d, err := p.Request(ctx, method, data, opts...)
		ch <- reply{d, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan reply) reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("request did not complete")
		return reply{}
	}
}

func pending(t *testing.T, ch <-chan reply) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("request completed early: %v", r.err)
	case <-time.After(50 * time.Millisecond):
	}
}

func fired(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("%s was not signaled", what)
	}
}

func signalChan() (chan struct{}, func()) {
	ch := make(chan struct{}, 8)
	return ch, func() { ch <- struct{}{} }
}

func mockOptions(mock *clock.Mock) Options {
	return Options{Clock: mock}
}

func ok(t *testing.T, req *message.Message, data string) *message.Message {
	t.Helper()
	m, err := message.NewSuccessResponse(req, json.RawMessage(data))
	require.NoError(t, err)
	return m
}
