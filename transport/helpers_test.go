package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-peer/loadbalance"
	"mini-peer/protocol"
)

const waitTimeout = 5 * time.Second

// recorder collects transport events in order.
type recorder struct {
	ch chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 256)}
}

func (r *recorder) handle(ev Event) { r.ch <- ev }

// next returns the next event, failing the test if none arrives.
func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for transport event")
		return Event{}
	}
}

// expect requires the next event to be of type typ.
func (r *recorder) expect(t *testing.T, typ EventType) Event {
	t.Helper()
	ev := r.next(t)
	require.Equal(t, typ, ev.Type, "got %s event", ev.Type)
	return ev
}

// quiet requires that no event arrives within d.
func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected %s event", ev.Type)
	case <-time.After(d):
	}
}

// testServer upgrades every request and hands the connection to the test.
type testServer struct {
	*httptest.Server
	conns    chan *websocket.Conn
	accepted atomic.Int32
}

func newTestServer(t *testing.T, subprotocols ...string) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *websocket.Conn, 16)}
	up := websocket.Upgrader{Subprotocols: subprotocols}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.accepted.Add(1)
		ts.conns <- c
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func fastBackoff(retries int) Backoff {
	return Backoff{Retries: retries, Factor: 2, MinTimeout: time.Millisecond, MaxTimeout: 5 * time.Millisecond}
}

func newTestClient(t *testing.T, url string, backoff Backoff) *ClientTransport {
	t.Helper()
	ct := NewClientTransport(ClientOptions{
		Options:   Options{Logger: zaptest.NewLogger(t)},
		Endpoints: loadbalance.Endpoints(url),
		Backoff:   backoff,
	})
	t.Cleanup(func() { ct.Close(protocol.CloseNormal, protocol.ReasonNormal) })
	return ct
}
