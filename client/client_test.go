package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-peer/peer"
	"mini-peer/protocol"
	"mini-peer/server"
	"mini-peer/transaction"
	"mini-peer/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func fastBackoff(retries int) transport.Backoff {
	return transport.Backoff{Retries: retries, Factor: 2, MinTimeout: time.Millisecond, MaxTimeout: 5 * time.Millisecond}
}

func TestClientCall(t *testing.T) {
	svr := server.NewServer(server.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, svr.Register(&Arith{}))
	ts := httptest.NewServer(svr)
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		ts.Close()
	})

	c, err := Connect("alice", []string{wsURL(ts)}, Options{Logger: zaptest.NewLogger(t), Backoff: fastBackoff(3)})
	require.NoError(t, err)
	defer c.Close()

	// Issued before the link is up; queued until Open.
	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{1, 2}, &reply))
	assert.Equal(t, 3, reply.Result)
	assert.Equal(t, peer.StateOpen, c.State())

	require.Eventually(t, func() bool { return svr.Registry().Has("alice") }, time.Second, time.Millisecond)
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{5, 5}, nil))
}

func TestConnectValidates(t *testing.T) {
	_, err := Connect("", []string{"ws://localhost:1"}, Options{})
	assert.Error(t, err)
	_, err = Connect("alice", nil, Options{})
	assert.Error(t, err)
	_, err = Connect("alice", []string{"::not a url"}, Options{})
	assert.Error(t, err)
}

func TestWithIdentity(t *testing.T) {
	u, err := withIdentity("ws://example.com/ws?room=1", "alice bob")
	require.NoError(t, err)
	assert.Equal(t, "ws://example.com/ws?peerId=alice+bob&room=1", u)
}

// When the server never answers, queued requests fail once connecting gives up.
func TestClientGivesUp(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(ts)
	ts.Close()

	c, err := Connect("alice", []string{url}, Options{Logger: zaptest.NewLogger(t), Backoff: fastBackoff(2)})
	require.NoError(t, err)
	defer c.Close()

	err = c.Call(context.Background(), "Arith.Add", &Args{1, 2}, nil)
	assert.ErrorIs(t, err, transaction.ErrPeerOffline)
	<-c.Done()
}

// A request in flight when the link drops is answered after the client
// reconnects, because the server keeps the peer through its grace period.
func TestClientReconnectKeepsRequest(t *testing.T) {
	conns := make(chan *websocket.Conn, 4)
	up := websocket.Upgrader{Subprotocols: []string{protocol.Subprotocol}}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.URL.Query().Get(protocol.IdentityParam))
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(ts.Close)

	accept := func() *websocket.Conn {
		select {
		case conn := <-conns:
			return conn
		case <-time.After(2 * time.Second):
			t.Fatal("client did not connect")
			return nil
		}
	}

	received := make(chan *peer.IncomingRequest, 1)
	remote := peer.New("alice", peer.Options{
		Logger:      zaptest.NewLogger(t),
		GracePeriod: time.Minute,
		Handlers:    peer.Handlers{OnRequest: func(req *peer.IncomingRequest) { received <- req }},
	})
	defer remote.Close(protocol.CloseNormal, "")

	reconnected := make(chan struct{}, 1)
	c, err := Connect("alice", []string{wsURL(ts)}, Options{
		Logger:  zaptest.NewLogger(t),
		Backoff: fastBackoff(5),
		Peer:    peer.Options{Handlers: peer.Handlers{OnReconnect: func() { reconnected <- struct{}{} }}},
	})
	require.NoError(t, err)
	defer c.Close()

	first := accept()
	require.NoError(t, remote.Attach(transport.NewServerTransport(first, transport.Options{Logger: zaptest.NewLogger(t)})))

	type result struct {
		reply Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var r Reply
		err := c.Call(context.Background(), "Arith.Add", &Args{20, 22}, &r)
		done <- result{r, err}
	}()

	var req *peer.IncomingRequest
	select {
	case req = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not arrive")
	}

	first.Close() // abrupt loss, no close frame
	second := accept()
	require.NoError(t, remote.Attach(transport.NewServerTransport(second, transport.Options{Logger: zaptest.NewLogger(t)})))

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not report the reconnect")
	}
	var args Args
	require.NoError(t, req.Decode(&args))
	require.NoError(t, req.Accept(Reply{Result: args.A + args.B}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, 42, r.reply.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not answered after reconnecting")
	}
}
