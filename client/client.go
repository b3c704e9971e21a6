// Package client dials a signaling server and returns a ready Peer.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mini-peer/loadbalance"
	"mini-peer/peer"
	"mini-peer/protocol"
	"mini-peer/transport"
)

type Options struct {
	Logger    *zap.Logger
	Peer      peer.Options
	Transport transport.Options
	Backoff   transport.Backoff
	// Balancer picks among several server URLs, RoundRobin by default.
	Balancer loadbalance.Balancer
	Dialer   *websocket.Dialer
	Header   http.Header
}

// Client is a Peer whose transport is a reconnecting ClientTransport.
type Client struct {
	*peer.Peer
	transport *transport.ClientTransport
}

// Connect starts dialing urls as identity. It does not wait for the link:
// requests made before it is up are queued until Open or until connecting
// gives up.
func Connect(identity string, urls []string, opts Options) (*Client, error) {
	if identity == "" {
		return nil, fmt.Errorf("client: empty identity")
	}
	if len(urls) == 0 {
		return nil, loadbalance.ErrNoEndpoints
	}
	endpoints := make([]loadbalance.Endpoint, 0, len(urls))
	for _, raw := range urls {
		u, err := withIdentity(raw, identity)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, loadbalance.Endpoint{URL: u, Weight: 1})
	}

	if opts.Transport.Logger == nil {
		opts.Transport.Logger = opts.Logger
	}
	if opts.Peer.Logger == nil {
		opts.Peer.Logger = opts.Logger
	}

	t := transport.NewClientTransport(transport.ClientOptions{
		Options:   opts.Transport,
		Endpoints: endpoints,
		Balancer:  opts.Balancer,
		Key:       identity,
		Dialer:    opts.Dialer,
		Header:    opts.Header,
		Backoff:   opts.Backoff,
	})
	p := peer.New(identity, opts.Peer)
	if err := p.Attach(t); err != nil {
		t.Close(protocol.CloseNormal, protocol.ReasonNormal)
		return nil, err
	}
	return &Client{Peer: p, transport: t}, nil
}

func withIdentity(raw, identity string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("client: bad url %q: %w", raw, err)
	}
	q := u.Query()
	q.Set(protocol.IdentityParam, identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Call sends method with args and decodes the response data into reply,
// which may be nil.
func (c *Client) Call(ctx context.Context, method string, args any, reply any, opts ...peer.RequestOption) error {
	data, err := c.Request(ctx, method, args, opts...)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return gojson.Unmarshal(data, reply)
}

// Close closes the peer normally; the server sees code 1000.
func (c *Client) Close() {
	c.Peer.Close(protocol.CloseNormal, protocol.ReasonNormal)
}
