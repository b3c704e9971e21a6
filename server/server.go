// Package server accepts peer connections over WebSocket.
//
// Request processing pipeline:
//
//	HTTP upgrade (sub-protocol "protoo", identity from ?peerId=)
//	  → ServerTransport → registry.CreateOrReplace → Peer
//	    → for each request: Peer runs the handler in its own goroutine
//	      → middleware chain → businessHandler (named handler or reflect.Call)
//	        → Accept / Reject
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-peer/logger"
	"mini-peer/middleware"
	"mini-peer/peer"
	"mini-peer/protocol"
	"mini-peer/registry"
	"mini-peer/transport"
)

var ErrNoIdentity = errors.New("server: missing peer identity")

type Options struct {
	Logger    *zap.Logger
	Registry  registry.Options
	Transport transport.Options
	// Identify extracts the peer identity from the upgrade request. The
	// default reads the peerId query parameter.
	Identify func(r *http.Request) (string, error)
	// CheckOrigin is passed to the upgrader; nil keeps gorilla's same-origin
	// check.
	CheckOrigin func(r *http.Request) bool
}

func DefaultOptions() Options {
	return Options{
		Transport: transport.DefaultOptions(),
		Identify:  IdentityFromQuery,
	}
}

// IdentityFromQuery reads the peerId query parameter.
func IdentityFromQuery(r *http.Request) (string, error) {
	id := r.URL.Query().Get(protocol.IdentityParam)
	if id == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}

type Server struct {
	opts     Options
	logger   *zap.Logger
	registry *registry.Registry
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	serviceMap  map[string]*service
	handlers    map[string]middleware.HandlerFunc
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	httpServer *http.Server
	shutdown   atomic.Bool
}

func NewServer(opts Options) *Server {
	if opts.Identify == nil {
		opts.Identify = IdentityFromQuery
	}
	if opts.Registry.Logger == nil {
		opts.Registry.Logger = opts.Logger
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = opts.Logger
	}

	s := &Server{
		opts:       opts,
		logger:     logger.Named(opts.Logger, "server"),
		serviceMap: make(map[string]*service),
		handlers:   make(map[string]middleware.HandlerFunc),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{protocol.Subprotocol},
			CheckOrigin:  opts.CheckOrigin,
		},
	}
	s.handler = s.businessHandler

	// Every peer the registry creates answers requests through the chain.
	opts.Registry.Peer.Handlers.OnRequest = middleware.Serve(s.serve)
	s.registry = registry.New(opts.Registry)
	return s
}

// Registry gives access to the live peers.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Register exposes the exported methods of rcvr (e.g. &Room{}) as request
// methods named "Room.Method".
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.serviceMap[svc.name] = svc
	s.mu.Unlock()
	return nil
}

// Handle serves method with h. Named handlers win over registered services.
func (s *Server) Handle(method string, h middleware.HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
	s.mu.Unlock()
}

func (s *Server) serve(ctx context.Context, req *peer.IncomingRequest) (any, error) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	return h(ctx, req)
}

// businessHandler dispatches a request to a named handler, or to
// "Service.Method" on a registered service.
func (s *Server) businessHandler(ctx context.Context, req *peer.IncomingRequest) (any, error) {
	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	var svc *service
	var mt *methodType
	if !ok {
		if serviceName, methodName, found := strings.Cut(req.Method, "."); found {
			if svc = s.serviceMap[serviceName]; svc != nil {
				mt = svc.method[methodName]
			}
		}
	}
	s.mu.RUnlock()

	if ok {
		return h(ctx, req)
	}
	if mt == nil {
		return nil, middleware.Reject(middleware.CodeNotFound, "method not found: "+req.Method)
	}

	argv := reflect.New(mt.ArgType)
	replyv := reflect.New(mt.ReplyType)
	if err := req.Decode(argv.Interface()); err != nil {
		return nil, middleware.Reject(middleware.CodeBadRequest, err.Error())
	}
	if err := svc.call(ctx, mt, argv, replyv); err != nil {
		return nil, err
	}
	return replyv.Interface(), nil
}

// ServeHTTP upgrades the request and binds the connection to its peer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if !protocol.HasSubprotocol(websocket.Subprotocols(r)) {
		http.Error(w, "missing sub-protocol "+protocol.Subprotocol, http.StatusBadRequest)
		return
	}
	identity, err := s.opts.Identify(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		s.logger.Warn("upgrade failed", zap.String("peer", identity), zap.Error(err))
		return
	}

	t := transport.NewServerTransport(conn, s.opts.Transport)
	p, err := s.registry.CreateOrReplace(identity, t)
	if err != nil {
		s.logger.Warn("refusing connection", zap.String("peer", identity), zap.Error(err))
		if errors.Is(err, registry.ErrClosed) {
			t.Close(protocol.CloseShuttingDown, protocol.ReasonShuttingDown)
		} else {
			t.Close(protocol.CloseByRemotePolicy, protocol.ReasonByRemotePolicy)
		}
		return
	}
	s.logger.Debug("connection accepted",
		zap.String("peer", identity), zap.String("instance", p.InstanceID()), zap.String("remote", r.RemoteAddr))
}

// Serve listens on address and serves upgrades until Shutdown.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(listener)
}

func (s *Server) ServeListener(listener net.Listener) error {
	hs := &http.Server{Handler: s}
	s.mu.Lock()
	s.httpServer = hs
	s.mu.Unlock()

	s.logger.Info("listening", zap.Stringer("addr", listener.Addr()))
	err := hs.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) && s.shutdown.Load() {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes every peer with
// "shutting down", waiting at most timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	s.mu.RLock()
	hs := s.httpServer
	s.mu.RUnlock()
	if hs != nil {
		err = multierr.Append(err, hs.Shutdown(ctx))
	}

	done := make(chan struct{})
	go func() {
		s.registry.CloseAll(protocol.CloseShuttingDown, protocol.ReasonShuttingDown)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("server: timeout waiting for peers to close"))
	}

	if presence := s.opts.Registry.Presence; presence != nil {
		err = multierr.Append(err, presence.Close())
	}
	return err
}
