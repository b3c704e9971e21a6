// Package registry maps peer identities to live peers.
//
// At most one Peer is live per identity. A transport arriving for an identity
// that already has a live Peer is attached to that Peer, so the remote keeps
// its pending requests and its instance; the previous transport, if any, is
// closed with "online elsewhere". A Peer leaves the registry only through its
// own Closed transition, and that removal emits the offline signal exactly
// once.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-peer/logger"
	"mini-peer/metrics"
	"mini-peer/peer"
	"mini-peer/transport"
)

var (
	ErrEmptyIdentity = errors.New("registry: empty identity")
	ErrClosed        = errors.New("registry: closed")
)

type Options struct {
	Logger *zap.Logger
	// Peer is the template for every Peer the registry creates.
	Peer peer.Options
	// Presence, if set, publishes which identities are live.
	Presence        Presence
	PresenceTimeout time.Duration
}

type Registry struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex // guards peers and closed only
	peers  map[string]*peer.Peer
	closed bool

	hmu       sync.RWMutex
	onOnline  func(*peer.Peer)
	onOffline func(*peer.Peer)

	watchers sync.WaitGroup
}

func New(opts Options) *Registry {
	if opts.PresenceTimeout <= 0 {
		opts.PresenceTimeout = 5 * time.Second
	}
	l := logger.Named(opts.Logger, "registry")
	if opts.Peer.Logger == nil {
		opts.Peer.Logger = opts.Logger
	}
	return &Registry{
		opts:   opts,
		logger: l,
		peers:  make(map[string]*peer.Peer),
	}
}

// OnOnline is called synchronously when a new Peer is created, before its
// transport starts, so handlers installed here see every message.
func (r *Registry) OnOnline(f func(*peer.Peer)) {
	r.hmu.Lock()
	r.onOnline = f
	r.hmu.Unlock()
}

// OnOffline is called once after a Peer closed and left the registry.
func (r *Registry) OnOffline(f func(*peer.Peer)) {
	r.hmu.Lock()
	r.onOffline = f
	r.hmu.Unlock()
}

// CreateOrReplace binds t to identity: a new Peer if none is live, otherwise
// the live Peer adopts t.
func (r *Registry) CreateOrReplace(identity string, t transport.Transport) (*peer.Peer, error) {
	if identity == "" {
		return nil, ErrEmptyIdentity
	}
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		p, ok := r.peers[identity]
		if !ok {
			p = peer.New(identity, r.opts.Peer)
			r.peers[identity] = p
			// Counted under mu so CloseAll, which sets closed under mu, waits for it.
			r.watchers.Add(1)
			r.mu.Unlock()
			return p, r.admit(identity, p, t)
		}
		r.mu.Unlock()

		if err := p.Attach(t); err == nil {
			r.logger.Info("peer took a new transport", zap.String("peer", identity), zap.String("transport", t.ID()))
			return p, nil
		}
		// p is closing and will go away on its own; don't wait for it.
		r.remove(identity, p)
	}
}

func (r *Registry) admit(identity string, p *peer.Peer, t transport.Transport) error {
	metrics.Peers.Inc()
	r.logger.Info("peer online", zap.String("peer", identity), zap.String("instance", p.InstanceID()))

	go func() {
		defer r.watchers.Done()
		<-p.Done()
		r.remove(identity, p)
	}()

	r.publish(identity, p, true)
	r.hmu.RLock()
	f := r.onOnline
	r.hmu.RUnlock()
	if f != nil {
		f(p)
	}
	return p.Attach(t)
}

// remove deletes p if it is still the entry for identity. Only the caller
// that actually deletes it emits offline.
func (r *Registry) remove(identity string, p *peer.Peer) {
	r.mu.Lock()
	if cur, ok := r.peers[identity]; !ok || cur != p {
		r.mu.Unlock()
		return
	}
	delete(r.peers, identity)
	r.mu.Unlock()

	metrics.Peers.Dec()
	r.logger.Info("peer offline", zap.String("peer", identity), zap.String("instance", p.InstanceID()))
	r.publish(identity, p, false)

	r.hmu.RLock()
	f := r.onOffline
	r.hmu.RUnlock()
	if f != nil {
		f(p)
	}
}

func (r *Registry) publish(identity string, p *peer.Peer, online bool) {
	if r.opts.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PresenceTimeout)
	defer cancel()

	var err error
	if online {
		err = r.opts.Presence.Online(ctx, identity, p.InstanceID())
	} else {
		err = r.opts.Presence.Offline(ctx, identity, p.InstanceID())
	}
	if err != nil {
		r.logger.Warn("presence update failed", zap.String("peer", identity), zap.Bool("online", online), zap.Error(err))
	}
}

func (r *Registry) Get(identity string) (*peer.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[identity]
	return p, ok
}

func (r *Registry) Has(identity string) bool {
	_, ok := r.Get(identity)
	return ok
}

// All returns the live peers ordered by identity.
func (r *Registry) All() []*peer.Peer {
	r.mu.Lock()
	out := make([]*peer.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// CloseAll closes every live peer with code and reason and refuses new ones.
// It returns once every peer has left the registry.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range r.All() {
		wg.Add(1)
		go func(p *peer.Peer) {
			defer wg.Done()
			p.Close(code, reason)
		}(p)
	}
	wg.Wait()
	r.watchers.Wait()
}
