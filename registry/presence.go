package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-peer/logger"
)

// Presence publishes which identities are live so other nodes can find them.
type Presence interface {
	Online(ctx context.Context, identity, instance string) error
	Offline(ctx context.Context, identity, instance string) error
	Close() error
}

// Member is one published peer instance.
type Member struct {
	Identity string    `json:"identity"`
	Instance string    `json:"instance"`
	Node     string    `json:"node,omitempty"`
	Since    time.Time `json:"since"`
}

type EtcdPresenceConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Prefix roots every key, default "/mini-peer".
	Prefix string
	// TTL in seconds of each member lease. A crashed node's members vanish
	// once their leases expire.
	TTL int64
	// Node is stored with each member, e.g. the public URL of this server.
	Node   string
	Logger *zap.Logger
}

// EtcdPresence stores live peers in etcd:
//
//	Key:   {Prefix}/{identity}/{instance}
//	Value: JSON Member
//
// Each member has its own lease, kept alive while the peer is live and
// revoked when it goes offline.
type EtcdPresence struct {
	client    *clientv3.Client
	ownClient bool
	prefix    string
	ttl       int64
	node      string
	logger    *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // by key
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

func (c *EtcdPresenceConfig) withDefaults() {
	if c.Prefix == "" {
		c.Prefix = "/mini-peer"
	}
	c.Prefix = strings.TrimSuffix(c.Prefix, "/")
	if c.TTL <= 0 {
		c.TTL = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// NewEtcdPresence connects to etcd.
func NewEtcdPresence(cfg EtcdPresenceConfig) (*EtcdPresence, error) {
	cfg.withDefaults()
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	p := NewEtcdPresenceFromClient(c, cfg)
	p.ownClient = true
	return p, nil
}

// NewEtcdPresenceFromClient uses an existing client, which Close leaves open.
func NewEtcdPresenceFromClient(c *clientv3.Client, cfg EtcdPresenceConfig) *EtcdPresence {
	cfg.withDefaults()
	return &EtcdPresence{
		client: c,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		node:   cfg.Node,
		logger: logger.Named(cfg.Logger, "presence"),
		leases: make(map[string]lease),
	}
}

func (p *EtcdPresence) identityPrefix(identity string) string {
	return p.prefix + "/" + url.PathEscape(identity) + "/"
}

func (p *EtcdPresence) key(identity, instance string) string {
	return p.identityPrefix(identity) + instance
}

// Online grants a lease, writes the member under it and keeps it alive.
func (p *EtcdPresence) Online(ctx context.Context, identity, instance string) error {
	grant, err := p.client.Grant(ctx, p.ttl)
	if err != nil {
		return err
	}

	val, err := gojson.Marshal(Member{Identity: identity, Instance: instance, Node: p.node, Since: time.Now().UTC()})
	if err != nil {
		return err
	}
	key := p.key(identity, instance)
	if _, err := p.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return err
	}

	// The keepalive must outlive ctx, which only bounds this call.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := p.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
	}()

	p.mu.Lock()
	p.leases[key] = lease{id: grant.ID, cancel: cancel}
	p.mu.Unlock()
	return nil
}

// Offline stops renewing the member's lease and revokes it, which deletes
// the key.
func (p *EtcdPresence) Offline(ctx context.Context, identity, instance string) error {
	key := p.key(identity, instance)
	p.mu.Lock()
	l, ok := p.leases[key]
	delete(p.leases, key)
	p.mu.Unlock()

	if !ok {
		_, err := p.client.Delete(ctx, key)
		return err
	}
	l.cancel()
	_, err := p.client.Revoke(ctx, l.id)
	return err
}

// Lookup returns the published instances of identity, on any node.
func (p *EtcdPresence) Lookup(ctx context.Context, identity string) ([]Member, error) {
	return p.list(ctx, p.identityPrefix(identity))
}

// Members returns every published instance.
func (p *EtcdPresence) Members(ctx context.Context) ([]Member, error) {
	return p.list(ctx, p.prefix+"/")
}

func (p *EtcdPresence) list(ctx context.Context, prefix string) ([]Member, error) {
	resp, err := p.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var m Member
		if err := gojson.Unmarshal(kv.Value, &m); err != nil {
			p.logger.Warn("skipping malformed member", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		members = append(members, m)
	}
	return members, nil
}

// Watch emits the full member list every time it changes, until ctx ends.
func (p *EtcdPresence) Watch(ctx context.Context) <-chan []Member {
	ch := make(chan []Member, 1)
	go func() {
		defer close(ch)
		for range p.client.Watch(ctx, p.prefix+"/", clientv3.WithPrefix()) {
			members, err := p.Members(ctx)
			if err != nil {
				p.logger.Warn("listing members failed", zap.Error(err))
				continue
			}
			select {
			case ch <- members:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close revokes every lease this presence still holds.
func (p *EtcdPresence) Close() error {
	p.mu.Lock()
	leases := p.leases
	p.leases = make(map[string]lease)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	for _, l := range leases {
		l.cancel()
		if _, e := p.client.Revoke(ctx, l.id); e != nil {
			err = multierr.Append(err, e)
		}
	}
	if p.ownClient {
		err = multierr.Append(err, p.client.Close())
	}
	return err
}
