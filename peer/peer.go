// Package peer implements one end of a signaling link: outgoing requests with
// deadlines, incoming requests with reply obligations, notifications, and the
// connectivity state machine that survives transport replacement.
//
// All peer state is owned by a single event loop goroutine. Transport events,
// application calls and timer callbacks are posted to it through an unbounded
// mailbox; callers only ever block waiting for a result.
//
//	Connecting ──open──→ Open ──lost──→ Disconnected ──open──→ Open
//	     │                 │                 │
//	     └─────────────────┴──── close ──────┴──(grace expired)──→ Closed
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mini-peer/logger"
	"mini-peer/message"
	"mini-peer/protocol"
	"mini-peer/transaction"
	"mini-peer/transport"
)

var (
	ErrClosed       = errors.New("peer: closed")
	ErrNotConnected = errors.New("peer: not connected")
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Peer struct {
	id       string
	instance string
	opts     Options
	logger   *zap.Logger

	mb     *mailbox // event loop
	events *mailbox // application signals and notifications
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	hmu      sync.RWMutex
	handlers Handlers

	stateMirror atomic.Int32

	// Owned by the event loop.
	state       State
	transport   transport.Transport
	txns        *transaction.Table
	obligations map[uint64]*IncomingRequest
	held        []*message.Message
	openedOnce  bool
	grace       *clock.Timer
	graceGen    uint64
}

// New creates a peer in Connecting. It has no transport until Attach.
func New(id string, opts Options) *Peer {
	opts = opts.withDefaults()
	instance := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Peer{
		id:          id,
		instance:    instance,
		opts:        opts,
		logger:      logger.Named(opts.Logger, "peer").With(zap.String("peer", id), zap.String("instance", instance)),
		mb:          newMailbox(),
		events:      newMailbox(),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		handlers:    opts.Handlers,
		obligations: make(map[uint64]*IncomingRequest),
	}
	p.txns = transaction.NewTable(opts.Clock, p.mb.push, p.logger)

	go p.run()
	go p.dispatch()
	return p
}

func (p *Peer) ID() string { return p.id }

// InstanceID tells apart two peers that held the same identity one after the
// other. It survives transport replacement.
func (p *Peer) InstanceID() string { return p.instance }

func (p *Peer) State() State { return State(p.stateMirror.Load()) }

// Done is closed once the peer is Closed and every pending request failed.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) String() string { return fmt.Sprintf("peer[%s/%s]", p.id, p.instance) }

func (p *Peer) OnRequest(h RequestHandler) {
	p.hmu.Lock()
	p.handlers.OnRequest = h
	p.hmu.Unlock()
}

func (p *Peer) OnNotification(h NotificationHandler) {
	p.hmu.Lock()
	p.handlers.OnNotification = h
	p.hmu.Unlock()
}

func (p *Peer) OnOpen(f func()) {
	p.hmu.Lock()
	p.handlers.OnOpen = f
	p.hmu.Unlock()
}

func (p *Peer) OnReconnect(f func()) {
	p.hmu.Lock()
	p.handlers.OnReconnect = f
	p.hmu.Unlock()
}

func (p *Peer) OnDisconnected(f func()) {
	p.hmu.Lock()
	p.handlers.OnDisconnected = f
	p.hmu.Unlock()
}

func (p *Peer) OnClose(f func()) {
	p.hmu.Lock()
	p.handlers.OnClose = f
	p.hmu.Unlock()
}

func (p *Peer) currentHandlers() Handlers {
	p.hmu.RLock()
	defer p.hmu.RUnlock()
	return p.handlers
}

// call runs f on the event loop and waits for it. It reports false if the
// peer is already gone.
func (p *Peer) call(f func()) bool {
	done := make(chan struct{})
	if !p.mb.push(func() { f(); close(done) }) {
		return false
	}
	<-done
	return true
}

// Attach makes t the peer's transport. A previous transport is closed with
// "online elsewhere". Attaching to a closed peer fails with ErrClosed.
func (p *Peer) Attach(t transport.Transport) error {
	var err error
	if !p.call(func() { err = p.attach(t) }) {
		return ErrClosed
	}
	if err != nil {
		return err
	}
	t.Start(func(ev transport.Event) {
		p.mb.push(func() { p.handleTransportEvent(t, ev) })
	})
	return nil
}

// Request sends method with data and waits for the response, the deadline,
// ctx or the peer closing, whichever comes first. data may be nil, a
// json.RawMessage or any value that marshals to a JSON object.
func (p *Peer) Request(ctx context.Context, method string, data any, opts ...RequestOption) (json.RawMessage, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	ro := requestOptions{timeout: p.opts.timeoutFor(method)}
	for _, o := range opts {
		o(&ro, p.opts)
	}

	var tx *transaction.Transaction
	if !p.call(func() { tx, err = p.begin(method, raw, ro) }) {
		return nil, transaction.ErrPeerOffline
	}
	if err != nil {
		return nil, err
	}

	select {
	case res := <-tx.Done():
		return res.Data, res.Err
	case <-ctx.Done():
		p.mb.push(func() { p.txns.Cancel(tx.ID()) })
		// Closing the peer settles the transaction too, so this never hangs.
		res := <-tx.Done()
		return res.Data, res.Err
	}
}

// Notify sends a notification if the link is up. It is never queued.
func (p *Peer) Notify(method string, data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	n, err := message.NewNotification(method, raw)
	if err != nil {
		return err
	}
	if !p.call(func() { err = p.sendNow(n) }) {
		return ErrClosed
	}
	return err
}

// Pending returns the number of live outgoing requests.
func (p *Peer) Pending() int {
	n := 0
	p.call(func() { n = p.txns.Len() })
	return n
}

// Close fails every pending request, closes the transport with code and
// reason and waits for the peer to finish.
func (p *Peer) Close(code int, reason string) {
	p.mb.push(func() { p.close(code, reason, transaction.ErrPeerOffline) })
	<-p.done
}

func marshalData(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	}
	b, err := gojson.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("peer: marshal data: %w", err)
	}
	return b, nil
}

// run is the event loop.
func (p *Peer) run() {
	defer close(p.done)
	for {
		<-p.mb.signal
		for _, f := range p.mb.take() {
			f()
		}
		if p.state == StateClosed {
			p.mb.close()
			for _, f := range p.mb.take() {
				f()
			}
			return
		}
	}
}

// dispatch delivers application signals in order, off the event loop.
func (p *Peer) dispatch() {
	for {
		<-p.events.signal
		for _, f := range p.events.take() {
			p.safely(f)
		}
		if p.events.drained() {
			return
		}
	}
}

func (p *Peer) safely(f func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("application handler panicked", zap.Any("panic", r))
		}
	}()
	f()
}

// signal queues f for the dispatcher if it is set.
func (p *Peer) signal(f func()) {
	if f != nil {
		p.events.push(f)
	}
}

func (p *Peer) setState(s State) {
	if p.state == s {
		return
	}
	p.logger.Debug("state change", zap.Stringer("from", p.state), zap.Stringer("to", s))
	p.state = s
	p.stateMirror.Store(int32(s))
}

// close moves the peer to Closed. Pending requests fail with err before
// OnClose is signaled.
func (p *Peer) close(code int, reason string, err error) {
	if p.state == StateClosed {
		return
	}
	p.setState(StateClosed)
	p.stopGrace()

	if n := p.txns.FailAll(err); n > 0 {
		p.logger.Debug("failed pending requests", zap.Int("count", n))
	}
	if n := len(p.obligations); n > 0 {
		p.logger.Debug("dropping unanswered requests", zap.Int("count", n))
	}
	p.obligations = nil
	p.held = nil

	if t := p.transport; t != nil {
		p.transport = nil
		t.Close(code, reason)
	}
	p.cancel()

	p.logger.Info("closed", zap.Int("code", code), zap.String("reason", reason))
	p.signal(p.currentHandlers().OnClose)
	p.events.close()
}

// reachable reports whether a request can be admitted now: the link is up,
// or it may come back.
func (p *Peer) reachable() bool {
	switch p.state {
	case StateOpen, StateDisconnected:
		return true
	case StateConnecting:
		return p.transport != nil
	default:
		return false
	}
}

func (p *Peer) attach(t transport.Transport) error {
	if p.state == StateClosed {
		return ErrClosed
	}
	old := p.transport
	if old == t {
		return nil
	}
	p.transport = t
	switch p.state {
	case StateOpen:
		// Nothing goes out until the new link reports Open.
		p.setState(StateConnecting)
	case StateDisconnected:
		// The new link now owns recovery. If it closes before Open,
		// handleTransportClose arms a fresh grace period.
		p.stopGrace()
	}
	if old != nil {
		p.logger.Info("replacing transport", zap.String("old", old.ID()), zap.String("new", t.ID()))
		old.Close(protocol.CloseOnlineElsewhere, protocol.ReasonOnlineElsewhere)
	}
	return nil
}

func (p *Peer) begin(method string, data json.RawMessage, ro requestOptions) (*transaction.Transaction, error) {
	if !p.reachable() {
		return nil, transaction.ErrPeerOffline
	}
	tx, err := p.txns.Begin(method, data, ro.timeout)
	if err != nil {
		return nil, err
	}
	if p.state == StateOpen {
		p.sendRequest(tx)
	}
	return tx, nil
}

// sendRequest sends tx. On failure it stays queued until the next Open.
func (p *Peer) sendRequest(tx *transaction.Transaction) {
	if err := p.transport.Send(tx.Request()); err != nil {
		p.logger.Debug("request send failed, queued", zap.Uint64("id", tx.ID()), zap.Error(err))
		return
	}
	p.txns.Sent(tx)
}

func (p *Peer) sendNow(m *message.Message) error {
	switch {
	case p.state == StateClosed:
		return ErrClosed
	case p.state != StateOpen || p.transport == nil:
		return ErrNotConnected
	}
	return p.transport.Send(m)
}

func (p *Peer) sendReply(resp *message.Message) {
	if _, ok := p.obligations[resp.ID]; !ok {
		// The peer closed, or the obligation was already settled.
		return
	}
	delete(p.obligations, resp.ID)

	if p.state == StateOpen {
		if err := p.transport.Send(resp); err == nil {
			return
		}
	}
	p.held = append(p.held, resp)
}

// flush sends everything that waited for the link: replies first, then
// queued requests in id order.
func (p *Peer) flush() {
	held := p.held
	p.held = nil
	for i, resp := range held {
		if err := p.transport.Send(resp); err != nil {
			p.held = append(p.held, held[i:]...)
			return
		}
	}
	for _, tx := range p.txns.Queued() {
		p.sendRequest(tx)
		if tx.State() != transaction.StateSent {
			return
		}
	}
}
