package peer

import (
	"go.uber.org/zap"

	"mini-peer/message"
	"mini-peer/metrics"
	"mini-peer/protocol"
	"mini-peer/transaction"
	"mini-peer/transport"
)

func (p *Peer) handleTransportEvent(t transport.Transport, ev transport.Event) {
	if p.state == StateClosed || t != p.transport {
		// A replaced transport still reports its own shutdown.
		return
	}
	switch ev.Type {
	case transport.EventOpen:
		p.handleOpen()
	case transport.EventMessage:
		p.handleMessage(ev.Message)
	case transport.EventDisconnected:
		p.handleLost()
	case transport.EventFailed:
		p.logger.Debug("connect attempt failed", zap.Int("attempt", ev.Attempt), zap.Error(ev.Err))
	case transport.EventClose:
		p.transport = nil
		p.handleTransportClose(ev.Code, ev.Reason)
	}
}

func (p *Peer) handleOpen() {
	p.stopGrace()
	p.setState(StateOpen)
	p.flush()

	h := p.currentHandlers()
	if p.openedOnce {
		metrics.Reconnects.Inc()
		p.logger.Info("reconnected")
		p.signal(h.OnReconnect)
		return
	}
	p.openedOnce = true
	p.signal(h.OnOpen)
}

// handleLost runs when a client transport lost its link and is redialing.
func (p *Peer) handleLost() {
	if p.state != StateOpen {
		return
	}
	if p.opts.GracePeriod > 0 {
		p.startGrace()
	}
	p.setState(StateDisconnected)
	p.signal(p.currentHandlers().OnDisconnected)
}

func (p *Peer) handleTransportClose(code int, reason string) {
	if p.opts.GracePeriod <= 0 || protocol.IsDefinitiveClose(code) {
		p.close(code, reason, transaction.ErrPeerOffline)
		return
	}
	if p.grace == nil {
		p.startGrace()
	}
	if p.state != StateDisconnected {
		p.setState(StateDisconnected)
		p.signal(p.currentHandlers().OnDisconnected)
	}
}

func (p *Peer) startGrace() {
	p.stopGrace()
	gen := p.graceGen
	p.logger.Debug("grace period started", zap.Duration("grace", p.opts.GracePeriod))
	p.grace = p.opts.Clock.AfterFunc(p.opts.GracePeriod, func() {
		p.mb.push(func() { p.graceExpired(gen) })
	})
}

func (p *Peer) stopGrace() {
	if p.grace != nil {
		p.grace.Stop()
		p.grace = nil
	}
	p.graceGen++
}

func (p *Peer) graceExpired(gen uint64) {
	if gen != p.graceGen || p.state != StateDisconnected {
		return
	}
	p.grace = nil
	p.logger.Info("grace period expired")
	p.close(protocol.CloseNormal, "grace period expired", transaction.ErrPeerOffline)
}

func (p *Peer) handleMessage(m *message.Message) {
	switch m.Kind {
	case message.KindResponse:
		p.txns.Resolve(m)
	case message.KindRequest:
		p.handleRequest(m)
	case message.KindNotification:
		h := p.currentHandlers().OnNotification
		if h == nil {
			p.logger.Debug("no notification handler, dropping", zap.Stringer("notification", m))
			return
		}
		p.events.push(func() { h(m) })
	}
}

func (p *Peer) handleRequest(m *message.Message) {
	if _, dup := p.obligations[m.ID]; dup {
		p.logger.Warn("dropping request with an id still being served", zap.Stringer("request", m))
		return
	}
	req := &IncomingRequest{Message: m, peer: p}
	p.obligations[m.ID] = req
	go p.serve(req)
}

func (p *Peer) serve(req *IncomingRequest) {
	h := p.currentHandlers().OnRequest
	if h == nil {
		req.Reject(501, "no request handler")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("request handler panicked", zap.Stringer("request", req.Message), zap.Any("panic", r))
			if !req.Replied() {
				req.Reject(transaction.CodeInternal, "internal error")
			}
		}
	}()
	h(req)
}
