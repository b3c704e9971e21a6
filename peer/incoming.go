package peer

import (
	"context"
	"sync/atomic"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"mini-peer/message"
)

// RequestHandler serves one incoming request. It must eventually call Accept
// or Reject; it may do so from any goroutine.
type RequestHandler func(req *IncomingRequest)

// NotificationHandler receives incoming notifications in arrival order.
type NotificationHandler func(n *message.Message)

// IncomingRequest is a request from the remote together with the obligation
// to answer it exactly once.
type IncomingRequest struct {
	*message.Message
	peer    *Peer
	replied atomic.Bool
}

func (r *IncomingRequest) Peer() *Peer { return r.peer }

// Context is canceled when the peer closes.
func (r *IncomingRequest) Context() context.Context { return r.peer.ctx }

// Decode unmarshals the request data into v.
func (r *IncomingRequest) Decode(v any) error {
	return gojson.Unmarshal(r.Data, v)
}

// Accept answers with ok=true and data. Only the first Accept or Reject
// answers; later calls log a warning and return nil.
func (r *IncomingRequest) Accept(data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	resp, err := message.NewSuccessResponse(r.Message, raw)
	if err != nil {
		return err
	}
	return r.reply(resp)
}

// Reject answers with ok=false.
func (r *IncomingRequest) Reject(code int, reason string) error {
	resp, err := message.NewErrorResponse(r.Message, code, reason)
	if err != nil {
		return err
	}
	return r.reply(resp)
}

// Replied reports whether Accept or Reject was already called.
func (r *IncomingRequest) Replied() bool { return r.replied.Load() }

func (r *IncomingRequest) reply(resp *message.Message) error {
	if !r.replied.CompareAndSwap(false, true) {
		r.peer.logger.Warn("ignoring second reply", zap.Stringer("request", r.Message))
		return nil
	}
	if !r.peer.mb.push(func() { r.peer.sendReply(resp) }) {
		return ErrClosed
	}
	return nil
}
