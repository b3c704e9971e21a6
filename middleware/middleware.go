// Package middleware wraps incoming request handlers.
//
// A HandlerFunc returns the response data or an error; Serve turns it into a
// peer.RequestHandler that answers the request exactly once. Errors made with
// Reject carry their own code, any other error becomes a 500.
package middleware

import (
	"context"
	"errors"
	"fmt"

	"mini-peer/peer"
	"mini-peer/transaction"
)

type HandlerFunc func(ctx context.Context, req *peer.IncomingRequest) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
//
//	Chain(A, B, C)(h) → A(B(C(h)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Error is a deliberate refusal with a response code.
type Error struct {
	Code   int
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("%d %s", e.Code, e.Reason) }

// Reject returns an error that is answered with code and reason.
func Reject(code int, reason string) error {
	return &Error{Code: code, Reason: reason}
}

const (
	CodeBadRequest      = 400
	CodeNotFound        = 404
	CodeRequestTimeout  = transaction.CodeTimeout
	CodeTooManyRequests = 429
	CodeInternal        = transaction.CodeInternal
)

// ErrorCode maps err to the code and reason sent to the remote. Failures of
// requests the handler forwarded to another peer keep their code.
func ErrorCode(err error) (int, string) {
	var me *Error
	if errors.As(err, &me) {
		return me.Code, me.Reason
	}
	var te *transaction.Error
	if errors.As(err, &te) {
		return te.Code, te.Reason
	}
	return CodeInternal, err.Error()
}

// Serve adapts h to a peer.RequestHandler.
func Serve(h HandlerFunc) peer.RequestHandler {
	return func(req *peer.IncomingRequest) {
		data, err := h(req.Context(), req)
		if err != nil {
			code, reason := ErrorCode(err)
			req.Reject(code, reason)
			return
		}
		req.Accept(data)
	}
}
