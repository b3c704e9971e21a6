package transaction

import (
	"errors"
	"fmt"

	"mini-peer/message"
)

// Kind classifies why a transaction did not succeed.
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindCanceled
	KindPeerOffline
	KindRemoteRejected
	KindRemoteThrew
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	case KindPeerOffline:
		return "peer offline"
	case KindRemoteRejected:
		return "remote rejected"
	case KindRemoteThrew:
		return "remote threw"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error codes used for locally generated failures. Remote rejections keep the
// code the remote sent.
const (
	CodeTimeout     = 408
	CodeCanceled    = 499
	CodePeerOffline = 410
	CodeInternal    = 500
)

// Error is what a failed request returns to the caller.
type Error struct {
	Kind   Kind
	Code   int
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction: %s (%d)", e.Kind, e.Code)
	}
	return fmt.Sprintf("transaction: %s (%d %s)", e.Kind, e.Code, e.Reason)
}

// Is matches on Kind, so errors.Is(err, ErrTimeout) holds for any timeout.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrTimeout        = &Error{Kind: KindTimeout, Code: CodeTimeout, Reason: "request timeout"}
	ErrCanceled       = &Error{Kind: KindCanceled, Code: CodeCanceled, Reason: "request canceled"}
	ErrPeerOffline    = &Error{Kind: KindPeerOffline, Code: CodePeerOffline, Reason: "peer offline"}
	ErrRemoteRejected = &Error{Kind: KindRemoteRejected}
	ErrRemoteThrew    = &Error{Kind: KindRemoteThrew, Code: CodeInternal}
)

// FromResponse builds the error for a response with ok=false. A 500 means the
// remote handler failed rather than deliberately refused.
func FromResponse(resp *message.Message) *Error {
	kind := KindRemoteRejected
	if resp.ErrorCode == CodeInternal {
		kind = KindRemoteThrew
	}
	return &Error{Kind: kind, Code: resp.ErrorCode, Reason: resp.ErrorReason}
}

// Temporary reports whether err is a failure that may succeed if the request
// is issued again: a timeout or an offline peer.
func Temporary(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Kind == KindTimeout || te.Kind == KindPeerOffline
}
