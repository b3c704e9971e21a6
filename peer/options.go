package peer

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Handlers are the application callbacks of a Peer. Each signal has a single
// handler; nil means not interested.
type Handlers struct {
	// OnRequest runs in its own goroutine per incoming request.
	OnRequest RequestHandler
	// OnNotification and the connectivity signals run in arrival order on one
	// dispatcher goroutine per peer.
	OnNotification NotificationHandler
	OnOpen         func()
	OnReconnect    func()
	OnDisconnected func()
	OnClose        func()
}

type Options struct {
	Clock  clock.Clock
	Logger *zap.Logger

	// GracePeriod keeps the peer alive after its transport is lost so the
	// same identity can come back without losing pending requests. 0 closes
	// the peer as soon as the transport closes.
	GracePeriod time.Duration

	RequestTimeout     time.Duration
	LongRequestTimeout time.Duration
	// MethodTimeouts overrides RequestTimeout per method.
	MethodTimeouts map[string]time.Duration

	Handlers Handlers
}

func DefaultOptions() Options {
	return Options{
		Clock:              clock.New(),
		RequestTimeout:     10 * time.Second,
		LongRequestTimeout: 120 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.LongRequestTimeout <= 0 {
		o.LongRequestTimeout = d.LongRequestTimeout
	}
	if o.GracePeriod < 0 {
		o.GracePeriod = 0
	}
	return o
}

func (o Options) timeoutFor(method string) time.Duration {
	if d, ok := o.MethodTimeouts[method]; ok && d > 0 {
		return d
	}
	return o.RequestTimeout
}

type requestOptions struct {
	timeout time.Duration
}

// RequestOption tunes a single Request call.
type RequestOption func(*requestOptions, Options)

// WithTimeout sets the deadline of this request.
func WithTimeout(d time.Duration) RequestOption {
	return func(ro *requestOptions, _ Options) {
		if d > 0 {
			ro.timeout = d
		}
	}
}

// WithLongRunning uses the long-running deadline class.
func WithLongRunning() RequestOption {
	return func(ro *requestOptions, o Options) {
		ro.timeout = o.LongRequestTimeout
	}
}
