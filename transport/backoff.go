package transport

import (
	"math"
	"time"
)

// Backoff bounds how a ClientTransport retries connecting.
//
//	attempt:  1    2    3    4    5 ...
//	delay:    1s   2s   4s   8s   8s   (MinTimeout 1s, Factor 2, MaxTimeout 8s)
//
// After Retries failed retries the transport gives up and closes. The zero
// Backoff means DefaultBackoff; zero fields of any other value take their
// default, except Retries, where 0 and negative values both mean no retry.
// Backoff{Retries: -1} therefore gives up after the first failed attempt and
// keeps the default delays.
type Backoff struct {
	Retries    int
	Factor     float64
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		Retries:    10,
		Factor:     2,
		MinTimeout: time.Second,
		MaxTimeout: 8 * time.Second,
	}
}

// Delay returns how long to wait after the given failed attempt (1-based)
// before trying again: min(MaxTimeout, MinTimeout * Factor^(attempt-1)).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.MinTimeout) * math.Pow(b.Factor, float64(attempt-1))
	if d > float64(b.MaxTimeout) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.MaxTimeout
	}
	return time.Duration(d)
}

// Exhausted reports whether no retry follows the given failed attempt.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt > b.Retries
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b == (Backoff{}) {
		return d
	}
	if b.Retries < 0 {
		b.Retries = 0
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.MinTimeout <= 0 {
		b.MinTimeout = d.MinTimeout
	}
	if b.MaxTimeout <= 0 {
		b.MaxTimeout = d.MaxTimeout
	}
	if b.MaxTimeout < b.MinTimeout {
		b.MaxTimeout = b.MinTimeout
	}
	return b
}
