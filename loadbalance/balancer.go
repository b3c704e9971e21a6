// Package loadbalance chooses which endpoint a client dials.
//
// A ClientTransport may know several URLs for the same signaling service. On
// every connect attempt it asks its Balancer for one:
//   - RoundRobin:      rotate through endpoints, so a dead server is skipped on retry
//   - WeightedRandom:  spread clients by endpoint capacity
//   - ConsistentHash:  keep an identity on the same endpoint across reconnects
package loadbalance

import "errors"

var ErrNoEndpoints = errors.New("no endpoints available")

// Endpoint is one dialable URL.
type Endpoint struct {
	URL    string
	Weight int // Relative capacity, used by WeightedRandom
}

// Endpoints builds equally weighted endpoints from URLs.
func Endpoints(urls ...string) []Endpoint {
	eps := make([]Endpoint, 0, len(urls))
	for _, u := range urls {
		eps = append(eps, Endpoint{URL: u, Weight: 1})
	}
	return eps
}

// Balancer is the interface for endpoint selection strategies.
type Balancer interface {
	// Pick selects one endpoint. key is the dialing peer's identity; strategies
	// that don't need affinity ignore it. Must be goroutine-safe.
	Pick(key string, endpoints []Endpoint) (*Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
