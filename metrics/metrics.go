// Package metrics exposes Prometheus collectors for the peer engine.
//
// Collectors are package-level so every peer, transport and registry in the
// process feeds the same series. Call Register once with the registry the
// application serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const namespace = "minipeer"

// Transaction outcomes.
const (
	OutcomeFulfilled   = "fulfilled"
	OutcomeRejected    = "rejected"
	OutcomeTimedOut    = "timed_out"
	OutcomeCanceled    = "canceled"
	OutcomeOwnerClosed = "owner_closed"
)

var (
	Transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Outgoing requests by terminal outcome.",
	}, []string{"outcome"})

	PendingTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transactions_pending",
		Help:      "Outgoing requests awaiting a terminal outcome.",
	})

	Peers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers",
		Help:      "Live peers held by registries.",
	})

	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_attempts_total",
		Help:      "Client transport connect attempts by result.",
	}, []string{"result"})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Peers that adopted a new transport without going offline.",
	})

	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Inbound frames dropped because they were not valid messages.",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{Transactions, PendingTransactions, Peers, ConnectAttempts, Reconnects, DecodeErrors}
}

// Register adds every collector to reg. Collectors already registered with
// reg are skipped.
func Register(reg prometheus.Registerer) error {
	var err error
	for _, c := range collectors() {
		if e := reg.Register(c); e != nil {
			if _, ok := e.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			err = multierr.Append(err, e)
		}
	}
	return err
}
