// Package transaction tracks outgoing requests until they resolve.
//
// A Table belongs to one peer and is only touched from that peer's event
// loop, so it holds no locks. Timer callbacks never touch the table directly:
// they post a function back onto the loop, which re-checks the state before
// acting.
//
//	Created ──send──→ Sent ──response──→ Fulfilled | Rejected
//	   │                │
//	   └────────────────┴──→ TimedOut | Canceled | OwnerClosed
package transaction

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"mini-peer/message"
	"mini-peer/metrics"
)

type State int

const (
	StateCreated State = iota
	StateSent
	StateFulfilled
	StateRejected
	StateTimedOut
	StateCanceled
	StateOwnerClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateFulfilled:
		return "fulfilled"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed out"
	case StateCanceled:
		return "canceled"
	case StateOwnerClosed:
		return "owner closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s >= StateFulfilled }

// Result is delivered exactly once per transaction.
type Result struct {
	Data json.RawMessage
	Err  error
}

type Transaction struct {
	request  *message.Message
	deadline time.Time
	state    State
	timer    *clock.Timer
	done     chan Result
}

func (tx *Transaction) ID() uint64                { return tx.request.ID }
func (tx *Transaction) Method() string            { return tx.request.Method }
func (tx *Transaction) Request() *message.Message { return tx.request }
func (tx *Transaction) Deadline() time.Time       { return tx.deadline }

// State must only be read from the owning loop.
func (tx *Transaction) State() State { return tx.state }

// Done yields the single Result once the transaction is terminal.
func (tx *Transaction) Done() <-chan Result { return tx.done }

// Table holds the live transactions of one peer.
type Table struct {
	clock  clock.Clock
	post   func(func()) bool
	logger *zap.Logger
	nextID uint64
	txns   map[uint64]*Transaction
}

// NewTable returns an empty table. post schedules a function on the owning
// loop; it reports false once the loop has stopped.
func NewTable(clk clock.Clock, post func(func()) bool, logger *zap.Logger) *Table {
	return &Table{
		clock:  clk,
		post:   post,
		logger: logger,
		txns:   make(map[uint64]*Transaction),
	}
}

func (t *Table) allocID() uint64 {
	for {
		t.nextID++
		if t.nextID == 0 {
			t.nextID = 1
		}
		if _, busy := t.txns[t.nextID]; !busy {
			return t.nextID
		}
	}
}

// Begin admits a new transaction in Created and starts its deadline.
func (t *Table) Begin(method string, data json.RawMessage, timeout time.Duration) (*Transaction, error) {
	req, err := message.NewRequest(t.allocID(), method, data)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{
		request:  req,
		deadline: t.clock.Now().Add(timeout),
		done:     make(chan Result, 1),
	}
	t.txns[req.ID] = tx
	tx.timer = t.clock.AfterFunc(timeout, func() {
		t.post(func() { t.expire(tx) })
	})
	metrics.PendingTransactions.Inc()
	return tx, nil
}

// Sent records that the request went out. It only ever happens once.
func (t *Table) Sent(tx *Transaction) {
	if tx.state == StateCreated {
		tx.state = StateSent
	}
}

// Queued returns the transactions not yet sent, oldest first.
func (t *Table) Queued() []*Transaction {
	var out []*Transaction
	for _, tx := range t.txns {
		if tx.state == StateCreated {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of live transactions.
func (t *Table) Len() int { return len(t.txns) }

// Get returns a live transaction.
func (t *Table) Get(id uint64) (*Transaction, bool) {
	tx, ok := t.txns[id]
	return tx, ok
}

// Resolve settles the transaction resp answers. Responses with no live
// transaction (late, duplicate or never requested) are dropped and reported
// as false.
func (t *Table) Resolve(resp *message.Message) bool {
	tx, ok := t.txns[resp.ID]
	if !ok {
		t.logger.Warn("dropping response with no live transaction", zap.Uint64("id", resp.ID))
		return false
	}
	if tx.state != StateSent {
		t.logger.Warn("dropping response for a request that was never sent",
			zap.Uint64("id", resp.ID), zap.Stringer("state", tx.state))
		return false
	}
	if resp.OK {
		t.finish(tx, StateFulfilled, Result{Data: resp.Data})
		return true
	}
	t.finish(tx, StateRejected, Result{Err: FromResponse(resp)})
	return true
}

// Cancel settles a live transaction as Canceled.
func (t *Table) Cancel(id uint64) bool {
	tx, ok := t.txns[id]
	if !ok {
		return false
	}
	t.finish(tx, StateCanceled, Result{Err: ErrCanceled})
	return true
}

// FailAll settles every live transaction with err, used when the owner goes
// away for good.
func (t *Table) FailAll(err error) int {
	n := 0
	for _, tx := range t.txns {
		t.finish(tx, StateOwnerClosed, Result{Err: err})
		n++
	}
	return n
}

func (t *Table) expire(tx *Transaction) {
	if tx.state.Terminal() {
		return
	}
	t.logger.Debug("request timed out", zap.Uint64("id", tx.ID()), zap.String("method", tx.Method()))
	t.finish(tx, StateTimedOut, Result{Err: ErrTimeout})
}

func (t *Table) finish(tx *Transaction, state State, res Result) {
	if tx.state.Terminal() {
		return
	}
	tx.state = state
	tx.timer.Stop()
	delete(t.txns, tx.ID())
	tx.done <- res

	metrics.PendingTransactions.Dec()
	metrics.Transactions.WithLabelValues(outcome(state)).Inc()
}

func outcome(s State) string {
	switch s {
	case StateFulfilled:
		return metrics.OutcomeFulfilled
	case StateRejected:
		return metrics.OutcomeRejected
	case StateTimedOut:
		return metrics.OutcomeTimedOut
	case StateCanceled:
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeOwnerClosed
	}
}
