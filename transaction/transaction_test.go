package transaction

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-peer/message"
	"mini-peer/metrics"
)

// loop stands in for the owning peer's event loop.
type loop struct {
	ch chan func()
}

func (l *loop) post(f func()) bool {
	l.ch <- f
	return true
}

// runOne executes the next posted function.
func (l *loop) runOne(t *testing.T) {
	t.Helper()
	select {
	case f := <-l.ch:
		f()
	case <-time.After(2 * time.Second):
		t.Fatal("nothing was posted to the loop")
	}
}

// idle asserts that nothing gets posted for a while.
func (l *loop) idle(t *testing.T) {
	t.Helper()
	select {
	case <-l.ch:
		t.Fatal("unexpected callback posted to the loop")
	case <-time.After(50 * time.Millisecond):
	}
}

func newTable(t *testing.T) (*Table, *clock.Mock, *loop) {
	mock := clock.NewMock()
	l := &loop{ch: make(chan func(), 16)}
	return NewTable(mock, l.post, zaptest.NewLogger(t)), mock, l
}

func response(t *testing.T, tx *Transaction, ok bool) *message.Message {
	t.Helper()
	var (
		m   *message.Message
		err error
	)
	if ok {
		m, err = message.NewSuccessResponse(tx.Request(), json.RawMessage(`{"v":1}`))
	} else {
		m, err = message.NewErrorResponse(tx.Request(), 404, "not found")
	}
	require.NoError(t, err)
	return m
}

func result(t *testing.T, tx *Transaction) Result {
	t.Helper()
	select {
	case r := <-tx.Done():
		return r
	default:
		t.Fatal("transaction has no result")
		return Result{}
	}
}

func TestBeginAssignsIDsAndDeadline(t *testing.T) {
	table, mock, _ := newTable(t)

	a, err := table.Begin("a", nil, 10*time.Second)
	require.NoError(t, err)
	b, err := table.Begin("b", json.RawMessage(`{"x":1}`), 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a.ID())
	assert.Equal(t, uint64(2), b.ID())
	assert.Equal(t, mock.Now().Add(10*time.Second), a.Deadline())
	assert.Equal(t, StateCreated, a.State())
	assert.Equal(t, 2, table.Len())

	_, err = table.Begin("", nil, time.Second)
	assert.ErrorIs(t, err, message.ErrInvalidMethod)
	_, err = table.Begin("x", json.RawMessage(`[1]`), time.Second)
	assert.ErrorIs(t, err, message.ErrInvalidData)
}

func TestResolveFulfilled(t *testing.T) {
	table, _, _ := newTable(t)
	tx, _ := table.Begin("hello", nil, time.Second)
	table.Sent(tx)

	assert.True(t, table.Resolve(response(t, tx, true)))
	assert.Equal(t, StateFulfilled, tx.State())
	r := result(t, tx)
	require.NoError(t, r.Err)
	assert.JSONEq(t, `{"v":1}`, string(r.Data))
	assert.Equal(t, 0, table.Len())
}

func TestResolveRejected(t *testing.T) {
	table, _, _ := newTable(t)
	tx, _ := table.Begin("hello", nil, time.Second)
	table.Sent(tx)

	assert.True(t, table.Resolve(response(t, tx, false)))
	assert.Equal(t, StateRejected, tx.State())

	err := result(t, tx).Err
	assert.ErrorIs(t, err, ErrRemoteRejected)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 404, te.Code)
	assert.Equal(t, "not found", te.Reason)
}

func TestRemoteThrewClassification(t *testing.T) {
	req, _ := message.NewRequest(1, "x", nil)
	resp, _ := message.NewErrorResponse(req, 500, "boom")
	assert.ErrorIs(t, FromResponse(resp), ErrRemoteThrew)
	assert.NotErrorIs(t, FromResponse(resp), ErrRemoteRejected)
}

func TestDuplicateResponseIgnored(t *testing.T) {
	table, _, _ := newTable(t)
	tx, _ := table.Begin("hello", nil, time.Second)
	table.Sent(tx)

	resp := response(t, tx, true)
	assert.True(t, table.Resolve(resp))
	assert.False(t, table.Resolve(resp))
	result(t, tx)
	assert.Empty(t, tx.Done())
}

func TestResponseBeforeSendIgnored(t *testing.T) {
	table, _, _ := newTable(t)
	tx, _ := table.Begin("hello", nil, time.Second)

	assert.False(t, table.Resolve(response(t, tx, true)))
	assert.Equal(t, StateCreated, tx.State())
}

func TestTimeoutFiresOnce(t *testing.T) {
	table, mock, l := newTable(t)
	before := testutil.ToFloat64(metrics.Transactions.WithLabelValues(metrics.OutcomeTimedOut))

	tx, _ := table.Begin("slow", nil, 10*time.Second)
	table.Sent(tx)

	mock.Add(9 * time.Second)
	l.idle(t)

	mock.Add(time.Second)
	l.runOne(t)
	assert.Equal(t, StateTimedOut, tx.State())
	assert.ErrorIs(t, result(t, tx).Err, ErrTimeout)

	// A response arriving after the deadline is dropped.
	assert.False(t, table.Resolve(response(t, tx, true)))
	mock.Add(time.Minute)
	l.idle(t)

	after := testutil.ToFloat64(metrics.Transactions.WithLabelValues(metrics.OutcomeTimedOut))
	assert.Equal(t, before+1, after)
}

func TestResolvedTimerNeverFires(t *testing.T) {
	table, mock, l := newTable(t)
	tx, _ := table.Begin("hello", nil, 10*time.Second)
	table.Sent(tx)
	table.Resolve(response(t, tx, true))

	mock.Add(time.Hour)
	l.idle(t)
	assert.Equal(t, StateFulfilled, tx.State())
}

// An expiry already posted when the response lands must not override it.
func TestStaleExpiryIsNoop(t *testing.T) {
	table, mock, l := newTable(t)
	tx, _ := table.Begin("hello", nil, time.Second)
	table.Sent(tx)

	mock.Add(time.Second)
	select {
	case f := <-l.ch:
		table.Resolve(response(t, tx, true))
		f()
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, StateFulfilled, tx.State())
	require.NoError(t, result(t, tx).Err)
}

func TestQueuedTimesOutWithoutSend(t *testing.T) {
	table, mock, l := newTable(t)
	tx, _ := table.Begin("queued", nil, 5*time.Second)

	mock.Add(5 * time.Second)
	l.runOne(t)
	assert.Equal(t, StateTimedOut, tx.State())
	assert.Empty(t, table.Queued())
}

func TestQueuedOrder(t *testing.T) {
	table, _, _ := newTable(t)
	a, _ := table.Begin("a", nil, time.Second)
	b, _ := table.Begin("b", nil, time.Second)
	c, _ := table.Begin("c", nil, time.Second)
	table.Sent(b)

	q := table.Queued()
	require.Len(t, q, 2)
	assert.Equal(t, a.ID(), q[0].ID())
	assert.Equal(t, c.ID(), q[1].ID())

	table.Sent(a)
	table.Sent(a)
	assert.Equal(t, StateSent, a.State())
}

func TestCancel(t *testing.T) {
	table, mock, l := newTable(t)
	tx, _ := table.Begin("hello", nil, time.Second)
	table.Sent(tx)

	assert.True(t, table.Cancel(tx.ID()))
	assert.False(t, table.Cancel(tx.ID()))
	assert.Equal(t, StateCanceled, tx.State())
	assert.ErrorIs(t, result(t, tx).Err, ErrCanceled)

	mock.Add(time.Minute)
	l.idle(t)
}

func TestFailAll(t *testing.T) {
	table, mock, l := newTable(t)
	a, _ := table.Begin("a", nil, time.Second)
	b, _ := table.Begin("b", nil, time.Second)
	table.Sent(a)

	assert.Equal(t, 2, table.FailAll(ErrPeerOffline))
	for _, tx := range []*Transaction{a, b} {
		assert.Equal(t, StateOwnerClosed, tx.State())
		assert.ErrorIs(t, result(t, tx).Err, ErrPeerOffline)
	}
	assert.Equal(t, 0, table.Len())

	mock.Add(time.Minute)
	l.idle(t)
}

func TestErrorMatching(t *testing.T) {
	err := error(&Error{Kind: KindTimeout, Code: CodeTimeout})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrPeerOffline)
	assert.True(t, Temporary(err))
	assert.True(t, Temporary(ErrPeerOffline))
	assert.False(t, Temporary(ErrRemoteRejected))
	assert.False(t, Temporary(errors.New("plain")))
	assert.Equal(t, "transaction: peer offline (410 peer offline)", ErrPeerOffline.Error())
}
