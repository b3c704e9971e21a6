package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-peer/message"
	"mini-peer/protocol"
)

func startPipe(t *testing.T) (*PipeTransport, *recorder, *PipeTransport, *recorder) {
	t.Helper()
	a, b := Pipe(Options{Logger: zaptest.NewLogger(t)})
	ra, rb := newRecorder(), newRecorder()
	a.Start(ra.handle)
	b.Start(rb.handle)
	ra.expect(t, EventOpen)
	rb.expect(t, EventOpen)
	return a, ra, b, rb
}

func TestPipeDeliversInOrder(t *testing.T) {
	a, _, _, rb := startPipe(t)

	for i := 1; i <= 5; i++ {
		req, err := message.NewRequest(uint64(i), "count", json.RawMessage(`{}`))
		require.NoError(t, err)
		require.NoError(t, a.Send(req))
	}
	for i := 1; i <= 5; i++ {
		ev := rb.expect(t, EventMessage)
		assert.Equal(t, uint64(i), ev.Message.ID)
	}
}

func TestPipeDropsMalformed(t *testing.T) {
	a, _, _, rb := startPipe(t)

	require.NoError(t, a.SendRaw([]byte(`{"request":true,"id":0,"method":"x"}`)))
	require.NoError(t, a.SendRaw([]byte(`{"notification":true,"method":"ok"}`)))

	ev := rb.expect(t, EventMessage)
	assert.Equal(t, "ok", ev.Message.Method)
	assert.False(t, a.Closed())
}

// Messages sent before Close still reach the other end, followed by the
// close code and reason.
func TestPipeCloseCarriesCode(t *testing.T) {
	a, ra, b, rb := startPipe(t)

	n, _ := message.NewNotification("last", nil)
	require.NoError(t, a.Send(n))
	a.Close(protocol.CloseOnlineElsewhere, protocol.ReasonOnlineElsewhere)

	ev := ra.expect(t, EventClose)
	assert.Equal(t, protocol.CloseOnlineElsewhere, ev.Code)

	rb.expect(t, EventMessage)
	ev = rb.expect(t, EventClose)
	assert.Equal(t, protocol.CloseOnlineElsewhere, ev.Code)
	assert.Equal(t, protocol.ReasonOnlineElsewhere, ev.Reason)

	assert.ErrorIs(t, a.Send(n), ErrClosed)
	assert.ErrorIs(t, b.Send(n), ErrClosed)

	a.Close(protocol.CloseNormal, "")
	ra.quiet(t, 50*time.Millisecond)
	rb.quiet(t, 10*time.Millisecond)
}

func TestPipeDrop(t *testing.T) {
	a, ra, b, rb := startPipe(t)
	a.Drop()

	assert.Equal(t, protocol.CloseAbnormal, ra.expect(t, EventClose).Code)
	assert.Equal(t, protocol.CloseAbnormal, rb.expect(t, EventClose).Code)
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
}

func TestPipeStartAfterClose(t *testing.T) {
	a, b := Pipe(Options{Logger: zaptest.NewLogger(t)})
	a.Drop()

	rec := newRecorder()
	b.Start(rec.handle)
	rec.quiet(t, 50*time.Millisecond)
}
