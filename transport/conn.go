package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mini-peer/message"
	"mini-peer/metrics"
	"mini-peer/protocol"
)

// wsConn is one open WebSocket plus the bits both transports need: serialized
// writes, a read loop that decodes frames and a keepalive ping loop.
type wsConn struct {
	conn    *websocket.Conn
	opts    Options
	logger  *zap.Logger
	writeMu sync.Mutex // one writer at a time, or frames interleave
	done    chan struct{}
	once    sync.Once
}

func newWSConn(conn *websocket.Conn, opts Options, logger *zap.Logger) *wsConn {
	return &wsConn{
		conn:   conn,
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (c *wsConn) send(m *message.Message) error {
	data, err := c.opts.Codec.Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop decodes frames until the connection fails and returns the close
// code and reason that ended it. Frames that do not decode are dropped.
func (c *wsConn) readLoop(onMessage func(*message.Message)) (int, string) {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if c.opts.PingInterval > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		})
	}

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return closeInfo(err)
		}
		if mt != websocket.TextMessage {
			c.logger.Warn("dropping non-text frame", zap.Int("type", mt))
			continue
		}
		m, err := c.opts.Codec.Decode(data)
		if err != nil {
			metrics.DecodeErrors.Inc()
			c.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		onMessage(m)
	}
}

// pingLoop sends keepalive pings until the connection is closed. A dead peer
// stops answering, the read deadline passes and readLoop returns.
func (c *wsConn) pingLoop() {
	if c.opts.PingInterval <= 0 {
		return
	}
	ticker := c.opts.Clock.Ticker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
			if err != nil {
				return
			}
		}
	}
}

// close sends a best-effort close frame and tears the socket down.
func (c *wsConn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(sendableCode(code), reason)
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
		c.conn.Close()
	})
}

// release tears the socket down without a close frame, after the read side
// already failed.
func (c *wsConn) release() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return protocol.CloseAbnormal, err.Error()
}

// sendableCode maps codes that may not appear in a close frame to a normal closure.
func sendableCode(code int) int {
	switch code {
	case 0, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return protocol.CloseNormal
	}
	return code
}
