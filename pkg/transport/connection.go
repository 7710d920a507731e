package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/wsroutes/pkg/errors"
	"github.com/sessamekesh/wsroutes/pkg/handlers"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultReadLimit       = 64 * 1024
	defaultSendQueueLength = 32
)

var expectedCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// wsConn is the handle a route sees for one websocket. Sends are queued and
// written by a single writePump; the read side runs on the HTTP handler
// goroutine and owns the close callback.
type wsConn struct {
	id   string
	conn *websocket.Conn

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	requested atomic.Bool

	log *zap.Logger
}

var (
	_ handlers.Conn       = (*wsConn)(nil)
	_ handlers.Identified = (*wsConn)(nil)
)

func newWsConn(id string, conn *websocket.Conn, sendQueueLength int, log *zap.Logger) *wsConn {
	if sendQueueLength <= 0 {
		sendQueueLength = defaultSendQueueLength
	}
	return &wsConn{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendQueueLength),
		done: make(chan struct{}),
		log:  log,
	}
}

func (c *wsConn) Identity() string { return c.id }

func (c *wsConn) Send(payload []byte) error {
	select {
	case <-c.done:
		return &errors.ConnectionClosed{ConnId: c.id}
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return &errors.ConnectionClosed{ConnId: c.id}
	default:
		return &errors.SendQueueFull{ConnId: c.id}
	}
}

// Close asks the writer to send a close frame and drop the socket. The route
// hears about it through the read side, like any other disconnect.
func (c *wsConn) Close() error {
	c.requested.Store(true)
	c.shutdown()
	return nil
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
				c.log.Debug("Failed to write close frame", zap.Error(err))
			}
			return

		case payload := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("Failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("Write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("Failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn("Ping error", zap.Error(err))
				return
			}
		}
	}
}

// readPump delivers frames to h until the socket fails or closes. OnClose is
// called exactly once, after OnError when the failure was unexpected.
func (c *wsConn) readPump(h handlers.Handler, readLimit int64) {
	defer h.OnClose(c)
	defer c.shutdown()

	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	c.conn.SetReadLimit(readLimit)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("Failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if c.requested.Load() {
				c.log.Debug("Connection closed by server")
				return
			}
			if websocket.IsCloseError(err, expectedCloseCodes...) {
				closeErr, _ := err.(*websocket.CloseError)
				c.log.Debug("Received close request", zap.Int("closeCode", closeErr.Code), zap.String("closeMsg", closeErr.Text))
				return
			}

			c.log.Warn("Unexpected read error", zap.Error(err))
			h.OnError(c, err)
			return
		}

		h.OnMessage(c, payload)
	}
}
