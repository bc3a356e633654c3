package collab

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Conn is one client connection attached to a contract room. The hub owns it
// from registration to teardown; callers outside the package only ever see
// opaque *Conn values.
type Conn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	createdAt time.Time
}

func newConn(ws *websocket.Conn, sendBuf int) *Conn {
	return &Conn{
		ws:        ws,
		send:      make(chan []byte, sendBuf),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
}

// close moves the connection to its terminal state: done wakes the write
// pump, a best-effort close frame tells the client why, and the socket
// teardown unblocks any in-flight read. Safe to call more than once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeTimeout)) //nolint:errcheck
		c.ws.Close()
	})
}

// offer queues data for delivery without ever blocking the caller. It
// reports false when the outbound queue is full. Data offered to a closing
// connection is silently dropped.
func (c *Conn) offer(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump drains the connection's send channel and forwards messages to
// the WebSocket. It also sends periodic ping frames. Runs in its own
// goroutine per connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-c.done:
			return

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection, dispatching data frames through
// the hub and handling control messages (pong, close). Blocks until the
// connection closes.
func (c *Conn) readPump(h *Hub) {
	defer c.ws.Close()
	c.ws.SetReadLimit(h.maxMessage)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(c, raw)
	}
}
