package hub

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ban-chess/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// A ping unanswered past this grace marks the peer inactive.
	pongGrace = 10 * time.Second
	// A peer that answers no ping for this long is terminated.
	pongWait      = 60 * time.Second
	maxFrameSize  = 64 * 1024
	sendQueueSize = 64
)

// Client is one authenticated websocket connection. Frames flow out through
// the buffered send channel; a client that cannot drain it is closed with
// 1009 rather than blocking the rest of the server.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	userID   string
	username string
	provider string
	isGuest  bool

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// Heartbeat state: lastPong is written by the read pump's pong handler,
	// active flips on the write pump's ping ticks.
	lastPong atomic.Int64
	active   atomic.Bool

	// gameID is the game this client has joined, "" otherwise. Guarded by
	// the hub's subscription mutex.
	gameID string
}

func newClient(h *Hub, conn *websocket.Conn, userID, username, provider string, isGuest bool) *Client {
	c := &Client{
		hub:      h,
		conn:     conn,
		userID:   userID,
		username: username,
		provider: provider,
		isGuest:  isGuest,
		send:     make(chan []byte, sendQueueSize),
		closed:   make(chan struct{}),
	}
	c.lastPong.Store(time.Now().UnixMilli())
	c.active.Store(true)
	return c
}

// UserID implements room.Sender.
func (c *Client) UserID() string { return c.userID }

// Send queues a frame for delivery. A full queue closes the connection with
// 1009 and reports false.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		log.Printf("[Hub] Send queue full for %s, closing", c.userID)
		c.closeWith(websocket.CloseMessageTooBig, "send queue overflow")
		return false
	}
}

// closeWith sends a close frame and tears the connection down. Safe to call
// more than once and from any goroutine: WriteControl may run concurrently
// with the write pump's WriteMessage, a plain write may not.
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.conn.Close()
	})
}

// notePong records a heartbeat answer. Runs on the read pump.
func (c *Client) notePong() {
	c.lastPong.Store(time.Now().UnixMilli())
	c.active.Store(true)
}

// checkActive flips the client inactive when its last pong is older than a
// ping interval plus grace. The connection stays up; the read deadline does
// the terminating.
func (c *Client) checkActive(now time.Time) bool {
	if now.Sub(time.UnixMilli(c.lastPong.Load())) > pingPeriod+pongGrace {
		if c.active.CompareAndSwap(true, false) {
			log.Printf("[Hub] Client %s marked inactive (no pong)", c.userID)
		}
	}
	return c.active.Load()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.notePong()
		return nil
	})

	for {
		// Oversized frames trip the read limit; gorilla closes with 1009.
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Hub] Read error for %s: %v", c.userID, err)
			}
			return
		}
		frame, err := protocol.ParseClientFrame(data)
		if err != nil {
			c.Send(protocol.Marshal(protocol.Errorf("bad frame: %v", err)))
			continue
		}
		c.hub.dispatch(c, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.checkActive(time.Now())
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
