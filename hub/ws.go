package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size.
	maxMessageSize = 64 * 1024

	// Outbound buffer per connection; overflow drops the message.
	sendQueueSize = 256
)

// WSConn adapts a gorilla websocket to the Conn interface with a single
// writer pump and a bounded send queue.
type WSConn struct {
	id     string
	userID string
	sock   *websocket.Conn
	send   chan []byte
	log    zerolog.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

func NewWSConn(sock *websocket.Conn, userID string, log zerolog.Logger) *WSConn {
	return &WSConn{
		id:     uuid.NewString(),
		userID: userID,
		sock:   sock,
		send:   make(chan []byte, sendQueueSize),
		log:    log,
	}
}

func (c *WSConn) ID() string     { return c.id }
func (c *WSConn) UserID() string { return c.userID }

// Send queues the message without blocking. There is a race between the
// closed check and the channel send, so recover from the close panic
// rather than locking every send.
func (c *WSConn) Send(msg Message) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal outbound message")
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close shuts the send queue exactly once; the write pump then closes the
// socket.
func (c *WSConn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// WritePump drains the send queue onto the socket and keeps the peer alive
// with pings. Run it on its own goroutine; it exits when Close is called
// or a write fails.
func (c *WSConn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Str("conn", c.id).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump feeds inbound frames to the handler until the peer goes away.
// The caller is responsible for Disconnect/Unregister when it returns.
func (c *WSConn) ReadPump(onMessage func(data []byte)) {
	defer c.Close()

	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Str("conn", c.id).Msg("unexpected close")
			}
			return
		}
		onMessage(data)
	}
}
