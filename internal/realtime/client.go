package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"envconsole/internal/protocol"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	sendBufSize    = 256
	maxClientFrame = 64 << 10
)

// client is one browser connection. It owns its outbound queue and the
// session subscriptions made on its behalf.
type client struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	out  chan []byte
	subs map[string]string // session id -> subscription id
	gone bool
}

func newClient(conn *websocket.Conn, logger zerolog.Logger) *client {
	return &client{
		conn:   conn,
		logger: logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		out:    make(chan []byte, sendBufSize),
		subs:   make(map[string]string),
	}
}

// enqueue never blocks. A client that cannot keep up is disconnected so
// it reconnects and starts from a fresh session list instead of missing
// frames.
func (c *client) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return
	}
	select {
	case c.out <- frame:
	default:
		c.logger.Warn().Msg("send queue full, closing connection")
		c.conn.Close()
	}
}

func (c *client) post(msg *protocol.Message) {
	if msg == nil {
		return
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		c.logger.Warn().Err(err).Str("type", msg.Type).Msg("encode message")
		return
	}
	c.enqueue(frame)
}

func (c *client) subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sessionID]
	return ok
}

// track records subID as the client's subscription to a session, replacing
// prev. It reports false when the client already left or the session holds
// a subscription other than prev.
func (c *client) track(sessionID, prev, subID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return false
	}
	if cur := c.subs[sessionID]; cur != prev {
		return false
	}
	c.subs[sessionID] = subID
	return true
}

func (c *client) untrack(sessionID, subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[sessionID] == subID {
		delete(c.subs, sessionID)
	}
}

// detach marks the client gone, ends the write loop and hands back the
// subscriptions still held.
func (c *client) detach() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return nil
	}
	c.gone = true
	close(c.out)
	subs := c.subs
	c.subs = nil
	return subs
}

// readLoop hands every inbound frame to handle until the socket fails.
func (c *client) readLoop(handle func(frame []byte)) {
	c.conn.SetReadLimit(maxClientFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		handle(frame)
	}
}

// writeLoop drains the queue and keeps the connection alive with pings.
func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer c.conn.Close()

	for {
		select {
		case frame, ok := <-c.out:
			if !ok {
				_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(kind int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(kind, data)
}
