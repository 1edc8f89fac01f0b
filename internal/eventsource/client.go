// Package eventsource opens server-push progress streams. HTTP(S) URLs are
// read as Server-Sent Events, WS(S) URLs as WebSocket text frames.
package eventsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler receives the callbacks of one connection. Calls are made from a
// single goroutine in the order the server emitted the events, and at most
// one OnError is delivered, after which the connection is finished.
type Handler interface {
	OnMessage(data string)
	OnError(err error)
}

// Client opens stream connections. The zero value is not usable; call New.
type Client struct {
	httpClient *http.Client
	wsDialer   *websocket.Dialer
	header     http.Header
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for SSE requests. It must not carry a
// request timeout, which would cut long builds short.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithHeader adds a header to every stream request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Add(key, value) }
}

// WithLogger sets the logger for connection lifecycle events.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 0},
		wsDialer:   websocket.DefaultDialer,
		header:     make(http.Header),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Conn is the handle of one stream connection.
type Conn struct {
	rawURL  string
	handler Handler
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	mu        sync.Mutex
	closer    io.Closer

	done chan struct{}
}

// Open starts connecting to rawURL and returns immediately. Every failure,
// including a malformed URL, is reported through h.OnError.
func (c *Client) Open(rawURL string, h Handler) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		rawURL:  rawURL,
		handler: h,
		logger:  c.logger.With().Str("url", Redact(rawURL)).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go conn.run(c)
	return conn
}

// Close releases the connection. It is idempotent, never blocks on the
// reading goroutine and suppresses callbacks that have not started yet.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		c.mu.Lock()
		closer := c.closer
		c.mu.Unlock()
		if closer != nil {
			_ = closer.Close()
		}
		c.logger.Debug().Msg("stream connection closed")
	})
}

// Done is closed once the connection's goroutine and transport resources
// have been released.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) run(client *Client) {
	defer close(c.done)
	defer c.cancel()

	u, err := url.Parse(c.rawURL)
	if err != nil {
		c.fail(fmt.Errorf("parse stream URL: %w", err))
		return
	}

	switch u.Scheme {
	case "http", "https":
		c.runSSE(client, u)
	case "ws", "wss":
		c.runWebSocket(client, u)
	default:
		c.fail(fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme))
	}
}

func (c *Conn) runSSE(client *Client, u *url.URL) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		c.fail(fmt.Errorf("build stream request: %w", redactError(err, u)))
		return
	}
	for key, values := range client.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.httpClient.Do(req)
	if err != nil {
		c.fail(fmt.Errorf("connect stream: %w", redactError(err, u)))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.fail(&StatusError{Code: resp.StatusCode, Status: resp.Status})
		return
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/event-stream" {
		c.fail(fmt.Errorf("%w: content type %q", ErrNotEventStream, resp.Header.Get("Content-Type")))
		return
	}

	if !c.attach(resp.Body) {
		return
	}
	c.logger.Debug().Msg("event stream open")

	err = readEvents(resp.Body, func(ev event) {
		if ev.isMessage() {
			c.deliver(ev.Data)
		}
	})
	if errors.Is(err, io.EOF) {
		c.fail(ErrStreamEnded)
		return
	}
	c.fail(fmt.Errorf("read event stream: %w", err))
}

func (c *Conn) runWebSocket(client *Client, u *url.URL) {
	ws, resp, err := client.wsDialer.DialContext(c.ctx, u.String(), client.header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			c.fail(&StatusError{Code: resp.StatusCode, Status: resp.Status})
			return
		}
		c.fail(fmt.Errorf("dial websocket stream: %w", redactError(err, u)))
		return
	}
	if !c.attach(ws) {
		_ = ws.Close()
		return
	}
	defer ws.Close()
	c.logger.Debug().Msg("websocket stream open")

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.fail(ErrStreamEnded)
				return
			}
			c.fail(fmt.Errorf("read websocket stream: %w", err))
			return
		}
		if msgType == websocket.TextMessage {
			c.deliver(string(data))
		}
	}
}

// attach records the transport resource so Close can release it. It
// returns false when the connection was closed while connecting.
func (c *Conn) attach(closer io.Closer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.closer = closer
	return true
}

func (c *Conn) deliver(data string) {
	if c.closed.Load() {
		return
	}
	c.handler.OnMessage(data)
}

func (c *Conn) fail(err error) {
	if c.closed.Load() {
		return
	}
	c.logger.Debug().Err(err).Msg("event stream failed")
	c.handler.OnError(err)
}
