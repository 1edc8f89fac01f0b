// Package realtime serves managed stream sessions to browser clients over
// WebSocket and REST.
package realtime

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"envconsole/internal/protocol"
	"envconsole/internal/session"
)

// Config configures a Server.
type Config struct {
	// StaticDir is served at / when set.
	StaticDir string
	// CreateRateLimit caps POST /sessions per client IP per minute; zero
	// disables the limit.
	CreateRateLimit int
	// AllowedOrigins lists browser origins other than the relay's own host
	// that may connect. "*" allows any origin.
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// Server relays the sessions of a Manager to WebSocket clients and exposes
// them over REST.
type Server struct {
	sessions *session.Manager
	cfg      Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New creates a relay server for mgr.
func New(mgr *session.Manager, cfg Config) *Server {
	s := &Server{
		sessions: mgr,
		cfg:      cfg,
		logger:   cfg.Logger,
		clients:  make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)

	r.Get("/ws", s.handleWebSocket)

	create := http.Handler(http.HandlerFunc(s.handleCreateSession))
	if s.cfg.CreateRateLimit > 0 {
		create = httprate.LimitByIP(s.cfg.CreateRateLimit, time.Minute)(create)
	}
	r.Method(http.MethodPost, "/sessions", create)
	r.Get("/sessions", s.handleListSessions)
	r.Get("/sessions/{id}", s.handleGetSession)
	r.Delete("/sessions/{id}", s.handleDeleteSession)

	r.Handle("/metrics", promhttp.Handler())

	if s.cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return r
}

// corsMiddleware rejects requests from browser origins that are not
// allowed and grants CORS to the ones that are.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Origin")
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !s.originAllowed(r) {
				s.logger.Debug().Str("origin", origin).Msg("origin rejected")
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed accepts requests without an Origin header, which browsers
// always send cross-origin, requests from the relay's own host and the
// configured origins.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

// handleWebSocket upgrades the request, sends the session list and
// subscribes the new client to every session still open.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := newClient(conn, s.logger)

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("client connected")

	go c.writeLoop()
	for _, sess := range s.sessions.List() {
		c.post(updateMessage(sess))
		if sess.State != session.StateClosed {
			s.subscribe(c, sess.ID)
		}
	}

	go func() {
		defer s.drop(c)
		c.readLoop(func(frame []byte) { s.handleFrame(c, frame) })
	}()
}

// CloseClients disconnects every WebSocket client. http.Server.Shutdown
// does not track hijacked connections.
func (s *Server) CloseClients() {
	for _, c := range s.snapshotClients() {
		c.conn.Close()
	}
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	for sessionID, subID := range c.detach() {
		s.sessions.Unsubscribe(sessionID, subID)
	}
	c.conn.Close()
	s.logger.Debug().Msg("client disconnected")
}

func (s *Server) handleFrame(c *client, frame []byte) {
	msg, err := protocol.ValidateClientMessage(frame)
	if err != nil {
		c.post(errorMessage(protocol.ErrInvalidMessage, err.Error()))
		return
	}

	switch msg.Type {
	case protocol.TypeSessionCreate:
		var p protocol.SessionCreatePayload
		_ = json.Unmarshal(msg.Payload, &p)
		if _, err := s.createSession(p); err != nil {
			c.post(errorMessage(errorCode(err), err.Error()))
		}
	case protocol.TypeSessionClose:
		var p protocol.SessionClosePayload
		_ = json.Unmarshal(msg.Payload, &p)
		if err := s.sessions.Close(p.SessionID); err != nil {
			c.post(errorMessage(protocol.ErrSessionNotFound, err.Error()))
		}
	}
}

// announce tells every client about a new session and subscribes them.
func (s *Server) announce(sess session.Session) {
	msg := updateMessage(sess)
	for _, c := range s.snapshotClients() {
		c.post(msg)
		s.subscribe(c, sess.ID)
	}
}

// subscribe replays a session's history to c and forwards live events
// until the session closes or the client leaves.
func (s *Server) subscribe(c *client, sessionID string) {
	if c.subscribed(sessionID) {
		return
	}
	s.follow(c, sessionID, "", 0)
}

// follow subscribes c to a session and forwards every event after seq
// after. The manager ends a subscription that falls behind; follow then
// starts over from the last event it forwarded, replacing prevSub.
func (s *Server) follow(c *client, sessionID, prevSub string, after uint64) {
	subID, events, history, err := s.sessions.Subscribe(sessionID)
	if err != nil {
		c.untrack(sessionID, prevSub)
		return
	}
	if !c.track(sessionID, prevSub, subID) {
		s.sessions.Unsubscribe(sessionID, subID)
		return
	}

	last := after
	relay := func(ev session.OutputEvent) (closed bool) {
		if ev.Seq <= last {
			return false
		}
		last = ev.Seq
		s.forward(c, ev)
		return ev.Type == session.OutputClosed
	}
	for _, ev := range history {
		if relay(ev) {
			s.unsubscribe(c, sessionID, subID)
			return
		}
	}

	go func() {
		for ev := range events {
			if relay(ev) {
				s.unsubscribe(c, sessionID, subID)
				return
			}
		}
		s.logger.Debug().Str("session_id", sessionID).Uint64("seq", last).Msg("subscription cut off, resuming")
		s.follow(c, sessionID, subID, last)
	}()
}

func (s *Server) unsubscribe(c *client, sessionID, subID string) {
	c.untrack(sessionID, subID)
	s.sessions.Unsubscribe(sessionID, subID)
}

func (s *Server) forward(c *client, ev session.OutputEvent) {
	for _, msg := range eventMessages(ev, s.sessions.Get) {
		c.post(msg)
	}
}

// eventMessages maps one session event to the wire messages a client
// receives for it. State changes and closes carry a fresh session.update
// looked up through get.
func eventMessages(ev session.OutputEvent, get func(id string) (session.Session, error)) []*protocol.Message {
	var msgs []*protocol.Message
	add := func(msgType string, payload any) {
		if msg, err := protocol.NewMessage(msgType, payload); err == nil {
			msgs = append(msgs, msg)
		}
	}

	switch ev.Type {
	case session.OutputText, session.OutputProgress:
		stream := protocol.StreamOutput
		if ev.Type == session.OutputProgress {
			stream = protocol.StreamProgress
		}
		add(protocol.TypeSessionOutput, protocol.SessionOutputPayload{
			SessionID: ev.SessionID,
			Stream:    stream,
			Data:      ev.Data,
			Phase:     ev.Phase,
			Progress:  ev.Progress,
		})
	case session.OutputState:
		if sess, err := get(ev.SessionID); err == nil {
			add(protocol.TypeSessionUpdate, updatePayload(sess))
		}
	case session.OutputClosed:
		if sess, err := get(ev.SessionID); err == nil {
			add(protocol.TypeSessionUpdate, updatePayload(sess))
		}
		add(protocol.TypeSessionClosed, protocol.SessionClosedPayload{
			SessionID: ev.SessionID,
			Outcome:   string(ev.Outcome),
			Completed: ev.Outcome.Resolved(),
			Error:     ev.Data,
		})
	}
	return msgs
}

func updateMessage(sess session.Session) *protocol.Message {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, updatePayload(sess))
	if err != nil {
		return nil
	}
	return msg
}

func errorMessage(code, text string) *protocol.Message {
	msg, err := protocol.NewErrorMessage(code, text)
	if err != nil {
		return nil
	}
	return msg
}

func updatePayload(sess session.Session) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:          sess.ID,
		Kind:        string(sess.Kind),
		OperationID: sess.OperationID,
		Label:       sess.Label,
		State:       string(sess.State),
		Outcome:     string(sess.Outcome),
		Completed:   sess.Completed,
		Progress:    sess.Progress,
		CreatedAt:   sess.CreatedAt.Format(time.RFC3339Nano),
	}
}
