// Package hubtest runs an in-process hub that serves scripted build-log and
// spawn-progress streams, over SSE and WebSocket, for tests.
package hubtest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Route prefixes served by the hub.
const (
	ServicePath = "/services/envs"
	HubPath     = "/hub"
)

// Stream scripts one progress endpoint.
type Stream struct {
	// Payloads are sent in order, one event each.
	Payloads []string
	// Raw is written verbatim after the payloads, e.g. a truncated frame.
	Raw string
	// Interval is slept between payloads.
	Interval time.Duration
	// Hold keeps the response open after the script until the client leaves.
	Hold bool
	// Block never sends response headers, so the client stays connecting.
	Block bool
}

// Hub is a fake hub. Streams are looked up by operation identifier.
type Hub struct {
	Server *httptest.Server

	mu      sync.Mutex
	builds  map[string]Stream
	spawns  map[string]Stream
	tokens  []string
	wsConns []*websocket.Conn

	active   atomic.Int32
	started  chan string
	done     chan struct{}
	upgrader websocket.Upgrader
}

// New starts a hub that is shut down when the test ends.
func New(t testing.TB) *Hub {
	t.Helper()
	h := &Hub{
		builds:  make(map[string]Stream),
		spawns:  make(map[string]Stream),
		started: make(chan string, 64),
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Get(ServicePath+"/api/environments/{image}/logs", h.handleBuildSSE)
	r.Get(ServicePath+"/ws/environments/{image}/logs", h.handleBuildWS)
	r.Get(HubPath+"/api/users/{user}/servers/{server}/progress", h.handleSpawn)
	r.Get(HubPath+"/api/users/{user}/server/progress", h.handleSpawn)

	h.Server = httptest.NewServer(r)
	t.Cleanup(h.Close)
	return h
}

// URL returns the hub base URL.
func (h *Hub) URL() string { return h.Server.URL }

// ServicePrefix is the URL prefix of the environments service.
func (h *Hub) ServicePrefix() string { return h.Server.URL + ServicePath }

// HubPrefix is the URL prefix of the hub API.
func (h *Hub) HubPrefix() string { return h.Server.URL + HubPath }

// WebSocketPrefix is ServicePrefix with a ws scheme. Build logs upgrade on
// both <prefix>/api/environments/<image>/logs and
// <prefix>/ws/environments/<image>/logs.
func (h *Hub) WebSocketPrefix() string {
	return "ws" + strings.TrimPrefix(h.Server.URL, "http") + ServicePath
}

// SetBuild scripts the log stream of an image build.
func (h *Hub) SetBuild(image string, s Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.builds[image] = s
}

// SetSpawn scripts the progress stream of a server spawn. An empty server
// name is the user's default server.
func (h *Hub) SetSpawn(user, server string, s Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spawns[user+"/"+server] = s
}

// Tokens returns the token query values seen so far, in request order.
func (h *Hub) Tokens() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.tokens...)
}

// Started receives the operation identifier of every stream request once
// its handler begins.
func (h *Hub) Started() <-chan string { return h.started }

// Active returns the number of stream handlers still running.
func (h *Hub) Active() int { return int(h.active.Load()) }

// WaitIdle waits until no stream handler is running.
func (h *Hub) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.Active() == 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return h.Active() == 0
}

// Close stops the hub and disconnects every client.
func (h *Hub) Close() {
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}
	h.mu.Lock()
	for _, c := range h.wsConns {
		c.Close()
	}
	h.mu.Unlock()
	h.Server.CloseClientConnections()
	h.Server.Close()
}

func (h *Hub) lookup(kind, key string, r *http.Request) (Stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokens = append(h.tokens, r.URL.Query().Get("token"))
	var (
		s  Stream
		ok bool
	)
	if kind == "build" {
		s, ok = h.builds[key]
	} else {
		s, ok = h.spawns[key]
	}
	return s, ok
}

func (h *Hub) begin(id string) func() {
	h.active.Add(1)
	select {
	case h.started <- id:
	default:
	}
	return func() { h.active.Add(-1) }
}

func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

func (h *Hub) handleBuildSSE(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.handleBuildWS(w, r)
		return
	}
	image := param(r, "image")
	s, ok := h.lookup("build", image, r)
	if !ok {
		http.Error(w, fmt.Sprintf("No logs for image: %s", image), http.StatusNotFound)
		return
	}
	defer h.begin(image)()
	h.serveSSE(w, r, s)
}

func (h *Hub) handleSpawn(w http.ResponseWriter, r *http.Request) {
	key := param(r, "user") + "/" + param(r, "server")
	s, ok := h.lookup("spawn", key, r)
	if !ok {
		http.Error(w, "server not found", http.StatusNotFound)
		return
	}
	defer h.begin(key)()
	h.serveSSE(w, r, s)
}

func (h *Hub) serveSSE(w http.ResponseWriter, r *http.Request, s Stream) {
	if s.Block {
		h.wait(r)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for i, p := range s.Payloads {
		if i > 0 && s.Interval > 0 {
			if !h.sleep(r, s.Interval) {
				return
			}
		}
		if err := writeEvent(w, p); err != nil {
			return
		}
		flusher.Flush()
	}
	if s.Raw != "" {
		fmt.Fprint(w, s.Raw)
		flusher.Flush()
	}
	if s.Hold {
		h.wait(r)
	}
}

func (h *Hub) handleBuildWS(w http.ResponseWriter, r *http.Request) {
	image := param(r, "image")
	s, ok := h.lookup("build", image, r)
	if !ok {
		http.Error(w, "no logs", http.StatusNotFound)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer h.begin(image)()
	defer conn.Close()

	h.mu.Lock()
	h.wsConns = append(h.wsConns, conn)
	h.mu.Unlock()

	for i, p := range s.Payloads {
		if i > 0 && s.Interval > 0 {
			if !h.sleep(r, s.Interval) {
				return
			}
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
			return
		}
	}
	if s.Hold {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second))
}

// writeEvent frames one payload, splitting embedded newlines into data lines.
func writeEvent(w http.ResponseWriter, payload string) error {
	var b strings.Builder
	for _, line := range strings.Split(payload, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	_, err := fmt.Fprint(w, b.String())
	return err
}

func (h *Hub) wait(r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-h.done:
	}
}

func (h *Hub) sleep(r *http.Request, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.Context().Done():
		return false
	case <-h.done:
		return false
	}
}
