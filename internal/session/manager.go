package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"envconsole/internal/hub"
	"envconsole/internal/progress"
	"envconsole/internal/terminal"
)

const (
	defaultMaxSessions      = 16
	defaultRingBufCapacity  = 1000
	defaultSubscriberBufCap = 100
	defaultKeepClosed       = 32
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMaxSessions     = errors.New("maximum session limit reached")
)

// OutputEventType distinguishes the events fanned out to subscribers.
type OutputEventType string

const (
	OutputText     OutputEventType = "output"
	OutputProgress OutputEventType = "progress"
	OutputState    OutputEventType = "state"
	OutputClosed   OutputEventType = "closed"
)

// OutputEvent is one change of a managed session. Seq numbers the events
// of a session from 1 without gaps.
type OutputEvent struct {
	SessionID string          `json:"sessionId"`
	Seq       uint64          `json:"seq"`
	Type      OutputEventType `json:"type"`
	Data      string          `json:"data,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	Progress  *float64        `json:"progress,omitempty"`
	State     State           `json:"state,omitempty"`
	Outcome   Outcome         `json:"outcome,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Session describes a managed stream session.
type Session struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"createdAt"`
	Snapshot
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	MaxSessions int
	Endpoints   hub.Endpoints
	// Tokens is read once per Create. Nil means no token.
	Tokens hub.TokenSource
	Dialer Dialer
	// HistorySize bounds the replay buffer of each session.
	HistorySize int
	// KeepClosed bounds how many closed sessions stay listed; the oldest
	// closed ones are evicted when a session is created.
	KeepClosed int
	Logger     zerolog.Logger
}

// Manager keeps the stream sessions observed by the relay.
type Manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*managedSession
}

type managedSession struct {
	id        string
	label     string
	createdAt time.Time
	ctrl      *Controller

	subMu       sync.Mutex
	ringBuf     *RingBuffer[OutputEvent]
	subscribers map[string]chan OutputEvent
	seq         uint64
	ended       bool
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultRingBufCapacity
	}
	if cfg.KeepClosed <= 0 {
		cfg.KeepClosed = defaultKeepClosed
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*managedSession),
	}
}

// Create attaches a new session to the stream of operationID.
func (m *Manager) Create(kind hub.Kind, operationID, label string) (Session, error) {
	if _, err := hub.ParseKind(string(kind)); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	live := 0
	var closed []*managedSession
	for _, ms := range m.sessions {
		if ms.ctrl.State() == StateClosed {
			closed = append(closed, ms)
		} else {
			live++
		}
	}
	m.evictLocked(closed)
	if live >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w (%d)", ErrMaxSessions, m.cfg.MaxSessions)
	}

	id := uuid.New().String()
	if label == "" {
		label = operationID
	}
	ms := &managedSession{
		id:          id,
		label:       label,
		createdAt:   time.Now().UTC(),
		ringBuf:     NewRingBuffer[OutputEvent](m.cfg.HistorySize),
		subscribers: make(map[string]chan OutputEvent),
	}
	token := ""
	if m.cfg.Tokens != nil {
		token = m.cfg.Tokens.Token()
	}
	ms.ctrl = NewController(Options{
		Kind:      kind,
		Endpoints: m.cfg.Endpoints,
		Token:     token,
		Dialer:    m.cfg.Dialer,
		NewSink:   func() terminal.Sink { return ms },
		Logger:    m.logger.With().Str("session_id", id).Logger(),
		Observer:  ms,
	})
	m.sessions[id] = ms
	m.mu.Unlock()

	if err := ms.ctrl.Attach(operationID); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return Session{}, err
	}

	m.logger.Info().Str("session_id", id).Str("kind", string(kind)).Str("operation_id", operationID).Msg("session created")
	return ms.info(), nil
}

// evictLocked drops the oldest closed sessions beyond KeepClosed. m.mu
// must be held.
func (m *Manager) evictLocked(closed []*managedSession) {
	excess := len(closed) - m.cfg.KeepClosed
	if excess <= 0 {
		return
	}
	closedAt := make(map[*managedSession]time.Time, len(closed))
	for _, ms := range closed {
		closedAt[ms] = ms.ctrl.Snapshot().ClosedAt
	}
	slices.SortFunc(closed, func(a, b *managedSession) int {
		return closedAt[a].Compare(closedAt[b])
	})
	for _, ms := range closed[:excess] {
		delete(m.sessions, ms.id)
		m.logger.Debug().Str("session_id", ms.id).Msg("closed session evicted")
	}
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (Session, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return ms.info(), nil
}

// Controller returns the controller of a session.
func (m *Manager) Controller(id string) (*Controller, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return ms.ctrl, nil
}

// List returns all sessions, oldest first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	result := make([]Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		result = append(result, ms.info())
	}
	m.mu.RUnlock()

	slices.SortFunc(result, func(a, b Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return result
}

// Close ends a session. Closing a closed session is a no-op.
func (m *Manager) Close(id string) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	ms.ctrl.Close()
	return nil
}

// Subscribe returns a channel of the session's future events together with
// the events already buffered. No event is both replayed and delivered.
// The channel is closed after the session's closed event, on Unsubscribe,
// or when the subscriber falls behind by more than the channel holds; a
// subscriber cut off that way resubscribes and skips history it has seen
// by Seq.
func (m *Manager) Subscribe(id string) (string, <-chan OutputEvent, []OutputEvent, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return "", nil, nil, err
	}

	subID := uuid.New().String()
	ch := make(chan OutputEvent, defaultSubscriberBufCap)

	ms.subMu.Lock()
	history := ms.ringBuf.ReadAll()
	if ms.ended {
		close(ch)
	} else {
		ms.subscribers[subID] = ch
	}
	ms.subMu.Unlock()

	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *Manager) Unsubscribe(sessionID, subID string) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return
	}

	ms.subMu.Lock()
	if ch, ok := ms.subscribers[subID]; ok {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

// Shutdown closes every live session.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ctrls := make([]*Controller, 0, len(m.sessions))
	for _, ms := range m.sessions {
		ctrls = append(ctrls, ms.ctrl)
	}
	m.mu.RUnlock()

	for _, c := range ctrls {
		c.Close()
	}
	m.logger.Info().Int("sessions", len(ctrls)).Msg("session manager shut down")
}

func (m *Manager) lookup(id string) (*managedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ms, nil
}

func (ms *managedSession) info() Session {
	return Session{
		ID:        ms.id,
		Label:     ms.label,
		CreatedAt: ms.createdAt,
		Snapshot:  ms.ctrl.Snapshot(),
	}
}

// emit buffers ev and offers it to every subscriber without blocking. A
// subscriber whose channel is full is cut off rather than skipped, so a
// live channel never has gaps. The closed event ends every subscription.
func (ms *managedSession) emit(ev OutputEvent) {
	ms.subMu.Lock()
	defer ms.subMu.Unlock()
	if ms.ended {
		return
	}
	ms.seq++
	ev.Seq = ms.seq
	ev.SessionID = ms.id
	ev.Timestamp = time.Now().UTC()

	ms.ringBuf.Write(ev)
	for subID, ch := range ms.subscribers {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(ms.subscribers, subID)
		}
	}
	if ev.Type == OutputClosed {
		ms.ended = true
		for subID, ch := range ms.subscribers {
			close(ch)
			delete(ms.subscribers, subID)
		}
	}
}

// OnRecord and OnStateChange make a managed session the controller's
// observer. The text itself arrives through the Sink methods below.
func (ms *managedSession) OnRecord(rec progress.Record) {
	if rec.Progress == nil && !rec.Terminal() {
		return
	}
	ms.emit(OutputEvent{Type: OutputProgress, Phase: rec.Phase, Progress: rec.Progress})
}

func (ms *managedSession) OnStateChange(snap Snapshot) {
	if snap.State == StateClosed {
		ms.emit(OutputEvent{Type: OutputClosed, State: snap.State, Outcome: snap.Outcome, Data: snap.Error})
		return
	}
	ms.emit(OutputEvent{Type: OutputState, State: snap.State})
}

// A managed session is its own sink: appended text becomes output events.

func (ms *managedSession) Append(text string) {
	if text == "" {
		return
	}
	ms.emit(OutputEvent{Type: OutputText, Data: text})
}

func (ms *managedSession) Resize()  {}
func (ms *managedSession) Reset()   {}
func (ms *managedSession) Dispose() {}
