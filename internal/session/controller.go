// Package session binds progress streams to sinks. A Controller owns one
// stream from attach to close; the Manager keeps many of them for the relay.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"envconsole/internal/eventsource"
	"envconsole/internal/hub"
	"envconsole/internal/metrics"
	"envconsole/internal/progress"
	"envconsole/internal/terminal"
)

// State represents the lifecycle state of a stream session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateClosed     State = "closed"
)

// Outcome says how a closed session ended.
type Outcome string

const (
	OutcomeNone           Outcome = ""
	OutcomeCompleted      Outcome = "completed"
	OutcomeFailed         Outcome = "failed"
	OutcomeUnrecognized   Outcome = "unrecognized"
	OutcomeTransportError Outcome = "transport-error"
	OutcomeCancelled      Outcome = "cancelled"
)

// Resolved reports whether the outcome came from a terminal record rather
// than a transport error or a local close.
func (o Outcome) Resolved() bool {
	return o == OutcomeCompleted || o == OutcomeFailed || o == OutcomeUnrecognized
}

var (
	// ErrAlreadyAttached is returned by Attach once a stream has been opened.
	ErrAlreadyAttached = errors.New("session already attached")
	// ErrClosed is returned by Attach on a closed session.
	ErrClosed = errors.New("session closed")
)

// Conn is a live stream connection. Close must be idempotent.
type Conn interface {
	Close()
}

// Dialer opens stream connections. Open must not call h before returning.
type Dialer interface {
	Open(url string, h eventsource.Handler) Conn
}

// DialFunc adapts a function to Dialer.
type DialFunc func(url string, h eventsource.Handler) Conn

func (f DialFunc) Open(url string, h eventsource.Handler) Conn { return f(url, h) }

// ClientDialer returns a Dialer backed by an event stream client.
func ClientDialer(c *eventsource.Client) Dialer {
	return DialFunc(func(url string, h eventsource.Handler) Conn {
		return c.Open(url, h)
	})
}

// Observer is notified of records and state changes while the controller
// lock is held. Implementations must not block or call back into the
// controller.
type Observer interface {
	OnRecord(rec progress.Record)
	OnStateChange(snap Snapshot)
}

// Options configures a Controller.
type Options struct {
	Kind      hub.Kind
	Endpoints hub.Endpoints
	// Token is appended to the stream URL when non-empty.
	Token  string
	Dialer Dialer
	// NewSink creates the sink rendered into by the session.
	NewSink  func() terminal.Sink
	Logger   zerolog.Logger
	Observer Observer
}

// Snapshot is a point-in-time view of a controller.
type Snapshot struct {
	Kind        hub.Kind  `json:"kind"`
	OperationID string    `json:"operationId"`
	State       State     `json:"state"`
	Outcome     Outcome   `json:"outcome,omitempty"`
	Completed   bool      `json:"completed"`
	Phase       string    `json:"phase,omitempty"`
	Progress    *float64  `json:"progress,omitempty"`
	Records     int       `json:"records"`
	Dropped     int       `json:"dropped"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	ClosedAt    time.Time `json:"closedAt,omitzero"`
}

// Controller drives one stream session through idle, connecting,
// streaming and closed. All transitions and callbacks run under one mutex.
type Controller struct {
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	operationID string
	generation  string
	conn        Conn
	sink        terminal.Sink
	completed   bool
	outcome     Outcome
	phase       string
	progress    *float64
	records     int
	dropped     int
	err         error
	startedAt   time.Time
	closedAt    time.Time

	done chan struct{}
}

// NewController creates an idle controller.
func NewController(opts Options) *Controller {
	if opts.NewSink == nil {
		opts.NewSink = func() terminal.Sink { return terminal.NewBuffer() }
	}
	return &Controller{
		opts:   opts,
		logger: opts.Logger.With().Str("kind", string(opts.Kind)).Logger(),
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

// Attach opens the stream of operationID into a fresh sink. URL errors
// leave the controller idle.
func (c *Controller) Attach(operationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return ErrClosed
	case StateConnecting, StateStreaming:
		return ErrAlreadyAttached
	}
	if c.opts.Dialer == nil {
		return errors.New("session has no dialer")
	}

	url, err := c.opts.Endpoints.URL(c.opts.Kind, operationID, c.opts.Token)
	if err != nil {
		return fmt.Errorf("stream url: %w", err)
	}

	sink := c.opts.NewSink()
	sink.Reset()

	c.sink = sink
	c.operationID = operationID
	c.generation = uuid.NewString()
	c.startedAt = time.Now().UTC()
	c.logger = c.logger.With().Str("operation_id", operationID).Logger()
	c.setState(StateConnecting)
	metrics.IncSessionStarted(string(c.opts.Kind))

	c.logger.Debug().Str("url", eventsource.Redact(url)).Msg("attaching stream")
	c.conn = c.opts.Dialer.Open(url, &handler{c: c, generation: c.generation})
	return nil
}

// Close ends the session from any state. It disposes the sink and releases
// the connection before returning; later events are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.finish(OutcomeCancelled, nil)
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Completed reports whether a terminal record ended the stream. It stays
// false for transport errors and user closes.
func (c *Controller) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Outcome returns how the session ended, or OutcomeNone while it is open.
func (c *Controller) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Err returns the transport error that closed the session, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the session reaches the closed state.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Snapshot returns the current view of the session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Kind:        c.opts.Kind,
		OperationID: c.operationID,
		State:       c.state,
		Outcome:     c.outcome,
		Completed:   c.completed,
		Phase:       c.phase,
		Records:     c.records,
		Dropped:     c.dropped,
		StartedAt:   c.startedAt,
		ClosedAt:    c.closedAt,
	}
	if c.progress != nil {
		p := *c.progress
		s.Progress = &p
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	return s
}

func (c *Controller) onMessage(generation, data string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live(generation) {
		return
	}

	rec, err := progress.Decode(data)
	if err != nil {
		c.dropped++
		metrics.IncDecodeError(string(c.opts.Kind))
		c.logger.Warn().Err(err).Msg("dropping undecodable stream event")
		return
	}
	c.records++
	metrics.IncRecord(string(c.opts.Kind))

	if c.state == StateConnecting {
		c.setState(StateStreaming)
	}
	if rec.Progress != nil {
		p := *rec.Progress
		c.progress = &p
		if ps, ok := c.sink.(terminal.ProgressSink); ok {
			ps.SetProgress(p)
		}
	}
	if rec.Phase != "" {
		c.phase = rec.Phase
	}
	c.sink.Append(rec.Message)
	c.sink.Resize()
	if c.opts.Observer != nil {
		c.opts.Observer.OnRecord(rec)
	}

	if rec.Terminal() {
		c.completed = true
		c.logger.Debug().Str("phase", rec.Phase).Stringer("record_kind", rec.Kind).Msg("stream reached terminal phase")
		c.finish(outcomeOf(rec.Kind), nil)
	}
}

func (c *Controller) onError(generation string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live(generation) {
		return
	}
	c.logger.Warn().Err(err).Str("state", string(c.state)).Msg("stream transport error")
	c.finish(OutcomeTransportError, err)
}

// live reports whether a callback tagged with generation may act.
func (c *Controller) live(generation string) bool {
	if generation != c.generation {
		return false
	}
	return c.state == StateConnecting || c.state == StateStreaming
}

// finish releases the connection and the sink and enters the closed state.
func (c *Controller) finish(outcome Outcome, err error) {
	wasActive := c.state == StateConnecting || c.state == StateStreaming

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.sink != nil {
		c.sink.Dispose()
		c.sink = nil
	}
	c.generation = ""
	c.outcome = outcome
	c.err = err
	c.closedAt = time.Now().UTC()
	c.setState(StateClosed)
	metrics.IncSessionClosed(string(c.opts.Kind), string(outcome), wasActive)
	close(c.done)
}

func (c *Controller) setState(s State) {
	c.state = s
	c.logger.Debug().Str("state", string(s)).Msg("session state changed")
	if c.opts.Observer != nil {
		c.opts.Observer.OnStateChange(c.snapshotLocked())
	}
}

func outcomeOf(k progress.Kind) Outcome {
	switch k {
	case progress.Completed:
		return OutcomeCompleted
	case progress.Failed:
		return OutcomeFailed
	default:
		return OutcomeUnrecognized
	}
}

// handler tags the callbacks of one connection with the generation it was
// opened for.
type handler struct {
	c          *Controller
	generation string
}

func (h *handler) OnMessage(data string) { h.c.onMessage(h.generation, data) }

func (h *handler) OnError(err error) { h.c.onError(h.generation, err) }
