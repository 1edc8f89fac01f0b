package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envconsole/internal/eventsource"
	"envconsole/internal/hub"
	"envconsole/internal/progress"
	"envconsole/internal/terminal"
)

type fakeConn struct {
	mu     sync.Mutex
	closes int
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
}

func (c *fakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakeDialer records every Open so tests can drive the callbacks.
type fakeDialer struct {
	mu       sync.Mutex
	urls     []string
	handlers []eventsource.Handler
	conns    []*fakeConn
}

func (d *fakeDialer) Open(url string, h eventsource.Handler) Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{}
	d.urls = append(d.urls, url)
	d.handlers = append(d.handlers, h)
	d.conns = append(d.conns, c)
	return c
}

func (d *fakeDialer) last(t *testing.T) (eventsource.Handler, *fakeConn) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.handlers, "dialer was never used")
	return d.handlers[len(d.handlers)-1], d.conns[len(d.conns)-1]
}

func (d *fakeDialer) opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

var testEndpoints = hub.Endpoints{
	ServicePrefix: "http://hub.test/services/envs",
	HubPrefix:     "http://hub.test/hub",
	User:          "alice",
}

func newTestController(t *testing.T, kind hub.Kind) (*Controller, *fakeDialer, *terminal.Buffer) {
	t.Helper()
	d := &fakeDialer{}
	buf := terminal.NewBuffer()
	c := NewController(Options{
		Kind:      kind,
		Endpoints: testEndpoints,
		Token:     "tok",
		Dialer:    d,
		NewSink:   func() terminal.Sink { return buf },
		Logger:    zerolog.Nop(),
	})
	return c, d, buf
}

func record(phase, message string) string {
	b, _ := json.Marshal(map[string]string{"phase": phase, "message": message})
	return string(b)
}

func TestController_StartsIdle(t *testing.T) {
	c, d, _ := newTestController(t, hub.KindBuild)
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.Completed())
	assert.Equal(t, OutcomeNone, c.Outcome())
	assert.Zero(t, d.opens(), "connection must not be created before attach")
}

func TestController_AttachOpensStream(t *testing.T) {
	c, d, buf := newTestController(t, hub.KindBuild)
	require.NoError(t, c.Attach("python-env"))

	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, []string{"http://hub.test/services/envs/api/environments/python-env/logs?token=tok"}, d.urls)
	assert.Equal(t, 1, buf.Resets())
	assert.Zero(t, buf.Appends())
}

func TestController_ThreeRecordsThenTerminal(t *testing.T) {
	c, d, buf := newTestController(t, hub.KindBuild)
	require.NoError(t, c.Attach("img"))
	h, conn := d.last(t)

	h.OnMessage(record("log", "Step 1...\n"))
	assert.Equal(t, StateStreaming, c.State())
	h.OnMessage(record("log", "Step 2...\n"))
	h.OnMessage(record("log", "Step 3...\n"))
	h.OnMessage(record("built", ""))

	assert.Equal(t, "Step 1...\nStep 2...\nStep 3...\n", buf.String())
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, c.Completed())
	assert.Equal(t, OutcomeCompleted, c.Outcome())
	assert.Equal(t, 1, conn.Closes())
	assert.True(t, buf.Disposed())
	assert.Equal(t, 4, buf.Resizes(), "every append is followed by a resize")

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after terminal record")
	}
}

func TestController_TransportErrorLeavesOperationUnresolved(t *testing.T) {
	c, d, buf := newTestController(t, hub.KindBuild)
	require.NoError(t, c.Attach("img"))
	h, conn := d.last(t)

	h.OnMessage(record("log", "Step 1...\n"))
	h.OnError(eventsource.ErrStreamEnded)

	assert.Equal(t, "Step 1...\n", buf.String())
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.Completed())
	assert.Equal(t, OutcomeTransportError, c.Outcome())
	assert.True(t, errors.Is(c.Err(), eventsource.ErrStreamEnded))
	assert.Equal(t, 1, conn.Closes())
	assert.True(t, buf.Disposed())
	assert.Equal(t, eventsource.ErrStreamEnded.Error(), c.Snapshot().Error)
}

func TestController_ErrorWhileConnecting(t *testing.T) {
	c, d, buf := newTestController(t, hub.KindBuild)
	require.NoError(t, c.Attach("img"))
	h, _ := d.last(t)

	h.OnError(&eventsource.StatusError{Code: 404, Status: "404 Not Found"})

	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.Completed())
	assert.Zero(t, buf.Appends())
}

func TestController_AttachThenImmediateClose(t *testing.T) {
	c, d, buf := newTestController(t, hub.KindBuild)
	require.NoError(t, c.Attach("img"))
	h, conn := d.last(t)

	c.Close()

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, OutcomeCancelled, c.Outcome())
	assert.False(t, c.Completed())
	assert.Equal(t, 1, conn.Closes())
	assert.True(t, buf.Disposed())

	// A pending event arriving after close must not reach the sink.
	h.OnMessage(record("log", "late\n"))
	h.OnError(errors.New("late error"))
	assert.Zero(t, buf.Appends())
	assert.Equal(t, OutcomeCancelled, c.Outcome())
}

func TestController_BuiltPhaseIsTerminal(t *testing.T) {
	c, d, _ := newTestController(t, hub.KindBuild)
	require.NoError(t, c.Attach("img"))
	h, _ := d.last(t)

	h.OnMessage(record("built", "Successfully built\n"))

	assert.Equal(t, StateClosed, c.State())
	assert.True(t, c.Completed())
}

func TestController_TerminalOutcomes(t *testing.T) {
	tests := []struct {
		phase   string
		outcome Outcome
	}{
		{phase: "built", outcome: OutcomeCompleted},
		{phase: "READY", outcome: OutcomeCompleted},
		{phase: "error", outcome: OutcomeFailed},
		{phase: "failed", outcome: OutcomeFailed},
		{phase: "deployed", outcome: OutcomeUnrecognized},
	}
	for _, tt := range tests {
		t.Run(tt.phase, func(t *testing.T) {
			c, d, _ := newTestController(t, hub.KindBuild)
			require.NoError(t, c.Attach("img"))
			h, _ := d.last(t)

			h.OnMessage(record(tt.phase, "end\n"))

			assert.Equal(t, StateClosed, c.State())
			assert.True(t, c.Completed())
			assert.Equal(t, tt.outcome, c.Outcome())
			assert.Equal(t, tt.phase, c.Snapshot().Phase)
		})
	}
}

func TestController_DecodeFailureIsDropped(t *testing.T) {
	c, d, buf := newTestController(t, hub.KindBuild)
	require.NoError(t, c.Attach("img"))
	h, _ := d.last(t)

	h.OnMessage("not json")
	assert.Equal(t, StateConnecting, c.State(), "decode failure must not change state")

	h.OnMessage(record("log", "a"))
	h.OnMessage(`{"phase": 3}`)
	assert.Equal(t, StateStreaming, c.State())
	h.OnMessage(record("log", "b"))

	assert.Equal(t, "ab", buf.String())
	snap := c.Snapshot()
	assert.Equal(t, 2, snap.Records)
	assert.Equal(t, 2, snap.Dropped)
}

func TestController_ContentIsConcatenationOfMessages(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 50; i++ {
		c, d, buf := newTestController(t, hub.KindBuild)
		require.NoError(t, c.Attach("img"))
		h, _ := d.last(t)

		var want strings.Builder
		n := rng.IntN(20)
		for j := 0; j < n; j++ {
			msg := fmt.Sprintf("line %d.%d \x1b[32mok\x1b[0m", i, j)
			if rng.IntN(2) == 0 {
				msg += "\n"
			}
			want.WriteString(msg)
			h.OnMessage(record("log", msg))
		}
		assert.Equal(t, want.String(), buf.String())
		c.Close()
	}
}

func TestController_CloseIsIdempotent(t *testing.T) {
	c, d, buf := newTestController(t, hub.KindBuild)
	require.NoError(t, c.Attach("img"))
	_, conn := d.last(t)

	c.Close()
	c.Close()

	assert.Equal(t, 1, conn.Closes())
	assert.True(t, buf.Disposed())
	assert.Equal(t, OutcomeCancelled, c.Outcome())
}

func TestController_CloseAfterTerminalKeepsOutcome(t *testing.T) {
	c, d, _ := newTestController(t, hub.KindBuild)
	require.NoError(t, c.Attach("img"))
	h, conn := d.last(t)

	h.OnMessage(record("built", ""))
	c.Close()

	assert.Equal(t, OutcomeCompleted, c.Outcome())
	assert.Equal(t, 1, conn.Closes())
}

func TestController_CloseFromIdle(t *testing.T) {
	c, d, buf := newTestController(t, hub.KindBuild)
	c.Close()

	assert.Equal(t, StateClosed, c.State())
	assert.Zero(t, d.opens())
	assert.Zero(t, buf.Resets(), "no sink is created for a session that never attached")
	assert.True(t, errors.Is(c.Attach("img"), ErrClosed))
	assert.Zero(t, d.opens())
}

func TestController_AttachTwice(t *testing.T) {
	c, d, _ := newTestController(t, hub.KindBuild)
	require.NoError(t, c.Attach("img"))
	assert.True(t, errors.Is(c.Attach("img"), ErrAlreadyAttached))
	assert.Equal(t, 1, d.opens())
}

func TestController_AttachURLErrorStaysIdle(t *testing.T) {
	d := &fakeDialer{}
	c := NewController(Options{Kind: hub.KindBuild, Dialer: d, Logger: zerolog.Nop()})

	err := c.Attach("img")
	require.Error(t, err)
	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, d.opens())

	err = c.Attach("")
	assert.True(t, errors.Is(err, hub.ErrMissingOperation))
}

func TestController_StaleGenerationIsIgnored(t *testing.T) {
	c, d, buf := newTestController(t, hub.KindBuild)
	require.NoError(t, c.Attach("img"))

	stale := &handler{c: c, generation: "previous"}
	stale.OnMessage(record("log", "from an old connection\n"))
	stale.OnError(errors.New("old connection failed"))

	assert.Equal(t, StateConnecting, c.State())
	assert.Zero(t, buf.Appends())

	h, _ := d.last(t)
	h.OnMessage(record("log", "current\n"))
	assert.Equal(t, "current\n", buf.String())
}

func TestController_SpawnProgress(t *testing.T) {
	c, d, buf := newTestController(t, hub.KindSpawn)
	require.NoError(t, c.Attach(""))
	assert.Equal(t, "http://hub.test/hub/api/users/alice/server/progress?token=tok", d.urls[0])
	h, _ := d.last(t)

	h.OnMessage(`{"progress": 10, "message": "Server requested"}`)
	h.OnMessage(`{"progress": 50, "message": "Pulling image"}`)
	snap := c.Snapshot()
	require.NotNil(t, snap.Progress)
	assert.Equal(t, 50.0, *snap.Progress)
	assert.Equal(t, StateStreaming, snap.State)

	h.OnMessage(`{"progress": 100, "ready": true, "message": "Server ready", "url": "/user/alice/"}`)

	assert.Equal(t, []float64{10, 50, 100}, buf.Progress())
	assert.Equal(t, "Server requestedPulling imageServer ready", buf.String())
	assert.Equal(t, OutcomeCompleted, c.Outcome())
}

func TestController_SpawnFailed(t *testing.T) {
	c, d, _ := newTestController(t, hub.KindSpawn)
	require.NoError(t, c.Attach("gpu"))
	h, _ := d.last(t)

	h.OnMessage(`{"progress": 100, "failed": true, "message": "Spawn failed: timeout"}`)

	assert.Equal(t, OutcomeFailed, c.Outcome())
	assert.True(t, c.Completed())
}

type stateRecorder struct {
	states []State
	phases []string
}

func (r *stateRecorder) OnRecord(rec progress.Record) { r.phases = append(r.phases, rec.Phase) }
func (r *stateRecorder) OnStateChange(s Snapshot)     { r.states = append(r.states, s.State) }

func TestController_ObserverSeesTransitions(t *testing.T) {
	d := &fakeDialer{}
	obs := &stateRecorder{}
	c := NewController(Options{
		Kind:      hub.KindBuild,
		Endpoints: testEndpoints,
		Dialer:    d,
		Logger:    zerolog.Nop(),
		Observer:  obs,
	})
	require.NoError(t, c.Attach("img"))
	h, _ := d.last(t)
	h.OnMessage(record("log", "x"))
	h.OnMessage(record("built", "y"))

	assert.Equal(t, []State{StateConnecting, StateStreaming, StateClosed}, obs.states)
	assert.Equal(t, []string{"log", "built"}, obs.phases)
	assert.NotContains(t, d.urls[0], "token=", "empty token is not appended")
}

// strictSink fails the test on any call after Dispose.
type strictSink struct {
	t        *testing.T
	mu       sync.Mutex
	disposed bool
	appends  int
}

func (s *strictSink) check(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		s.t.Errorf("%s called on disposed sink", op)
	}
}

func (s *strictSink) Append(string) {
	s.check("Append")
	s.mu.Lock()
	s.appends++
	s.mu.Unlock()
}
func (s *strictSink) Resize() { s.check("Resize") }
func (s *strictSink) Reset()  { s.check("Reset") }
func (s *strictSink) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
}

func TestController_NoSinkMutationAfterConcurrentClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := &fakeDialer{}
		sink := &strictSink{t: t}
		c := NewController(Options{
			Kind:      hub.KindBuild,
			Endpoints: testEndpoints,
			Dialer:    d,
			NewSink:   func() terminal.Sink { return sink },
			Logger:    zerolog.Nop(),
		})
		require.NoError(t, c.Attach("img"))
		h, _ := d.last(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h.OnMessage(record("log", "x"))
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 10 * time.Microsecond)
			c.Close()
		}()
		wg.Wait()

		assert.Equal(t, StateClosed, c.State())
	}
}
