package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envconsole/internal/eventsource"
	"envconsole/internal/hub"
	"envconsole/internal/hubtest"
	"envconsole/internal/realtime"
	"envconsole/internal/session"
)

func record(phase, message string) string {
	b, _ := json.Marshal(map[string]string{"phase": phase, "message": message})
	return string(b)
}

// useHub points the configuration at h through the environment.
func useHub(t *testing.T, h *hubtest.Hub) {
	t.Helper()
	for _, key := range []string{
		"JUPYTERHUB_API_TOKEN", "JUPYTERHUB_USER", "JUPYTERHUB_URL",
		"ENVCONSOLE_CONFIG", "ENVCONSOLE_HUB_URL", "ENVCONSOLE_TOKEN_FILE",
		"ENVCONSOLE_TOKEN_PARAM", "ENVCONSOLE_LOGS_RESOURCE",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("ENVCONSOLE_SERVICE_PREFIX", h.ServicePrefix())
	t.Setenv("ENVCONSOLE_HUB_PREFIX", h.HubPrefix())
	t.Setenv("ENVCONSOLE_USER", "alice")
	t.Setenv("ENVCONSOLE_TOKEN", "s3cret")
	t.Setenv("ENVCONSOLE_LOG_LEVEL", "error")
}

func runCLI(t *testing.T, ctx context.Context, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	done := make(chan int, 1)
	go func() { done <- run(ctx, args, &out, &errOut) }()
	select {
	case code = <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("envconsole %s did not return", strings.Join(args, " "))
	}
	return code, out.String(), errOut.String()
}

func TestLogs_Completed(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	h.SetBuild("python-env", hubtest.Stream{
		Payloads: []string{
			record("log", "Step 1...\n"),
			record("log", "Step 2...\n"),
			record("built", ""),
		},
		Hold: true,
	})

	code, stdout, stderr := runCLI(t, context.Background(), "logs", "python-env")

	assert.Equal(t, 0, code, stderr)
	assert.Equal(t, "Step 1...\nStep 2...\n", stdout)
	assert.Contains(t, stderr, "build completed")
	assert.Equal(t, []string{"s3cret"}, h.Tokens())
}

func TestLogs_Failed(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	h.SetBuild("broken", hubtest.Stream{
		Payloads: []string{record("log", "Step 1...\n"), record("failed", "")},
		Hold:     true,
	})

	code, stdout, stderr := runCLI(t, context.Background(), "logs", "broken")

	assert.Equal(t, 1, code)
	assert.Equal(t, "Step 1...\n", stdout)
	assert.Contains(t, stderr, "build failed")
}

func TestLogs_UnrecognizedPhaseExitsNonZero(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	h.SetBuild("odd", hubtest.Stream{Payloads: []string{record("exploded", "")}, Hold: true})

	code, _, stderr := runCLI(t, context.Background(), "logs", "odd")

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `unrecognized phase "exploded"`)
}

func TestLogs_StreamEndsWithoutVerdict(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	h.SetBuild("img", hubtest.Stream{Payloads: []string{record("log", "Step 1...\n")}})

	code, stdout, stderr := runCLI(t, context.Background(), "logs", "img")

	assert.Equal(t, 1, code)
	assert.Equal(t, "Step 1...\n", stdout)
	assert.Contains(t, stderr, "build status unknown")
}

func TestLogs_UnknownImage(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)

	code, stdout, stderr := runCLI(t, context.Background(), "logs", "missing")

	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "build status unknown")
	assert.Contains(t, stderr, "404")
}

func TestLogs_Save(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	h.SetBuild("python-env", hubtest.Stream{
		Payloads: []string{record("log", "Step 1...\n"), record("built", "")},
		Hold:     true,
	})
	path := filepath.Join(t.TempDir(), "build.log")

	code, stdout, stderr := runCLI(t, context.Background(), "logs", "python-env", "--save", path)

	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "Step 1...\n", stdout)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Step 1...\n", string(data))
}

func TestLogs_WebSocket(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	h.SetBuild("python-env", hubtest.Stream{
		Payloads: []string{record("log", "Step 1...\n"), record("built", "")},
		Hold:     true,
	})

	code, stdout, stderr := runCLI(t, context.Background(), "logs", "python-env", "--websocket")

	assert.Equal(t, 0, code, stderr)
	assert.Equal(t, "Step 1...\n", stdout)
}

func TestLogs_InterruptCancels(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	h.SetBuild("slow", hubtest.Stream{Block: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.Started():
			cancel()
		case <-time.After(5 * time.Second):
		}
	}()

	code, stdout, stderr := runCLI(t, ctx, "logs", "slow")

	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "build stream cancelled")
	assert.True(t, h.WaitIdle(5*time.Second), "interrupt releases the server stream")
}

func TestProgress_PrefixesPercentages(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	h.SetSpawn("alice", "gpu", hubtest.Stream{
		Payloads: []string{
			`{"progress": 20, "message": "Server requested"}`,
			`{"progress": 100, "ready": true, "message": "Server ready"}`,
		},
		Hold: true,
	})

	code, stdout, stderr := runCLI(t, context.Background(), "progress", "gpu")

	assert.Equal(t, 0, code, stderr)
	assert.Equal(t, "[ 20%] Server requested\n[100%] Server ready\n", stdout)
	assert.Contains(t, stderr, "spawn completed")
}

func TestProgress_DefaultServer(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	h.SetSpawn("alice", "", hubtest.Stream{
		Payloads: []string{`{"progress": 100, "ready": true, "message": "Server ready"}`},
		Hold:     true,
	})

	code, stdout, stderr := runCLI(t, context.Background(), "progress")

	assert.Equal(t, 0, code, stderr)
	assert.Equal(t, "[100%] Server ready\n", stdout)
}

func TestProgress_SaveKeepsPrefixedLines(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	h.SetSpawn("alice", "", hubtest.Stream{
		Payloads: []string{
			`{"progress": 40, "message": "Pulling image"}`,
			`{"progress": 100, "ready": true, "message": "Server ready"}`,
		},
		Hold: true,
	})
	path := filepath.Join(t.TempDir(), "spawn.log")

	code, stdout, stderr := runCLI(t, context.Background(), "progress", "--save", path)

	require.Equal(t, 0, code, stderr)
	want := "[ 40%] Pulling image\n[100%] Server ready\n"
	assert.Equal(t, want, stdout)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, string(data))
}

func TestLogs_CRLF(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	h.SetBuild("python-env", hubtest.Stream{
		Payloads: []string{record("log", "Step 1...\nStep 2...\n"), record("built", "")},
		Hold:     true,
	})

	code, stdout, stderr := runCLI(t, context.Background(), "logs", "python-env", "--crlf", "--clear")

	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "Step 1...\r\nStep 2...\r\n", stdout)
}

func TestRun_InvalidLogLevel(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)

	code, _, stderr := runCLI(t, context.Background(), "--log-level", "loud", "logs", "img")

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "invalid --log-level")
}

func TestRun_BadConfigFile(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	path := filepath.Join(t.TempDir(), "envconsole.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_such_key: 1\n"), 0o600))

	code, _, stderr := runCLI(t, context.Background(), "--config", path, "logs", "img")

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no_such_key")
}

func TestRun_LogsRequiresImage(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)

	code, _, stderr := runCLI(t, context.Background(), "logs")

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "accepts 1 arg")
}

func TestServe_StopsOnCancel(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	code, _, stderr := runCLI(t, ctx, "serve", "--listen", "127.0.0.1:0")

	assert.Equal(t, 0, code, stderr)
}

func TestSessions_ListsRelaySessions(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	h.SetBuild("python-env", hubtest.Stream{
		Payloads: []string{record("log", "Step 1...\n"), record("built", "")},
		Hold:     true,
	})

	mgr := session.NewManager(session.ManagerConfig{
		Endpoints: hub.Endpoints{
			ServicePrefix: h.ServicePrefix(),
			HubPrefix:     h.HubPrefix(),
			User:          "alice",
		},
		Tokens: hub.StaticToken("s3cret"),
		Dialer: session.ClientDialer(eventsource.New()),
		Logger: zerolog.Nop(),
	})
	t.Cleanup(mgr.Shutdown)
	relay := httptest.NewServer(realtime.New(mgr, realtime.Config{Logger: zerolog.Nop()}).Handler())
	t.Cleanup(relay.Close)

	sess, err := mgr.Create(hub.KindBuild, "python-env", "python build")
	require.NoError(t, err)
	ctrl, err := mgr.Controller(sess.ID)
	require.NoError(t, err)
	select {
	case <-ctrl.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}

	code, stdout, stderr := runCLI(t, context.Background(), "sessions", "--relay", relay.URL)

	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, sess.ID)
	assert.Contains(t, stdout, "python build")
	assert.Contains(t, stdout, "completed")

	code, stdout, stderr = runCLI(t, context.Background(), "sessions", "--relay", relay.URL, "--format", "json")
	require.Equal(t, 0, code, stderr)
	var listed []session.Session
	require.NoError(t, json.Unmarshal([]byte(stdout), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, session.OutcomeCompleted, listed[0].Outcome)
}

func TestSessions_RelayDown(t *testing.T) {
	h := hubtest.New(t)
	useHub(t, h)
	relay := httptest.NewServer(nil)
	url := relay.URL
	relay.Close()

	code, _, stderr := runCLI(t, context.Background(), "sessions", "--relay", url)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "contact relay")
}

func TestWriteSessionsTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSessionsTable(&buf, nil, true, false))
	assert.Contains(t, buf.String(), "(no sessions)")
	assert.Contains(t, buf.String(), "Session ID")
}

func TestWriteSessionsTable_TruncatesLabel(t *testing.T) {
	var buf bytes.Buffer
	long := strings.Repeat("環境", 30)
	sessions := []session.Session{{
		ID:        "abc",
		Label:     long,
		CreatedAt: time.Now(),
		Snapshot:  session.Snapshot{Kind: hub.KindBuild, State: session.StateStreaming},
	}}
	require.NoError(t, writeSessionsTable(&buf, sessions, false, false))
	assert.NotContains(t, buf.String(), long)
	assert.Contains(t, buf.String(), "…")
	assert.Contains(t, buf.String(), "streaming")
}

func TestRelayBaseURL(t *testing.T) {
	tests := map[string]string{
		":8420":          "http://localhost:8420",
		"0.0.0.0:9000":   "http://localhost:9000",
		"127.0.0.1:8420": "http://127.0.0.1:8420",
		"relay.internal": "http://relay.internal",
	}
	for listen, want := range tests {
		assert.Equal(t, want, relayBaseURL(listen), listen)
	}
}

func TestWebsocketURL(t *testing.T) {
	got, err := websocketURL("https://hub.test/services/envs")
	require.NoError(t, err)
	assert.Equal(t, "wss://hub.test/services/envs", got)

	got, err = websocketURL("http://hub.test/services/envs")
	require.NoError(t, err)
	assert.Equal(t, "ws://hub.test/services/envs", got)

	_, err = websocketURL("ftp://hub.test")
	assert.Error(t, err)
}

func TestReportOutcome(t *testing.T) {
	tests := []struct {
		name     string
		snap     session.Snapshot
		wantCode int
		wantLine string
	}{
		{"completed", session.Snapshot{Kind: hub.KindBuild, Outcome: session.OutcomeCompleted}, 0, "build completed"},
		{"failed", session.Snapshot{Kind: hub.KindSpawn, Outcome: session.OutcomeFailed}, 1, "spawn failed"},
		{"transport", session.Snapshot{Kind: hub.KindBuild, Outcome: session.OutcomeTransportError, Error: "boom"}, 1, "build status unknown: boom"},
		{"cancelled", session.Snapshot{Kind: hub.KindBuild, Outcome: session.OutcomeCancelled}, 1, "build stream cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := reportOutcome(&buf, tt.snap)
			assert.Equal(t, tt.wantLine+"\n", buf.String())
			if tt.wantCode == 0 {
				assert.NoError(t, err)
				return
			}
			var ee *exitError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.wantCode, ee.code)
		})
	}
}
