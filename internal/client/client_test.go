package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionet-dev/marionet/internal/controlplane"
	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/infrastructure/monitoring"
	"github.com/marionet-dev/marionet/internal/protocol"
)

// startControlPlane runs an in-process control plane and returns its
// websocket endpoint.
func startControlPlane(t *testing.T) *controlplane.Server {
	t.Helper()
	srv := controlplane.NewServer(controlplane.Options{
		Intervener: &controlplane.AutoIntervener{Delay: 20 * time.Millisecond},
	})
	require.NoError(t, srv.Start(""))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func connectedClient(t *testing.T, srv *controlplane.Server) *Client {
	t.Helper()
	cl := New(Options{
		ControlEndpoint: srv.ControlEndpoint(),
		ConnectTimeout:  5 * time.Second,
		CommandTimeout:  5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cl.Connect(ctx))
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

func TestClientRejectsBeforeConnect(t *testing.T) {
	cl := New(Options{ControlEndpoint: "ws://127.0.0.1:1/ws"})
	ctx := context.Background()

	_, err := cl.Navigate(ctx, "https://example.com", nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotConnected, errs.KindOf(err))

	err = cl.Click(ctx, "#button", nil)
	assert.Equal(t, errs.KindNotConnected, errs.KindOf(err))

	_, err = cl.Ping(ctx)
	assert.Equal(t, errs.KindNotConnected, errs.KindOf(err))

	_, err = cl.RequestIntervention(ctx, "stuck", "take over", nil)
	assert.Equal(t, errs.KindNotConnected, errs.KindOf(err))
}

func TestClientCommandRoundTrip(t *testing.T) {
	srv := startControlPlane(t)
	cl := connectedClient(t, srv)
	ctx := context.Background()

	t.Run("navigate", func(t *testing.T) {
		res, err := cl.Navigate(ctx, "https://example.com/docs", nil)
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/docs", res.URL)
		assert.Equal(t, "example.com/docs", res.Title)
	})

	t.Run("history", func(t *testing.T) {
		_, err := cl.Navigate(ctx, "https://example.com/next", nil)
		require.NoError(t, err)

		res, err := cl.GoBack(ctx)
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/docs", res.URL)

		res, err = cl.GoForward(ctx)
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/next", res.URL)
	})

	t.Run("press sends key", func(t *testing.T) {
		require.NoError(t, cl.Press(ctx, "Enter", nil))
		require.NoError(t, cl.Press(ctx, "Control+a", &PressOptions{DelayMs: 5}))

		err := cl.Press(ctx, "", nil)
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidParams, errs.CodeOf(err))
	})

	t.Run("remote failure maps selector code", func(t *testing.T) {
		err := cl.Click(ctx, "", nil)
		require.Error(t, err)
		assert.Equal(t, errs.KindCommandFailed, errs.KindOf(err))
		assert.Equal(t, errs.CodeInvalidParams, errs.CodeOf(err))
	})

	t.Run("unknown method stays command-failed", func(t *testing.T) {
		_, err := cl.Call(ctx, "teleport", nil)
		require.Error(t, err)
		assert.Equal(t, errs.KindCommandFailed, errs.KindOf(err))
		assert.Equal(t, errs.CodeUnknownMethod, errs.CodeOf(err))
	})
}

func TestClientPing(t *testing.T) {
	srv := startControlPlane(t)
	cl := connectedClient(t, srv)

	latency, err := cl.Ping(context.Background())
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
	assert.Less(t, latency, pingTimeout)
}

func TestClientIntervention(t *testing.T) {
	srv := startControlPlane(t)
	cl := connectedClient(t, srv)

	var created atomic.Int32
	var createdAt, completedAt time.Time

	res, err := cl.RequestIntervention(context.Background(), "captcha", "solve it",
		&InterventionOptions{
			Timeout: 5 * time.Second,
			OnCreated: func(ic InterventionCreated) {
				created.Add(1)
				createdAt = time.Now()
				assert.NotEmpty(t, ic.InterventionID)
				assert.NotEmpty(t, ic.ViewerURL)
			},
		})
	completedAt = time.Now()

	require.NoError(t, err)
	assert.Equal(t, int32(1), created.Load())
	assert.NotEmpty(t, res.InterventionID)
	assert.True(t, strings.HasPrefix(res.InterventionID, "intv_"))
	assert.NotEmpty(t, res.ViewerURL)
	assert.False(t, res.ResolvedAt.IsZero())
	// Created must have arrived before completion settled the request.
	assert.True(t, createdAt.Before(completedAt) || createdAt.Equal(completedAt))
}

func TestClientSessions(t *testing.T) {
	srv := startControlPlane(t)
	cl := connectedClient(t, srv)
	ctx := context.Background()

	small := Viewport{Width: 800, Height: 600}
	large := Viewport{Width: 1920, Height: 1080}

	s1, err := cl.CreateSession(ctx, &CreateSessionOptions{Viewport: &small})
	require.NoError(t, err)
	s2, err := cl.CreateSession(ctx, &CreateSessionOptions{Viewport: &large})
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, 800, s1.Viewport.Width)
	assert.Equal(t, 1920, s2.Viewport.Width)

	c1 := cl.SessionClient(s1, Options{CommandTimeout: 5 * time.Second})
	require.NoError(t, c1.Connect(ctx))
	c2 := cl.SessionClient(s2, Options{CommandTimeout: 5 * time.Second})
	require.NoError(t, c2.Connect(ctx))

	_, err = c1.Navigate(ctx, "https://example.com/alpha", nil)
	require.NoError(t, err)
	_, err = c2.Navigate(ctx, "https://example.com/beta", nil)
	require.NoError(t, err)

	t1, err := c1.Evaluate(ctx, "document.title")
	require.NoError(t, err)
	t2, err := c2.Evaluate(ctx, "document.title")
	require.NoError(t, err)
	assert.NotEqual(t, string(t1), string(t2))

	// Session-scoped Close deletes its own session.
	require.NoError(t, c1.Close())
	require.NoError(t, c2.Close())

	list, err := cl.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, list.Count)

	_, err = cl.GetSession(ctx, s1.ID)
	assert.Equal(t, errs.KindSessionNotFound, errs.KindOf(err))
	// Idempotent from the caller's view: already gone reports not found.
	err = cl.DestroySession(ctx, s2.ID)
	assert.Equal(t, errs.KindSessionNotFound, errs.KindOf(err))
}

func TestClientSessionLimit(t *testing.T) {
	srv := controlplane.NewServer(controlplane.Options{MaxSessions: 1})
	require.NoError(t, srv.Start(""))
	defer srv.Shutdown(context.Background())

	cl := connectedClient(t, srv)
	ctx := context.Background()

	_, err := cl.CreateSession(ctx, nil)
	require.NoError(t, err)
	_, err = cl.CreateSession(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindSessionLimit, errs.KindOf(err))
}

// TestClientDisconnectCancellation drops the server side of the socket
// while a command is in flight and expects the pending command to fail
// promptly with a connection error, not after its own timeout.
func TestClientDisconnectCancellation(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	dropped := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// Swallow the first command, then drop the connection.
		_, _, _ = conn.ReadMessage()
		conn.Close()
		close(dropped)
	}))
	defer ts.Close()

	cl := New(Options{
		ControlEndpoint: "ws" + strings.TrimPrefix(ts.URL, "http"),
		CommandTimeout:  time.Minute,
		AutoReconnect:   false,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cl.Connect(ctx))
	defer cl.Close()

	start := time.Now()
	_, err := cl.Navigate(ctx, "https://example.com", nil)
	<-dropped

	require.Error(t, err)
	assert.Equal(t, errs.KindConnectionFailed, errs.KindOf(err))
	assert.Less(t, time.Since(start), 3*time.Second, "should fail on the drop, not the command timeout")
}

// Transitions that never reached connected must not cancel pending work.
func TestWatchStateSelectivity(t *testing.T) {
	cl := New(Options{ControlEndpoint: "ws://127.0.0.1:1/ws", CommandTimeout: time.Minute})

	_, done, err := cl.queue.Create("navigate", 0)
	require.NoError(t, err)

	cl.watchState(StateChange{Previous: StateConnecting, Current: StateDisconnected})
	cl.watchState(StateChange{Previous: StateConnected, Current: StateReconnecting})
	cl.watchState(StateChange{Previous: StateReconnecting, Current: StateConnected})

	select {
	case out := <-done:
		t.Fatalf("command settled spuriously: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}

	cl.watchState(StateChange{Previous: StateConnected, Current: StateDisconnected})
	select {
	case out := <-done:
		assert.Equal(t, errs.KindConnectionFailed, errs.KindOf(out.Err))
	case <-time.After(time.Second):
		t.Fatal("connected→disconnected did not cancel pending command")
	}
}

// The open-connections gauge must return to zero when a reconnect
// exhausts its attempts, and count a rescued connection exactly once.
func TestConnectionsOpenGauge(t *testing.T) {
	metrics := monitoring.New(prometheus.NewRegistry())
	cl := New(Options{ControlEndpoint: "ws://127.0.0.1:1/ws", Metrics: metrics})

	// Reconnect gives up: connected → reconnecting → disconnected.
	metrics.ConnectionsOpen.Inc()
	cl.watchState(StateChange{Previous: StateConnected, Current: StateReconnecting})
	cl.watchState(StateChange{Previous: StateReconnecting, Current: StateDisconnected})
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ConnectionsOpen))

	// Reconnect succeeds: the connection is counted once, not twice.
	metrics.ConnectionsOpen.Inc()
	cl.watchState(StateChange{Previous: StateConnected, Current: StateReconnecting})
	cl.watchState(StateChange{Previous: StateReconnecting, Current: StateConnected})
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionsOpen))

	cl.watchState(StateChange{Previous: StateConnected, Current: StateDisconnected})
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ConnectionsOpen))
}

func TestClientEventPassThrough(t *testing.T) {
	cl := New(Options{ControlEndpoint: "ws://127.0.0.1:1/ws"})

	got := make(chan string, 1)
	unsub := cl.OnEvent(func(name string, _ json.RawMessage) {
		got <- name
	})
	defer unsub()

	cl.dispatch(&protocol.Message{Type: protocol.TypeEvent, Name: "pageCrashed"})
	select {
	case name := <-got:
		assert.Equal(t, "pageCrashed", name)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
