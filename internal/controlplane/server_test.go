package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/protocol"
)

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	srv := NewServer(opts)
	require.NoError(t, srv.Start(""))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func doJSON(t *testing.T, method, url, token string, body interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	fields := make(map[string]json.RawMessage)
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&fields)
	}
	return resp, fields
}

func TestServerHealthAndReady(t *testing.T) {
	srv := startServer(t, Options{})
	base := "http://" + srv.Addr()

	resp, _ := doJSON(t, http.MethodGet, base+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, base+"/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerSessionCRUD(t *testing.T) {
	srv := startServer(t, Options{})
	base := "http://" + srv.Addr()

	resp, fields := doJSON(t, http.MethodPost, base+"/sessions", "",
		map[string]interface{}{"viewport": map[string]int{"width": 800, "height": 600}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sess Session
	raw, _ := json.Marshal(fields)
	require.NoError(t, json.Unmarshal(raw, &sess))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, 800, sess.Viewport.Width)
	assert.Equal(t, fmt.Sprintf("ws://%s/sessions/%s/ws", srv.Addr(), sess.ID), sess.ControlEndpoint)

	resp, fields = doJSON(t, http.MethodGet, base+"/sessions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var count int
	require.NoError(t, json.Unmarshal(fields["count"], &count))
	assert.Equal(t, 1, count)

	resp, _ = doJSON(t, http.MethodGet, base+"/sessions/"+sess.ID.String(), "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, base+"/sessions/"+sess.ID.String(), "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, fields = doJSON(t, http.MethodGet, base+"/sessions/"+sess.ID.String(), "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `"session_not_found"`, string(fields["code"]))

	resp, _ = doJSON(t, http.MethodDelete, base+"/sessions/"+sess.ID.String(), "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerSessionCapacity(t *testing.T) {
	srv := startServer(t, Options{MaxSessions: 2})
	base := "http://" + srv.Addr()

	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, http.MethodPost, base+"/sessions", "", nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, fields := doJSON(t, http.MethodPost, base+"/sessions", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.JSONEq(t, `"session_limit_reached"`, string(fields["code"]))
}

func TestServerAuth(t *testing.T) {
	srv := startServer(t, Options{AuthToken: "sekrit"})
	base := "http://" + srv.Addr()

	// Health stays open without a token.
	resp, _ := doJSON(t, http.MethodGet, base+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, base+"/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, base+"/sessions", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, base+"/sessions", "sekrit", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStoreLifecycle(t *testing.T) {
	store := NewStore(0)
	assert.Equal(t, 16, store.Capacity())

	sess, err := store.Create(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultViewport, sess.Viewport)
	assert.Equal(t, "ready", sess.Status)

	assert.Equal(t, sess, store.Get(sess.ID))
	assert.Equal(t, 1, store.Count())

	before := sess.LastActivity
	time.Sleep(time.Millisecond)
	store.Touch(sess.ID)
	assert.True(t, store.Get(sess.ID).LastActivity.After(before))

	assert.True(t, store.Delete(sess.ID))
	assert.False(t, store.Delete(sess.ID))
	assert.Equal(t, 0, store.Count())
}

func TestStubExecutorNavigationHistory(t *testing.T) {
	exec := NewStubExecutor()
	ctx := context.Background()

	run := func(method string, params interface{}) (map[string]interface{}, *protocol.RemoteError) {
		t.Helper()
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		res, remote := exec.Execute(ctx, "sess-1", method, raw)
		if remote != nil {
			return nil, remote
		}
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(res, &out))
		return out, nil
	}

	// Back before any navigation fails.
	_, remote := run(protocol.MethodGoBack, map[string]string{})
	require.NotNil(t, remote)
	assert.Equal(t, errs.CodeNavigationError, remote.Code)

	out, remote := run(protocol.MethodNavigate, map[string]string{"url": "https://example.com/"})
	require.Nil(t, remote)
	assert.Equal(t, "example.com", out["title"])

	out, remote = run(protocol.MethodNavigate, map[string]string{"url": "https://example.com/docs"})
	require.Nil(t, remote)
	assert.Equal(t, "example.com/docs", out["title"])

	out, remote = run(protocol.MethodGoBack, map[string]string{})
	require.Nil(t, remote)
	assert.Equal(t, "https://example.com/", out["url"])

	out, remote = run(protocol.MethodGoForward, map[string]string{})
	require.Nil(t, remote)
	assert.Equal(t, "https://example.com/docs", out["url"])

	_, remote = run(protocol.MethodGoForward, map[string]string{})
	require.NotNil(t, remote)
	assert.Equal(t, errs.CodeNavigationError, remote.Code)

	// Navigating from the middle of history truncates the forward stack.
	_, remote = run(protocol.MethodGoBack, map[string]string{})
	require.Nil(t, remote)
	_, remote = run(protocol.MethodNavigate, map[string]string{"url": "https://example.com/blog"})
	require.Nil(t, remote)
	_, remote = run(protocol.MethodGoForward, map[string]string{})
	require.NotNil(t, remote)
	assert.Equal(t, errs.CodeNavigationError, remote.Code)

	out, remote = run(protocol.MethodEvaluate, map[string]string{"expression": "document.title"})
	require.Nil(t, remote)
	assert.Equal(t, "example.com/blog", out["value"])
}

func TestStubExecutorValidation(t *testing.T) {
	exec := NewStubExecutor()
	ctx := context.Background()

	_, remote := exec.Execute(ctx, "sess-1", protocol.MethodClick, json.RawMessage(`{}`))
	require.NotNil(t, remote)
	assert.Equal(t, errs.CodeInvalidParams, remote.Code)

	// Press is keyed, not selector-targeted.
	res, remote := exec.Execute(ctx, "sess-1", protocol.MethodPress, json.RawMessage(`{"key":"Enter"}`))
	require.Nil(t, remote)
	var pressed map[string]interface{}
	require.NoError(t, json.Unmarshal(res, &pressed))
	assert.Equal(t, "Enter", pressed["key"])

	_, remote = exec.Execute(ctx, "sess-1", protocol.MethodPress, json.RawMessage(`{}`))
	require.NotNil(t, remote)
	assert.Equal(t, errs.CodeInvalidParams, remote.Code)

	_, remote = exec.Execute(ctx, "sess-1", "teleport", json.RawMessage(`{}`))
	require.NotNil(t, remote)
	assert.Equal(t, errs.CodeUnknownMethod, remote.Code)

	// Sessions keep independent page state.
	_, remote = exec.Execute(ctx, "a", protocol.MethodNavigate, json.RawMessage(`{"url":"https://a.test/"}`))
	require.Nil(t, remote)
	res, remote = exec.Execute(ctx, "b", protocol.MethodEvaluate, json.RawMessage(`{"expression":"document.title"}`))
	require.Nil(t, remote)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(res, &out))
	assert.Equal(t, "", out["value"])
}

func TestTitleFor(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://example.com", "example.com"},
		{"https://example.com/", "example.com"},
		{"https://example.com/docs/api", "example.com/docs/api"},
		{"about:blank", "about:blank"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, titleFor(tt.raw), tt.raw)
	}
}
