package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/protocol"
)

// streamStub is a minimal stream-transport control plane: GET /events
// serves the event stream, POST /messages accepts outbound frames and
// answers them over the stream. The stream is always gzip-encoded so
// the decompression path is exercised on every test.
type streamStub struct {
	srv    *httptest.Server
	events chan *protocol.Message
	drop   chan struct{}
}

func newStreamStub(t *testing.T) *streamStub {
	t.Helper()
	s := &streamStub{
		events: make(chan *protocol.Message, 16),
		drop:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.serveEvents)
	mux.HandleFunc("/messages", s.serveMessages)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *streamStub) serveEvents(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		http.Error(w, "gzip required", http.StatusNotAcceptable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(http.StatusOK)

	flusher := w.(http.Flusher)
	gz := gzip.NewWriter(w)
	defer gz.Close()
	// Push the gzip header out immediately so the client can finish
	// establishing the stream before the first event arrives.
	gz.Flush()
	flusher.Flush()

	for {
		select {
		case msg := <-s.events:
			data, err := protocol.Encode(msg)
			if err != nil {
				return
			}
			fmt.Fprintf(gz, "data: %s\n\n", data)
			gz.Flush()
			flusher.Flush()
		case <-s.drop:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *streamStub) serveMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		s.events <- &protocol.Message{Type: protocol.TypePong, T: msg.T}
	case protocol.TypeCommand:
		if msg.Method == "vanish" {
			// Drop the stream instead of answering; the command is
			// left pending on the client side.
			close(s.drop)
			break
		}
		result, _ := protocol.MarshalParams(map[string]interface{}{
			"url":   "https://example.com/stream",
			"title": "stream stub",
		})
		s.events <- &protocol.Message{
			ID:     msg.ID,
			Type:   protocol.TypeResult,
			OK:     true,
			Result: result,
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *streamStub) client(t *testing.T) *Client {
	t.Helper()
	cl := New(Options{
		Transport:       TransportStream,
		ControlEndpoint: s.srv.URL,
		StreamEndpoint:  s.srv.URL + "/events",
		ConnectTimeout:  5 * time.Second,
		CommandTimeout:  5 * time.Second,
		AutoReconnect:   false,
	})
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

func TestStreamTransportRoundTrip(t *testing.T) {
	stub := newStreamStub(t)
	cl := stub.client(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, cl.Connect(ctx))
	require.True(t, cl.Connected())

	res, err := cl.Navigate(ctx, "https://example.com/stream", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/stream", res.URL)
	assert.Equal(t, "stream stub", res.Title)

	latency, err := cl.Ping(ctx)
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
}

func TestStreamTransportRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no stream here", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cl := New(Options{
		Transport:       TransportStream,
		ControlEndpoint: srv.URL,
		StreamEndpoint:  srv.URL + "/events",
		ConnectTimeout:  time.Second,
	})
	err := cl.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindConnectionFailed, errs.KindOf(err))
	assert.False(t, cl.Connected())
}

// A dropped stream must fail the commands waiting on it instead of
// leaving them parked until their timeout.
func TestStreamTransportDisconnectCancellation(t *testing.T) {
	stub := newStreamStub(t)
	cl := stub.client(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, cl.Connect(ctx))

	start := time.Now()
	_, err := cl.Call(ctx, "vanish", nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindConnectionFailed, errs.KindOf(err))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, cl.Connected())
}
