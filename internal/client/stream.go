package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/protocol"
)

// streamConn is the event-oriented transport: a unidirectional event
// stream for inbound frames plus an HTTP side channel for outbound ones.
type streamConn struct {
	opts ConnOptions
	http *resty.Client

	mu     sync.Mutex
	state  State
	body   io.ReadCloser
	closed bool

	msgSubs   *subscribers[*protocol.Message]
	stateSubs *subscribers[StateChange]
	errSubs   *subscribers[error]
}

// NewStreamConn creates an event-stream-backed connection manager. Inbound
// frames arrive on opts.StreamURL; Send posts to opts.URL.
func NewStreamConn(opts ConnOptions) Conn {
	o := opts.withDefaults()

	httpc := resty.New().
		SetBaseURL(o.URL).
		SetTimeout(o.ConnectTimeout)
	if o.AuthToken != "" {
		httpc.SetAuthToken(o.AuthToken)
	}

	return &streamConn{
		opts:      o,
		http:      httpc,
		state:     StateDisconnected,
		msgSubs:   newSubscribers[*protocol.Message](),
		stateSubs: newSubscribers[StateChange](),
		errSubs:   newSubscribers[error](),
	}
}

func (c *streamConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.New(errs.KindConnectionFailed, "stream.Connect", "connection is closed")
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return errs.New(errs.KindConnectionFailed, "stream.Connect", "already connected")
	}
	c.mu.Unlock()

	c.setState(StateConnecting, nil)

	body, err := c.open(ctx)
	if err != nil {
		c.setState(StateDisconnected, err)
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return errs.Wrap(errs.KindConnectionTimeout, "stream.Connect", err)
		}
		return errs.Wrap(errs.KindConnectionFailed, "stream.Connect", err)
	}

	c.mu.Lock()
	c.body = body
	c.mu.Unlock()
	c.setState(StateConnected, nil)

	go c.readLoop(body)
	return nil
}

// open establishes the event stream. Gzip-encoded streams are transparently
// decompressed; screencast-heavy control planes compress aggressively.
func (c *streamConn) open(ctx context.Context) (io.ReadCloser, error) {
	// Establishment is bounded by dial and header timeouts rather than a
	// request context: cancelling the context after headers would kill
	// body reads on the long-lived stream.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, c.opts.StreamURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Accept-Encoding", "gzip")
	if c.opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.AuthToken)
	}

	httpc := &http.Client{
		Transport: &http.Transport{
			DisableCompression:    true,
			ResponseHeaderTimeout: c.opts.ConnectTimeout,
			DialContext: (&net.Dialer{
				Timeout: c.opts.ConnectTimeout,
			}).DialContext,
		},
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errs.New(errs.KindConnectionFailed, "stream.open",
			"unexpected status "+resp.Status)
	}

	if strings.Contains(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		return &gzipStream{gz: gz, raw: resp.Body}, nil
	}
	return resp.Body, nil
}

type gzipStream struct {
	gz  *gzip.Reader
	raw io.ReadCloser
}

func (g *gzipStream) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipStream) Close() error {
	g.gz.Close()
	return g.raw.Close()
}

func (c *streamConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	body := c.body
	c.body = nil
	wasDisconnected := c.state == StateDisconnected
	c.mu.Unlock()

	if body != nil {
		_ = body.Close()
	}
	if !wasDisconnected {
		c.setState(StateDisconnected, nil)
	}
	return nil
}

// Send posts one frame on the side channel.
func (c *streamConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return errs.New(errs.KindNotConnected, "stream.Send", "not connected")
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(data).
		Post("/messages")
	if err != nil {
		return errs.Wrap(errs.KindConnectionFailed, "stream.Send", err)
	}
	if resp.IsError() {
		return errs.New(errs.KindConnectionFailed, "stream.Send",
			"side channel rejected frame: "+resp.Status())
	}
	return nil
}

func (c *streamConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

func (c *streamConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *streamConn) OnMessage(fn func(*protocol.Message)) func() { return c.msgSubs.add(fn) }
func (c *streamConn) OnStateChange(fn func(StateChange)) func()   { return c.stateSubs.add(fn) }
func (c *streamConn) OnError(fn func(error)) func()               { return c.errSubs.add(fn) }

// readLoop parses server-sent events into protocol frames.
func (c *streamConn) readLoop(body io.ReadCloser) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var payload strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			payload.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if payload.Len() == 0 {
				continue
			}
			msg, err := protocol.Decode([]byte(payload.String()))
			payload.Reset()
			if err != nil {
				c.errSubs.emit(err, nil)
				continue
			}
			c.msgSubs.emit(msg, func(perr error) { c.errSubs.emit(perr, nil) })
		default:
			// Comment or field we do not handle (id:, event:, retry:)
		}
	}

	c.handleStreamEnd(body, scanner.Err())
}

func (c *streamConn) handleStreamEnd(body io.ReadCloser, err error) {
	c.mu.Lock()
	if c.closed || c.body != body {
		c.mu.Unlock()
		return
	}
	c.body = nil
	reconnect := c.opts.AutoReconnect
	c.mu.Unlock()

	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	c.opts.Logger.Warn("event stream ended", zap.Error(err))

	if reconnect {
		c.setState(StateReconnecting, err)
		c.reconnectLoop()
		return
	}

	c.setState(StateDisconnected, err)
	c.errSubs.emit(errs.Wrap(errs.KindConnectionFailed, "stream.read", err), nil)
}

func (c *streamConn) reconnectLoop() {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxReconnects; attempt++ {
		time.Sleep(c.opts.ReconnectInterval)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		body, err := c.open(context.Background())
		if err != nil {
			lastErr = err
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			body.Close()
			return
		}
		c.body = body
		c.mu.Unlock()

		c.setState(StateConnected, nil)
		go c.readLoop(body)
		return
	}

	terminal := errs.Wrapf(errs.KindConnectionFailed, "stream.reconnect", lastErr,
		"gave up after %d attempts", c.opts.MaxReconnects)
	c.setState(StateDisconnected, terminal)
	c.errSubs.emit(terminal, nil)
}

func (c *streamConn) setState(next State, err error) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	if prev == next {
		return
	}
	c.stateSubs.emit(StateChange{Previous: prev, Current: next, Err: err},
		func(perr error) { c.errSubs.emit(perr, nil) })
}
