package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/infrastructure/logging"
	"github.com/marionet-dev/marionet/internal/protocol"
)

// ConnOptions configures a transport connection.
type ConnOptions struct {
	// URL is the control endpoint (ws:// or wss:// for the socket transport,
	// http:// or https:// for the stream transport).
	URL string
	// StreamURL is the event-stream endpoint, stream transport only.
	StreamURL string
	// AuthToken, when set, is sent as a bearer token on connect.
	AuthToken string
	// ConnectTimeout bounds transport establishment. Default 30s.
	ConnectTimeout time.Duration
	// AutoReconnect retries at ReconnectInterval after an unexpected drop,
	// up to MaxReconnects attempts, then surfaces a terminal error.
	AutoReconnect     bool
	ReconnectInterval time.Duration
	MaxReconnects     int

	Logger *logging.Logger
}

func (o *ConnOptions) withDefaults() ConnOptions {
	opts := *o
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 2 * time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 5
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return opts
}

// wsConn is the persistent bidirectional socket transport.
type wsConn struct {
	opts ConnOptions

	mu      sync.Mutex
	state   State
	sock    *websocket.Conn
	closed  bool
	writeMu sync.Mutex

	msgSubs   *subscribers[*protocol.Message]
	stateSubs *subscribers[StateChange]
	errSubs   *subscribers[error]
}

// NewSocketConn creates a websocket-backed connection manager.
func NewSocketConn(opts ConnOptions) Conn {
	return &wsConn{
		opts:      opts.withDefaults(),
		state:     StateDisconnected,
		msgSubs:   newSubscribers[*protocol.Message](),
		stateSubs: newSubscribers[StateChange](),
		errSubs:   newSubscribers[error](),
	}
}

func (c *wsConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.New(errs.KindConnectionFailed, "conn.Connect", "connection is closed")
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return errs.New(errs.KindConnectionFailed, "conn.Connect", "already connected")
	}
	c.mu.Unlock()

	c.setState(StateConnecting, nil)

	sock, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected, err)
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return errs.Wrap(errs.KindConnectionTimeout, "conn.Connect", err)
		}
		return errs.Wrap(errs.KindConnectionFailed, "conn.Connect", err)
	}

	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()
	c.setState(StateConnected, nil)

	go c.readLoop(sock)
	return nil
}

func (c *wsConn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.ConnectTimeout,
	}

	var header http.Header
	if c.opts.AuthToken != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.opts.AuthToken}}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	sock, resp, err := dialer.DialContext(dialCtx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return sock, err
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sock := c.sock
	c.sock = nil
	wasDisconnected := c.state == StateDisconnected
	c.mu.Unlock()

	if sock != nil {
		// Best-effort close frame, then tear down the socket
		deadline := time.Now().Add(time.Second)
		_ = sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = sock.Close()
	}

	if !wasDisconnected {
		c.setState(StateDisconnected, nil)
	}
	return nil
}

func (c *wsConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	sock := c.sock
	connected := c.state == StateConnected && sock != nil
	c.mu.Unlock()

	if !connected {
		return errs.New(errs.KindNotConnected, "conn.Send", "not connected")
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.Wrap(errs.KindConnectionFailed, "conn.Send", err)
	}
	return nil
}

func (c *wsConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

func (c *wsConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *wsConn) OnMessage(fn func(*protocol.Message)) func() { return c.msgSubs.add(fn) }
func (c *wsConn) OnStateChange(fn func(StateChange)) func()   { return c.stateSubs.add(fn) }
func (c *wsConn) OnError(fn func(error)) func()               { return c.errSubs.add(fn) }

// readLoop owns message dispatch for one physical socket. State changes
// triggered here are emitted synchronously before the next frame is read,
// which gives disconnect listeners a consistent ordering.
func (c *wsConn) readLoop(sock *websocket.Conn) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			c.handleReadError(sock, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.errSubs.emit(err, nil)
			continue
		}
		c.msgSubs.emit(msg, func(perr error) { c.errSubs.emit(perr, nil) })
	}
}

func (c *wsConn) handleReadError(sock *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.sock != sock {
		// Deliberate close or superseded socket, Close() already transitioned
		c.mu.Unlock()
		return
	}
	c.sock = nil
	reconnect := c.opts.AutoReconnect
	c.mu.Unlock()

	c.opts.Logger.Warn("connection dropped", zap.Error(err))

	if reconnect {
		c.setState(StateReconnecting, err)
		c.reconnectLoop()
		return
	}

	c.setState(StateDisconnected, err)
	c.errSubs.emit(errs.Wrap(errs.KindConnectionFailed, "conn.read", err), nil)
}

// reconnectLoop retries at a fixed interval up to the configured bound,
// then falls back to disconnected with a terminal error.
func (c *wsConn) reconnectLoop() {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxReconnects; attempt++ {
		time.Sleep(c.opts.ReconnectInterval)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		sock, err := c.dial(context.Background())
		if err != nil {
			lastErr = err
			c.opts.Logger.Debug("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			sock.Close()
			return
		}
		c.sock = sock
		c.mu.Unlock()

		c.setState(StateConnected, nil)
		go c.readLoop(sock)
		return
	}

	terminal := errs.Wrapf(errs.KindConnectionFailed, "conn.reconnect", lastErr,
		"gave up after %d attempts", c.opts.MaxReconnects)
	c.setState(StateDisconnected, terminal)
	c.errSubs.emit(terminal, nil)
}

// setState transitions the state and emits the change synchronously.
func (c *wsConn) setState(next State, err error) {
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

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
