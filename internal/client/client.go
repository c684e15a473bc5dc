package client

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/infrastructure/logging"
	"github.com/marionet-dev/marionet/internal/infrastructure/monitoring"
	"github.com/marionet-dev/marionet/internal/infrastructure/resilience"
	"github.com/marionet-dev/marionet/internal/protocol"
	"github.com/marionet-dev/marionet/internal/shared/id"
)

// pingTimeout is fixed and independent of the command timeout: the probe
// is a liveness check, not a user command.
const pingTimeout = 5 * time.Second

// Transport selects the physical channel carrying the command protocol.
type Transport string

const (
	// TransportSocket is a persistent bidirectional websocket.
	TransportSocket Transport = "socket"
	// TransportStream is a unidirectional event stream plus HTTP side channel.
	TransportStream Transport = "stream"
)

// Options configures a Client.
type Options struct {
	// ControlEndpoint is the command channel URL (ws://host/ws for the
	// socket transport, http://host for the stream transport).
	ControlEndpoint string
	// StreamEndpoint is the event-stream URL, stream transport only.
	StreamEndpoint string
	// Transport defaults to TransportSocket.
	Transport Transport
	// APIEndpoint is the session control-plane base URL. Derived from
	// ControlEndpoint when empty.
	APIEndpoint string
	// AuthToken is sent on both channels when set.
	AuthToken string
	// SessionID scopes this client to one session. A scoped client
	// best-effort deletes its session on Close.
	SessionID id.SessionID

	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	MaxPending        int
	AutoReconnect     bool
	ReconnectInterval time.Duration
	MaxReconnects     int
	// CommandsPerSecond rate-limits outgoing commands; zero disables.
	CommandsPerSecond float64

	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

// Client composes one connection manager and one command queue, exposing
// the full command surface against a single sandbox or session endpoint.
type Client struct {
	conn    Conn
	queue   *Queue
	api     *resty.Client
	breaker *resilience.Breaker
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics *monitoring.Metrics

	sessionID id.SessionID

	// Intervention pending table, keyed by request id
	intMu      sync.Mutex
	intPending map[string]*pendingIntervention

	// One ping probe in flight at a time; matched by probe timestamp
	pingMu   sync.Mutex
	pongCh   chan int64
	pingSent int64

	eventSubs *subscribers[*protocol.Message]

	unsubscribe []func()
	closeOnce   sync.Once
}

// New creates a client. Connect must be called before issuing commands.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewNop()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}

	connOpts := ConnOptions{
		URL:               opts.ControlEndpoint,
		StreamURL:         opts.StreamEndpoint,
		AuthToken:         opts.AuthToken,
		ConnectTimeout:    opts.ConnectTimeout,
		AutoReconnect:     opts.AutoReconnect,
		ReconnectInterval: opts.ReconnectInterval,
		MaxReconnects:     opts.MaxReconnects,
		Logger:            opts.Logger.Named("conn"),
	}

	var conn Conn
	if opts.Transport == TransportStream {
		conn = NewStreamConn(connOpts)
	} else {
		conn = NewSocketConn(connOpts)
	}

	apiBase := opts.APIEndpoint
	if apiBase == "" {
		apiBase = deriveAPIEndpoint(opts.ControlEndpoint)
	}
	api := resty.New().
		SetBaseURL(apiBase).
		SetTimeout(opts.CommandTimeout).
		SetHeader("Accept", "application/json")
	if opts.AuthToken != "" {
		api.SetAuthToken(opts.AuthToken)
	}

	var limiter *rate.Limiter
	if opts.CommandsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.CommandsPerSecond),
			int(opts.CommandsPerSecond)+1)
	}

	c := &Client{
		conn:       conn,
		queue:      NewQueue(opts.CommandTimeout, opts.MaxPending),
		api:        api,
		breaker:    resilience.New("control-plane", resilience.Settings{}),
		limiter:    limiter,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		sessionID:  opts.SessionID,
		intPending: make(map[string]*pendingIntervention),
		eventSubs:  newSubscribers[*protocol.Message](),
	}

	c.unsubscribe = append(c.unsubscribe,
		conn.OnMessage(c.dispatch),
		conn.OnStateChange(c.watchState),
		conn.OnError(func(err error) {
			c.logger.Debug("connection error", zap.Error(err))
		}),
	)
	return c
}

// deriveAPIEndpoint maps a control endpoint to the HTTP base of the same
// host: ws://h/ws -> http://h, wss://h/ws -> https://h.
func deriveAPIEndpoint(controlEndpoint string) string {
	s := controlEndpoint
	switch {
	case strings.HasPrefix(s, "wss://"):
		s = "https://" + strings.TrimPrefix(s, "wss://")
	case strings.HasPrefix(s, "ws://"):
		s = "http://" + strings.TrimPrefix(s, "ws://")
	}
	if i := strings.Index(strings.TrimPrefix(s, "https://"), "/"); i >= 0 {
		// Strip the path segment, keep scheme://host:port
		scheme := s[:strings.Index(s, "://")+3]
		rest := s[len(scheme):]
		if j := strings.Index(rest, "/"); j >= 0 {
			rest = rest[:j]
		}
		s = scheme + rest
	}
	return s
}

// Connect establishes the transport.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	c.metrics.ConnectionsOpen.Inc()
	return nil
}

// Connected reports whether the transport is currently usable.
func (c *Client) Connected() bool {
	return c.conn.Connected()
}

// ConnectionState returns the current transport state.
func (c *Client) ConnectionState() State {
	return c.conn.State()
}

// OnStateChange subscribes to connection state transitions.
func (c *Client) OnStateChange(fn func(StateChange)) func() {
	return c.conn.OnStateChange(fn)
}

// OnEvent subscribes to server-initiated event frames, passed through
// without interpretation.
func (c *Client) OnEvent(fn func(name string, data json.RawMessage)) func() {
	return c.eventSubs.add(func(msg *protocol.Message) {
		fn(msg.Name, msg.Data)
	})
}

// Close cancels all pending work, closes the transport and, for a
// session-scoped client, best-effort deletes the session. Session deletion
// failures are swallowed: the session may already be gone.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		closedErr := errs.New(errs.KindConnectionFailed, "client.Close", "connection closed")
		c.queue.CancelAll(closedErr)
		c.failInterventions(closedErr)

		// conn.Close transitions connected→disconnected; watchState owns
		// the gauge decrement for that transition.
		err = c.conn.Close()

		for _, unsub := range c.unsubscribe {
			unsub()
		}

		if c.sessionID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if derr := c.DestroySession(ctx, c.sessionID); derr != nil {
				c.logger.Debug("session cleanup on close failed",
					zap.String("session_id", c.sessionID.String()), zap.Error(derr))
			}
		}
	})
	return err
}

// Call runs one command round-trip: register a pending entry, put the
// frame on the wire, await settlement.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.call(ctx, method, params, 0)
}

func (c *Client) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if !c.conn.Connected() {
		return nil, errs.New(errs.KindNotConnected, "client."+method,
			"not connected: call Connect first")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	raw, err := protocol.MarshalParams(params)
	if err != nil {
		return nil, errs.Wrap(errs.KindCommandFailed, "client."+method, err)
	}

	cmdID, done, err := c.queue.Create(method, timeout)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	msg := &protocol.Message{
		ID:     cmdID,
		Type:   protocol.TypeCommand,
		Method: method,
		Params: raw,
	}
	if err := c.conn.Send(msg); err != nil {
		c.queue.Cancel(cmdID, err)
		<-done
		c.metrics.ObserveCommand(method, "send_error", time.Since(start))
		return nil, err
	}

	select {
	case out := <-done:
		status := "ok"
		if out.Err != nil {
			status = errs.KindOf(out.Err).String()
		}
		c.metrics.ObserveCommand(method, status, time.Since(start))
		return out.Result, out.Err
	case <-ctx.Done():
		c.queue.Cancel(cmdID, ctx.Err())
		<-done
		c.metrics.ObserveCommand(method, "cancelled", time.Since(start))
		return nil, errs.Wrap(errs.KindCommandTimeout, "client."+method, ctx.Err())
	}
}

// Ping sends a timestamped probe and resolves with the round-trip latency
// when the matching echo arrives.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	if !c.conn.Connected() {
		return 0, errs.New(errs.KindNotConnected, "client.Ping", "not connected")
	}

	c.pingMu.Lock()
	if c.pongCh != nil {
		c.pingMu.Unlock()
		return 0, errs.New(errs.KindCommandFailed, "client.Ping", "ping already in flight")
	}
	sent := time.Now()
	ch := make(chan int64, 1)
	c.pongCh = ch
	c.pingSent = sent.UnixMilli()
	c.pingMu.Unlock()

	defer func() {
		c.pingMu.Lock()
		c.pongCh = nil
		c.pingMu.Unlock()
	}()

	if err := c.conn.Send(&protocol.Message{Type: protocol.TypePing, T: sent.UnixMilli()}); err != nil {
		return 0, err
	}

	timer := time.NewTimer(pingTimeout)
	defer timer.Stop()

	select {
	case <-ch:
		latency := time.Since(sent)
		c.metrics.PingLatency.Observe(latency.Seconds())
		return latency, nil
	case <-timer.C:
		return 0, errs.New(errs.KindCommandTimeout, "client.Ping", "pong not received")
	case <-ctx.Done():
		return 0, errs.Wrap(errs.KindCommandTimeout, "client.Ping", ctx.Err())
	}
}

// dispatch routes one inbound frame.
func (c *Client) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeResult:
		c.queue.HandleResult(msg)
	case protocol.TypePong:
		c.pingMu.Lock()
		ch := c.pongCh
		match := msg.T == c.pingSent
		c.pingMu.Unlock()
		if ch != nil && match {
			select {
			case ch <- msg.T:
			default:
			}
		}
	case protocol.TypeInterventionCreated:
		c.interventionCreated(msg)
	case protocol.TypeInterventionCompleted:
		c.interventionCompleted(msg)
	case protocol.TypeEvent:
		c.eventSubs.emit(msg, nil)
	default:
		c.logger.Debug("unhandled frame", zap.String("type", msg.Type))
	}
}

// watchState cancels pending work on a connected→disconnected transition.
// It deliberately ignores connecting→disconnected (never connected) and
// every reconnecting transition, so commands a reconnect might still
// rescue are not spuriously failed.
func (c *Client) watchState(ch StateChange) {
	if ch.Previous == StateConnected && ch.Current == StateDisconnected {
		closedErr := errs.New(errs.KindConnectionFailed, "client",
			"connection closed while commands were pending")
		c.queue.CancelAll(closedErr)
		c.failInterventions(closedErr)
	}
	// The gauge counts usable transports: it drops on any transition out of
	// connected and rises again on a successful reconnect, so the terminal
	// reconnecting→disconnected path leaves it balanced at zero.
	if ch.Previous == StateConnected {
		c.metrics.ConnectionsOpen.Dec()
	}
	if ch.Current == StateReconnecting {
		c.metrics.Reconnects.Inc()
	}
	if ch.Previous == StateReconnecting && ch.Current == StateConnected {
		c.metrics.ConnectionsOpen.Inc()
	}
}
