package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/infrastructure/resilience"
	"github.com/marionet-dev/marionet/internal/shared/id"
)

// Session is one isolated browsing context multiplexed over a sandbox.
// Its lifecycle is independent of the sandbox that hosts it.
type Session struct {
	ID              id.SessionID `json:"id"`
	Status          string       `json:"status"` // creating, ready, active, closing, closed, error
	ControlEndpoint string       `json:"controlEndpoint"`
	Viewport        Viewport     `json:"viewport"`
	CreatedAt       time.Time    `json:"createdAt"`
	LastActivity    time.Time    `json:"lastActivity"`
	Error           string       `json:"error,omitempty"`
}

// SessionList is the listing response with capacity accounting.
type SessionList struct {
	Sessions []Session `json:"sessions"`
	Count    int       `json:"count"`
	Capacity int       `json:"capacity"`
}

// CreateSessionOptions is the body of a session-create call.
type CreateSessionOptions struct {
	Viewport *Viewport `json:"viewport,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateSession creates a new browsing session on the sandbox.
func (c *Client) CreateSession(ctx context.Context, opts *CreateSessionOptions) (*Session, error) {
	const op = "client.CreateSession"

	var session Session
	var apiErr apiError
	err := c.breaker.Execute(func() error {
		resp, err := c.api.R().
			SetContext(ctx).
			SetBody(opts).
			SetResult(&session).
			SetError(&apiErr).
			Post("/sessions")
		if err != nil {
			return errs.Wrap(errs.KindConnectionFailed, op, err)
		}
		return sessionAPIError(op, resp, &apiErr)
	})
	if err != nil {
		return nil, wrapBreaker(op, err)
	}
	return &session, nil
}

// ListSessions returns all sessions with count and capacity.
func (c *Client) ListSessions(ctx context.Context) (*SessionList, error) {
	const op = "client.ListSessions"

	var list SessionList
	var apiErr apiError
	err := c.breaker.Execute(func() error {
		resp, err := c.api.R().
			SetContext(ctx).
			SetResult(&list).
			SetError(&apiErr).
			Get("/sessions")
		if err != nil {
			return errs.Wrap(errs.KindConnectionFailed, op, err)
		}
		return sessionAPIError(op, resp, &apiErr)
	})
	if err != nil {
		return nil, wrapBreaker(op, err)
	}
	return &list, nil
}

// GetSession returns one session descriptor.
func (c *Client) GetSession(ctx context.Context, sessionID id.SessionID) (*Session, error) {
	const op = "client.GetSession"

	var session Session
	var apiErr apiError
	err := c.breaker.Execute(func() error {
		resp, err := c.api.R().
			SetContext(ctx).
			SetResult(&session).
			SetError(&apiErr).
			Get("/sessions/" + sessionID.String())
		if err != nil {
			return errs.Wrap(errs.KindConnectionFailed, op, err)
		}
		return sessionAPIError(op, resp, &apiErr)
	})
	if err != nil {
		return nil, wrapBreaker(op, err)
	}
	return &session, nil
}

// DestroySession deletes one session.
func (c *Client) DestroySession(ctx context.Context, sessionID id.SessionID) error {
	const op = "client.DestroySession"

	var apiErr apiError
	err := c.breaker.Execute(func() error {
		resp, err := c.api.R().
			SetContext(ctx).
			SetError(&apiErr).
			Delete("/sessions/" + sessionID.String())
		if err != nil {
			return errs.Wrap(errs.KindConnectionFailed, op, err)
		}
		return sessionAPIError(op, resp, &apiErr)
	})
	return wrapBreaker(op, err)
}

// SessionClient constructs a new Client scoped to the session's own
// endpoint. The caller owns connecting and closing it.
func (c *Client) SessionClient(session *Session, opts Options) *Client {
	opts.ControlEndpoint = session.ControlEndpoint
	opts.SessionID = session.ID
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	if opts.Metrics == nil {
		opts.Metrics = c.metrics
	}
	if opts.APIEndpoint == "" {
		opts.APIEndpoint = c.api.BaseURL
	}
	return New(opts)
}

// wrapBreaker maps breaker rejections onto the taxonomy; anything else is
// already typed by the call itself.
func wrapBreaker(op string, err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return errs.Wrap(errs.KindConnectionFailed, op, err)
	}
	return err
}

// sessionAPIError maps a control-plane HTTP failure onto the taxonomy.
func sessionAPIError(op string, resp *resty.Response, apiErr *apiError) error {
	if !resp.IsError() {
		return nil
	}

	switch resp.StatusCode() {
	case http.StatusNotFound:
		return errs.New(errs.KindSessionNotFound, op, "session not found")
	case http.StatusConflict, http.StatusTooManyRequests:
		return errs.New(errs.KindSessionLimit, op, "session capacity reached")
	}
	if apiErr != nil && apiErr.Code == "session_limit_reached" {
		return errs.New(errs.KindSessionLimit, op, apiErr.Message)
	}

	msg := "control plane returned " + resp.Status()
	if apiErr != nil && apiErr.Message != "" {
		msg = apiErr.Message
	}
	return errs.New(errs.KindCommandFailed, op, msg)
}
