package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/protocol"
)

// Executor is the boundary to the in-sandbox command engine. The real
// engine drives a browser; this package only routes frames to it.
// A non-nil *protocol.RemoteError marks command failure; err is reserved
// for transport-level problems that prevent producing any result.
type Executor interface {
	Execute(ctx context.Context, sessionID, method string, params json.RawMessage) (json.RawMessage, *protocol.RemoteError)
}

// pageState is per-session page bookkeeping for the stub engine.
type pageState struct {
	url      string
	title    string
	viewport Viewport
	history  []string
	pos      int
}

// StubExecutor is an engine stand-in for development and tests. It keeps
// per-session page state so navigation and history commands behave
// observably, and answers everything else with canned results.
type StubExecutor struct {
	mu    sync.Mutex
	pages map[string]*pageState
}

func NewStubExecutor() *StubExecutor {
	return &StubExecutor{pages: make(map[string]*pageState)}
}

func (e *StubExecutor) page(sessionID string) *pageState {
	if p, ok := e.pages[sessionID]; ok {
		return p
	}
	p := &pageState{url: "about:blank", title: "", viewport: defaultViewport, pos: -1}
	e.pages[sessionID] = p
	return p
}

// Execute implements Executor.
func (e *StubExecutor) Execute(_ context.Context, sessionID, method string, params json.RawMessage) (json.RawMessage, *protocol.RemoteError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.page(sessionID)

	switch method {
	case protocol.MethodNavigate:
		var opts struct {
			URL string `json:"url"`
		}
		if err := sonic.Unmarshal(params, &opts); err != nil || opts.URL == "" {
			return nil, &protocol.RemoteError{Code: errs.CodeInvalidParams, Message: "navigate requires url"}
		}
		p.history = append(p.history[:p.pos+1], opts.URL)
		p.pos = len(p.history) - 1
		p.url = opts.URL
		p.title = titleFor(opts.URL)
		return navResult(p)

	case protocol.MethodGoBack:
		if p.pos <= 0 {
			return nil, &protocol.RemoteError{Code: errs.CodeNavigationError, Message: "no previous entry"}
		}
		p.pos--
		p.url = p.history[p.pos]
		p.title = titleFor(p.url)
		return navResult(p)

	case protocol.MethodGoForward:
		if p.pos < 0 || p.pos >= len(p.history)-1 {
			return nil, &protocol.RemoteError{Code: errs.CodeNavigationError, Message: "no next entry"}
		}
		p.pos++
		p.url = p.history[p.pos]
		p.title = titleFor(p.url)
		return navResult(p)

	case protocol.MethodReload:
		return navResult(p)

	case protocol.MethodSetViewport:
		var vp Viewport
		if err := sonic.Unmarshal(params, &vp); err != nil || vp.Width <= 0 || vp.Height <= 0 {
			return nil, &protocol.RemoteError{Code: errs.CodeInvalidParams, Message: "setViewport requires width and height"}
		}
		p.viewport = vp
		return rawJSON(map[string]interface{}{"width": vp.Width, "height": vp.Height})

	case protocol.MethodPress:
		var opts struct {
			Key string `json:"key"`
		}
		if err := sonic.Unmarshal(params, &opts); err != nil || opts.Key == "" {
			return nil, &protocol.RemoteError{Code: errs.CodeInvalidParams, Message: "press requires key"}
		}
		return rawJSON(map[string]interface{}{"key": opts.Key})

	case protocol.MethodClick, protocol.MethodType, protocol.MethodFill,
		protocol.MethodHover, protocol.MethodWaitForSelector:
		var opts struct {
			Selector string `json:"selector"`
		}
		if err := sonic.Unmarshal(params, &opts); err != nil || opts.Selector == "" {
			return nil, &protocol.RemoteError{Code: errs.CodeInvalidParams, Message: method + " requires selector"}
		}
		return rawJSON(map[string]interface{}{"selector": opts.Selector})

	case protocol.MethodEvaluate:
		var opts struct {
			Expression string `json:"expression"`
		}
		if err := sonic.Unmarshal(params, &opts); err != nil || opts.Expression == "" {
			return nil, &protocol.RemoteError{Code: errs.CodeInvalidParams, Message: "evaluate requires expression"}
		}
		// The stub answers document.title so round-trip tests can observe
		// navigation effects; everything else evaluates to null.
		if strings.Contains(opts.Expression, "document.title") {
			return rawJSON(map[string]interface{}{"value": p.title})
		}
		return rawJSON(map[string]interface{}{"value": nil})

	case protocol.MethodScreenshot:
		return rawJSON(map[string]interface{}{
			"data":   []byte{0x89, 0x50, 0x4e, 0x47},
			"format": "png",
			"width":  p.viewport.Width,
			"height": p.viewport.Height,
		})

	default:
		return nil, &protocol.RemoteError{Code: errs.CodeUnknownMethod, Message: "unknown method " + method}
	}
}

func navResult(p *pageState) (json.RawMessage, *protocol.RemoteError) {
	return rawJSON(map[string]interface{}{
		"url":    p.url,
		"title":  p.title,
		"status": 200,
	})
}

func rawJSON(v interface{}) (json.RawMessage, *protocol.RemoteError) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, &protocol.RemoteError{Code: errs.CodeExecutionError, Message: err.Error()}
	}
	return data, nil
}

// titleFor derives a deterministic page title from a URL so independent
// navigations are distinguishable without a real renderer.
func titleFor(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	if u.Path == "" || u.Path == "/" {
		return u.Host
	}
	return fmt.Sprintf("%s%s", u.Host, u.Path)
}
