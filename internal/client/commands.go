package client

import (
	"context"
	"encoding/json"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/protocol"
)

// Method-specific option objects are passed through verbatim as command
// params; the control plane inside the sandbox is the authority on
// validating them.

// NavigateOptions controls page navigation.
type NavigateOptions struct {
	WaitUntil string `json:"waitUntil,omitempty"` // load, domcontentloaded, networkidle
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	Referer   string `json:"referer,omitempty"`
}

// ClickOptions controls pointer clicks.
type ClickOptions struct {
	Button     string `json:"button,omitempty"` // left, right, middle
	ClickCount int    `json:"clickCount,omitempty"`
	DelayMs    int    `json:"delayMs,omitempty"`
	TimeoutMs  int    `json:"timeoutMs,omitempty"`
}

// TypeOptions controls keystroke simulation.
type TypeOptions struct {
	DelayMs   int `json:"delayMs,omitempty"`
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// PressOptions controls single key presses.
type PressOptions struct {
	DelayMs int `json:"delayMs,omitempty"`
}

// WaitOptions controls waitForSelector.
type WaitOptions struct {
	State     string `json:"state,omitempty"` // attached, detached, visible, hidden
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// ScreenshotOptions controls screenshot capture.
type ScreenshotOptions struct {
	FullPage bool   `json:"fullPage,omitempty"`
	Format   string `json:"format,omitempty"` // png, jpeg
	Quality  int    `json:"quality,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// Viewport is a page viewport size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// NavigateResult reports where a navigation landed.
type NavigateResult struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Status int    `json:"status,omitempty"`
}

// ScreenshotResult carries a captured image.
type ScreenshotResult struct {
	Data   []byte `json:"data"` // base64 on the wire
	Format string `json:"format"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// EvaluateResult carries the value of an evaluated expression.
type EvaluateResult struct {
	Value json.RawMessage `json:"value"`
}

// Navigate drives the page to the given URL.
func (c *Client) Navigate(ctx context.Context, url string, opts *NavigateOptions) (*NavigateResult, error) {
	params := map[string]interface{}{"url": url}
	mergeOptions(params, opts)

	raw, err := c.Call(ctx, protocol.MethodNavigate, params)
	if err != nil {
		return nil, err
	}
	var res NavigateResult
	if err := protocol.UnmarshalResult(raw, &res); err != nil {
		return nil, errs.Wrap(errs.KindCommandFailed, "client.Navigate", err)
	}
	return &res, nil
}

// Click clicks the first element matching the selector.
func (c *Client) Click(ctx context.Context, selector string, opts *ClickOptions) error {
	params := map[string]interface{}{"selector": selector}
	mergeOptions(params, opts)
	_, err := c.Call(ctx, protocol.MethodClick, params)
	return err
}

// Type sends individual keystrokes to the matching element.
func (c *Client) Type(ctx context.Context, selector, text string, opts *TypeOptions) error {
	params := map[string]interface{}{"selector": selector, "text": text}
	mergeOptions(params, opts)
	_, err := c.Call(ctx, protocol.MethodType, params)
	return err
}

// Fill sets the matching input's value directly.
func (c *Client) Fill(ctx context.Context, selector, value string) error {
	_, err := c.Call(ctx, protocol.MethodFill, map[string]interface{}{
		"selector": selector, "value": value,
	})
	return err
}

// Hover moves the pointer over the matching element.
func (c *Client) Hover(ctx context.Context, selector string) error {
	_, err := c.Call(ctx, protocol.MethodHover, map[string]interface{}{
		"selector": selector,
	})
	return err
}

// Press sends a single key chord, e.g. "Enter" or "Control+a".
func (c *Client) Press(ctx context.Context, key string, opts *PressOptions) error {
	params := map[string]interface{}{"key": key}
	mergeOptions(params, opts)
	_, err := c.Call(ctx, protocol.MethodPress, params)
	return err
}

// Evaluate runs a JavaScript expression in the page and returns its value.
func (c *Client) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	raw, err := c.Call(ctx, protocol.MethodEvaluate, map[string]interface{}{
		"expression": expression,
	})
	if err != nil {
		return nil, err
	}
	var res EvaluateResult
	if err := protocol.UnmarshalResult(raw, &res); err != nil {
		return nil, errs.Wrap(errs.KindCommandFailed, "client.Evaluate", err)
	}
	return res.Value, nil
}

// Screenshot captures the current page.
func (c *Client) Screenshot(ctx context.Context, opts *ScreenshotOptions) (*ScreenshotResult, error) {
	params := map[string]interface{}{}
	mergeOptions(params, opts)

	raw, err := c.Call(ctx, protocol.MethodScreenshot, params)
	if err != nil {
		return nil, err
	}
	var res ScreenshotResult
	if err := protocol.UnmarshalResult(raw, &res); err != nil {
		return nil, errs.Wrap(errs.KindCommandFailed, "client.Screenshot", err)
	}
	return &res, nil
}

// SetViewport resizes the page viewport.
func (c *Client) SetViewport(ctx context.Context, viewport Viewport) error {
	_, err := c.Call(ctx, protocol.MethodSetViewport, viewport)
	return err
}

// WaitForSelector blocks until the selector reaches the requested state.
func (c *Client) WaitForSelector(ctx context.Context, selector string, opts *WaitOptions) error {
	params := map[string]interface{}{"selector": selector}
	mergeOptions(params, opts)
	_, err := c.Call(ctx, protocol.MethodWaitForSelector, params)
	return err
}

// GoBack navigates one step back in session history.
func (c *Client) GoBack(ctx context.Context) (*NavigateResult, error) {
	return c.historyCall(ctx, protocol.MethodGoBack)
}

// GoForward navigates one step forward in session history.
func (c *Client) GoForward(ctx context.Context) (*NavigateResult, error) {
	return c.historyCall(ctx, protocol.MethodGoForward)
}

// Reload reloads the current page.
func (c *Client) Reload(ctx context.Context) (*NavigateResult, error) {
	return c.historyCall(ctx, protocol.MethodReload)
}

func (c *Client) historyCall(ctx context.Context, method string) (*NavigateResult, error) {
	raw, err := c.Call(ctx, method, nil)
	if err != nil {
		return nil, err
	}
	var res NavigateResult
	if err := protocol.UnmarshalResult(raw, &res); err != nil {
		return nil, errs.Wrap(errs.KindCommandFailed, "client."+method, err)
	}
	return &res, nil
}

// mergeOptions folds a typed options struct into the params map without
// interpreting its fields.
func mergeOptions(params map[string]interface{}, opts interface{}) {
	if opts == nil {
		return
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return
	}
	for k, v := range fields {
		params[k] = v
	}
}
