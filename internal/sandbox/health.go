package sandbox

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/marionet-dev/marionet/internal/errs"
)

// healthPoller drives the last provisioning step: a fixed-interval loop
// bounded by a deadline, probing the control plane's readiness endpoint.
// "Resource exists but service not listening" keeps polling; "resource no
// longer exists" aborts immediately.
type healthPoller struct {
	http     *retryablehttp.Client
	interval time.Duration
}

func newHealthPoller(interval time.Duration) *healthPoller {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 0
	hc.Logger = nil
	hc.HTTPClient.Timeout = 5 * time.Second
	return &healthPoller{http: hc, interval: interval}
}

// probe runs one readiness check. A transport error or non-200 means the
// service is not listening yet.
func (h *healthPoller) probe(ctx context.Context, readyURL string) bool {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, readyURL, nil)
	if err != nil {
		return false
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// await polls until ready, the deadline elapses, or alive reports the
// resource was concurrently destroyed. alive may be nil.
func (h *healthPoller) await(ctx context.Context, op, readyURL string, deadline time.Duration, alive func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if alive != nil && !alive() {
			return errs.New(errs.KindSandboxNotFound, op,
				"resource destroyed during health polling")
		}
		if h.probe(ctx, readyURL) {
			return nil
		}
		select {
		case <-ctx.Done():
			return errs.Wrapf(errs.KindSandboxTimeout, op, ctx.Err(),
				"not ready after %s", deadline)
		case <-ticker.C:
		}
	}
}
