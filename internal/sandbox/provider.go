package sandbox

import "context"

// Provider is the uniform provisioning contract every backend implements.
// Orchestration code depends only on this interface, never on
// backend-specific fields.
type Provider interface {
	// Name identifies the backend kind, e.g. "docker", "sprite".
	Name() string

	// Create provisions a new sandbox and blocks until its control
	// endpoint is reachable or the run fails. A failed run never leaks
	// the partially created resource.
	Create(ctx context.Context, opts CreateOptions) (*Info, error)

	// Destroy tears down the sandbox. Destroying an unknown or already
	// destroyed id is a no-op, never an error.
	Destroy(ctx context.Context, sandboxID string) error

	// Ready reports whether the sandbox's control plane answers its
	// readiness check right now.
	Ready(ctx context.Context, sandboxID string) bool

	// Get returns tracked info for the id, nil when unknown.
	Get(sandboxID string) *Info
}
