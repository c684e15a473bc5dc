package sandbox

import (
	"time"

	"github.com/marionet-dev/marionet/internal/shared/id"
)

// Status is the sandbox lifecycle state. Transitions are monotonic:
// creating→ready, creating→destroyed on provisioning failure,
// ready→destroyed on explicit teardown. Never backward.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusReady     Status = "ready"
	StatusDestroyed Status = "destroyed"
)

// Transport classifies the command channel a sandbox exposes.
type Transport string

const (
	// TransportSocket is a persistent bidirectional websocket endpoint.
	TransportSocket Transport = "socket"
	// TransportStream is a unidirectional event stream plus an HTTP side
	// channel for outgoing frames.
	TransportStream Transport = "stream"
)

// Info describes one provisioned sandbox. Owned exclusively by the
// provider instance that created it until destroyed.
type Info struct {
	ID              id.SandboxID `json:"id"`
	Provider        string       `json:"provider"`
	Domain          string       `json:"domain"`
	ControlEndpoint string       `json:"control_endpoint"`
	StreamEndpoint  string       `json:"stream_endpoint,omitempty"`
	Status          Status       `json:"status"`
	Transport       Transport    `json:"transport"`
	AuthToken       string       `json:"-"`
	CreatedAt       time.Time    `json:"created_at"`
}

// CreateOptions tunes one provisioning run. Zero values defer to the
// provider's configuration.
type CreateOptions struct {
	// Profile selects an image profile from the provider's catalog.
	Profile string
	// Env is injected into the control-plane process.
	Env map[string]string
	// ReadyTimeout bounds the health-polling deadline.
	ReadyTimeout time.Duration
}
