package sandbox

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/marionet-dev/marionet/internal/client"
	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/infrastructure/logging"
	"github.com/marionet-dev/marionet/internal/infrastructure/monitoring"
	"github.com/marionet-dev/marionet/internal/shared/id"
)

// Handle is one live sandbox with its connected client.
type Handle struct {
	Info   *Info
	Client *client.Client
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Provider Provider
	// Client is the template applied to every constructed client;
	// endpoint, transport and auth fields are filled per sandbox.
	Client  client.Options
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

// Manager owns the authoritative registry of live sandboxes and their
// attached clients. A client entry exists if and only if a successful
// connect completed for that sandbox; a sandbox is never registered
// ready without a usable client.
type Manager struct {
	provider   Provider
	clientOpts client.Options
	logger     *logging.Logger
	metrics    *monitoring.Metrics

	mu        sync.Mutex
	sandboxes map[id.SandboxID]*Info
	clients   map[id.SandboxID]*client.Client
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewNop()
	}
	return &Manager{
		provider:   opts.Provider,
		clientOpts: opts.Client,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		sandboxes:  make(map[id.SandboxID]*Info),
		clients:    make(map[id.SandboxID]*client.Client),
	}
}

// Create provisions a sandbox and connects a client to it. A connect
// failure rolls the provider resource back before the error surfaces, so
// partial creations never leak.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Handle, error) {
	info, err := m.provider.Create(ctx, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sandboxes[info.ID] = info
	m.mu.Unlock()

	cl := m.buildClient(info)
	if err := cl.Connect(ctx); err != nil {
		m.rollback(ctx, info.ID)
		return nil, errs.Wrapf(errs.KindConnectionFailed, "manager.Create", err,
			"sandbox %s provisioned but unreachable", info.ID)
	}

	m.mu.Lock()
	m.clients[info.ID] = cl
	m.mu.Unlock()
	m.metrics.SandboxesActive.Inc()

	m.logger.Info("sandbox attached",
		zap.String("sandbox_id", info.ID.String()),
		zap.String("provider", m.provider.Name()))
	return &Handle{Info: info, Client: cl}, nil
}

func (m *Manager) buildClient(info *Info) *client.Client {
	opts := m.clientOpts
	opts.ControlEndpoint = info.ControlEndpoint
	opts.StreamEndpoint = info.StreamEndpoint
	if info.Transport == TransportStream {
		opts.Transport = client.TransportStream
	} else {
		opts.Transport = client.TransportSocket
	}
	if info.AuthToken != "" {
		opts.AuthToken = info.AuthToken
	}
	if opts.Logger == nil {
		opts.Logger = m.logger.Named("client")
	}
	if opts.Metrics == nil {
		opts.Metrics = m.metrics
	}
	return client.New(opts)
}

// rollback tears down a sandbox whose client never connected.
func (m *Manager) rollback(ctx context.Context, sandboxID id.SandboxID) {
	m.mu.Lock()
	delete(m.sandboxes, sandboxID)
	m.mu.Unlock()
	if err := m.provider.Destroy(ctx, sandboxID.String()); err != nil {
		m.logger.Warn("rollback destroy failed",
			zap.String("sandbox_id", sandboxID.String()), zap.Error(err))
	}
}

// Get returns the handle for a tracked sandbox, nil when unknown.
func (m *Manager) Get(sandboxID id.SandboxID) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sandboxes[sandboxID]
	if !ok {
		return nil
	}
	return &Handle{Info: info, Client: m.clients[sandboxID]}
}

// List returns a snapshot of tracked sandbox infos.
func (m *Manager) List() []*Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Info, 0, len(m.sandboxes))
	for _, info := range m.sandboxes {
		out = append(out, info)
	}
	return out
}

// Destroy closes the client first, then tears down the provider
// resource. Both registry entries go away regardless of either outcome;
// destroying an unknown id is a no-op.
func (m *Manager) Destroy(ctx context.Context, sandboxID id.SandboxID) error {
	m.mu.Lock()
	_, tracked := m.sandboxes[sandboxID]
	cl := m.clients[sandboxID]
	delete(m.sandboxes, sandboxID)
	delete(m.clients, sandboxID)
	m.mu.Unlock()

	if !tracked {
		return nil
	}

	if cl != nil {
		if err := cl.Close(); err != nil {
			m.logger.Debug("client close failed",
				zap.String("sandbox_id", sandboxID.String()), zap.Error(err))
		}
		m.metrics.SandboxesActive.Dec()
	}

	if err := m.provider.Destroy(ctx, sandboxID.String()); err != nil {
		return errs.Wrap(errs.KindProvider, "manager.Destroy", err)
	}
	return nil
}

// DestroyAll destroys every tracked sandbox in parallel. Failures are
// isolated per sandbox and joined; one bad teardown never blocks the
// rest.
func (m *Manager) DestroyAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]id.SandboxID, 0, len(m.sandboxes))
	for sbxID := range m.sandboxes {
		ids = append(ids, sbxID)
	}
	m.mu.Unlock()

	errsCh := make(chan error, len(ids))
	var wg sync.WaitGroup
	for _, sbxID := range ids {
		wg.Add(1)
		go func(sbxID id.SandboxID) {
			defer wg.Done()
			if err := m.Destroy(ctx, sbxID); err != nil {
				errsCh <- err
			}
		}(sbxID)
	}
	wg.Wait()
	close(errsCh)

	var all []error
	for err := range errsCh {
		all = append(all, err)
	}
	return errors.Join(all...)
}

// Size returns the number of tracked sandboxes.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sandboxes)
}
