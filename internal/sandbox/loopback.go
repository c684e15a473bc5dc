package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marionet-dev/marionet/internal/controlplane"
	"github.com/marionet-dev/marionet/internal/infrastructure/logging"
	"github.com/marionet-dev/marionet/internal/infrastructure/monitoring"
	"github.com/marionet-dev/marionet/internal/shared/id"
)

// LoopbackProvider provisions in-process control planes on ephemeral
// loopback ports. It exercises the full provisioning pipeline with no
// external backend, which makes it the provider of choice for dev and
// integration tests.
type LoopbackProvider struct {
	opts   LoopbackOptions
	pipe   *pipeline
	health *healthPoller
	logger *logging.Logger

	mu        sync.Mutex
	sandboxes map[string]*loopbackSandbox
}

type loopbackSandbox struct {
	info   *Info
	server *controlplane.Server
}

// LoopbackOptions configures a LoopbackProvider.
type LoopbackOptions struct {
	// MaxSessions caps sessions per sandbox; zero means the control
	// plane default.
	MaxSessions int
	// Executor is handed to each control plane; nil means the stub.
	Executor controlplane.Executor
	// Intervener enables the intervention handshake; nil rejects it.
	Intervener controlplane.Intervener
	// Auth issues a per-sandbox bearer token when true.
	Auth bool

	ReadyTimeout time.Duration
	PollInterval time.Duration

	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

func NewLoopbackProvider(opts LoopbackOptions) *LoopbackProvider {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	return &LoopbackProvider{
		opts:      opts,
		pipe:      newPipeline("loopback", opts.Logger, opts.Metrics),
		health:    newHealthPoller(opts.PollInterval),
		logger:    opts.Logger,
		sandboxes: make(map[string]*loopbackSandbox),
	}
}

func (p *LoopbackProvider) Name() string { return "loopback" }

// Create provisions one in-process control plane and blocks until it
// answers its readiness check.
func (p *LoopbackProvider) Create(ctx context.Context, opts CreateOptions) (*Info, error) {
	sbxID := id.NewSandboxID()
	var token string
	if p.opts.Auth {
		token = uuid.NewString()
	}

	sbx := &loopbackSandbox{
		info: &Info{
			ID:        sbxID,
			Provider:  "loopback",
			Status:    StatusCreating,
			Transport: TransportSocket,
			AuthToken: token,
			CreatedAt: time.Now(),
		},
	}

	steps := []step{
		{StepAcquire, func(context.Context) error {
			p.mu.Lock()
			p.sandboxes[sbxID.String()] = sbx
			p.mu.Unlock()
			return nil
		}},
		{StepDeps, func(context.Context) error {
			// Everything runs in-process; nothing to install.
			return nil
		}},
		{StepDeploy, func(context.Context) error {
			sbx.server = controlplane.NewServer(controlplane.Options{
				MaxSessions: p.opts.MaxSessions,
				AuthToken:   token,
				Executor:    p.opts.Executor,
				Intervener:  p.opts.Intervener,
				Logger:      p.logger.Named("controlplane"),
			})
			return nil
		}},
		{StepStart, func(context.Context) error {
			if err := sbx.server.Start(""); err != nil {
				return err
			}
			sbx.info.ControlEndpoint = sbx.server.ControlEndpoint()
			sbx.info.Domain = endpointDomain(sbx.info.ControlEndpoint)
			return nil
		}},
		{StepHealth, func(ctx context.Context) error {
			timeout := opts.ReadyTimeout
			if timeout <= 0 {
				timeout = p.opts.ReadyTimeout
			}
			sbxKey := sbxID.String()
			return p.health.await(ctx, "loopback.create",
				readyEndpoint(sbx.info.ControlEndpoint), timeout, func() bool {
					p.mu.Lock()
					_, ok := p.sandboxes[sbxKey]
					p.mu.Unlock()
					return ok
				})
		}},
	}

	rollback := func(ctx context.Context) {
		if err := p.Destroy(ctx, sbxID.String()); err != nil {
			p.logger.Warn("rollback failed", zap.String("sandbox_id", sbxID.String()), zap.Error(err))
		}
	}

	if err := p.pipe.run(ctx, steps, rollback); err != nil {
		return nil, err
	}

	sbx.info.Status = StatusReady
	return sbx.info, nil
}

// Destroy shuts the control plane down. Unknown ids are a no-op.
func (p *LoopbackProvider) Destroy(ctx context.Context, sandboxID string) error {
	p.mu.Lock()
	sbx, ok := p.sandboxes[sandboxID]
	if ok {
		delete(p.sandboxes, sandboxID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	sbx.info.Status = StatusDestroyed
	if sbx.server == nil {
		return nil
	}
	shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sbx.server.Shutdown(shutCtx)
}

// Ready probes the sandbox's readiness endpoint once.
func (p *LoopbackProvider) Ready(ctx context.Context, sandboxID string) bool {
	info := p.Get(sandboxID)
	if info == nil || info.Status == StatusDestroyed || info.ControlEndpoint == "" {
		return false
	}
	return p.health.probe(ctx, readyEndpoint(info.ControlEndpoint))
}

// Get returns tracked info for the id, nil when unknown.
func (p *LoopbackProvider) Get(sandboxID string) *Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sbx, ok := p.sandboxes[sandboxID]; ok {
		return sbx.info
	}
	return nil
}
