package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/infrastructure/config"
	"github.com/marionet-dev/marionet/internal/infrastructure/logging"
	"github.com/marionet-dev/marionet/internal/infrastructure/monitoring"
	"github.com/marionet-dev/marionet/internal/shared/id"
)

const agentLabel = "marionet.agent"

// DockerProvider provisions one agent container per sandbox, with the
// control port published on loopback.
type DockerProvider struct {
	cli      *dockerclient.Client
	cfg      config.DockerConfig
	profiles *config.ProfileCatalog
	images   *Memo
	pipe     *pipeline
	health   *healthPoller
	logger   *logging.Logger

	mu        sync.Mutex
	sandboxes map[string]*dockerSandbox
}

type dockerSandbox struct {
	info        *Info
	containerID string
}

// DockerOptions configures a DockerProvider. Zero-value fields fall back
// to sensible defaults.
type DockerOptions struct {
	Config   config.DockerConfig
	Profiles *config.ProfileCatalog
	// Images is shared across providers when callers want one pull memo
	// per process. A fresh memo is used when nil.
	Images  *Memo
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

// NewDockerProvider connects to the Docker daemon and verifies it answers.
func NewDockerProvider(ctx context.Context, opts DockerOptions) (*DockerProvider, error) {
	clientOpts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if opts.Config.Host != "" {
		clientOpts = append(clientOpts, dockerclient.WithHost(opts.Config.Host))
	}
	cli, err := dockerclient.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, errs.Wrap(errs.KindProvider, "docker.New", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, errs.Wrapf(errs.KindProvider, "docker.New", err, "daemon unreachable")
	}

	if opts.Images == nil {
		opts.Images = NewMemo()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Config.PollInterval <= 0 {
		opts.Config.PollInterval = time.Second
	}

	return &DockerProvider{
		cli:       cli,
		cfg:       opts.Config,
		profiles:  opts.Profiles,
		images:    opts.Images,
		pipe:      newPipeline("docker", opts.Logger, opts.Metrics),
		health:    newHealthPoller(opts.Config.PollInterval),
		logger:    opts.Logger,
		sandboxes: make(map[string]*dockerSandbox),
	}, nil
}

func (p *DockerProvider) Name() string { return "docker" }

// Create provisions a container and blocks until its control plane is
// ready. In reuse mode it attaches to a running agent container instead,
// restarting it when unhealthy.
func (p *DockerProvider) Create(ctx context.Context, opts CreateOptions) (*Info, error) {
	if p.cfg.ReuseExisting {
		if info, err := p.attach(ctx, opts); err == nil {
			return info, nil
		}
		// No reusable container found, fall through to a fresh run.
	}

	imageName, env := p.resolveProfile(opts)
	sbxID := id.NewSandboxID()
	token := uuid.NewString()
	sbx := &dockerSandbox{
		info: &Info{
			ID:        sbxID,
			Provider:  "docker",
			Status:    StatusCreating,
			Transport: TransportSocket,
			AuthToken: token,
			CreatedAt: time.Now(),
		},
	}

	steps := []step{
		{StepAcquire, func(ctx context.Context) error {
			if _, err := p.cli.Ping(ctx); err != nil {
				return fmt.Errorf("daemon unreachable: %w", err)
			}
			p.mu.Lock()
			p.sandboxes[sbxID.String()] = sbx
			p.mu.Unlock()
			return nil
		}},
		{StepDeps, func(ctx context.Context) error {
			return p.images.Ensure(imageName, func() error {
				return p.pullImage(ctx, imageName)
			})
		}},
		{StepDeploy, func(ctx context.Context) error {
			return p.createContainer(ctx, sbx, imageName, token, env, opts.Env)
		}},
		{StepStart, func(ctx context.Context) error {
			return p.startContainer(ctx, sbx)
		}},
		{StepHealth, func(ctx context.Context) error {
			return p.awaitReady(ctx, sbx, opts.ReadyTimeout)
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
	p.logger.Info("sandbox ready",
		zap.String("sandbox_id", sbxID.String()),
		zap.String("endpoint", sbx.info.ControlEndpoint))
	return sbx.info, nil
}

// attach reuses a running agent container. Health is verified before the
// container is declared ready; an unhealthy container is restarted and
// polled again rather than recreated.
func (p *DockerProvider) attach(ctx context.Context, opts CreateOptions) (*Info, error) {
	list, err := p.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", agentLabel)),
	})
	if err != nil || len(list) == 0 {
		return nil, errs.New(errs.KindSandboxNotFound, "docker.attach", "no agent container running")
	}

	ctr := list[0]
	sbxID := id.NewSandboxID()
	sbx := &dockerSandbox{
		containerID: ctr.ID,
		info: &Info{
			ID:        sbxID,
			Provider:  "docker",
			Status:    StatusCreating,
			Transport: TransportSocket,
			CreatedAt: time.Now(),
		},
	}
	if err := p.resolveEndpoint(ctx, sbx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.sandboxes[sbxID.String()] = sbx
	p.mu.Unlock()

	if err := p.awaitReady(ctx, sbx, opts.ReadyTimeout); err != nil {
		// Restart and re-poll before giving up on the container.
		if rerr := p.cli.ContainerRestart(ctx, ctr.ID, container.StopOptions{}); rerr != nil {
			p.forget(sbxID.String())
			return nil, errs.Wrap(errs.KindSandboxCreation, "docker.attach", rerr)
		}
		if err := p.awaitReady(ctx, sbx, opts.ReadyTimeout); err != nil {
			p.forget(sbxID.String())
			return nil, err
		}
	}

	sbx.info.Status = StatusReady
	return sbx.info, nil
}

func (p *DockerProvider) resolveProfile(opts CreateOptions) (string, map[string]string) {
	imageName := p.cfg.Image
	var env map[string]string
	if p.profiles != nil && opts.Profile != "" {
		if prof, ok := p.profiles.Get(opts.Profile); ok {
			if prof.Image != "" {
				imageName = prof.Image
			}
			env = prof.Env
		}
	}
	return imageName, env
}

func (p *DockerProvider) pullImage(ctx context.Context, imageName string) error {
	reader, err := p.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", imageName, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *DockerProvider) createContainer(ctx context.Context, sbx *dockerSandbox, imageName, token string, profileEnv, optEnv map[string]string) error {
	port := nat.Port(fmt.Sprintf("%d/tcp", p.cfg.ControlPort))

	env := []string{
		"MARIONET_AUTH_TOKEN=" + token,
		fmt.Sprintf("MARIONET_CONTROL_PORT=%d", p.cfg.ControlPort),
	}
	for k, v := range profileEnv {
		env = append(env, k+"="+v)
	}
	for k, v := range optEnv {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:        imageName,
		Env:          env,
		Labels:       map[string]string{agentLabel: sbx.info.ID.String()},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		AutoRemove: false,
	}

	resp, err := p.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, sbx.info.ID.String())
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	sbx.containerID = resp.ID
	return nil
}

func (p *DockerProvider) startContainer(ctx context.Context, sbx *dockerSandbox) error {
	if err := p.cli.ContainerStart(ctx, sbx.containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return p.resolveEndpoint(ctx, sbx)
}

// resolveEndpoint reads the published host port off the running container
// and derives the control and API endpoints from it.
func (p *DockerProvider) resolveEndpoint(ctx context.Context, sbx *dockerSandbox) error {
	inspect, err := p.cli.ContainerInspect(ctx, sbx.containerID)
	if err != nil {
		return fmt.Errorf("inspect container: %w", err)
	}
	port := nat.Port(fmt.Sprintf("%d/tcp", p.cfg.ControlPort))
	bindings := inspect.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return fmt.Errorf("control port %s not published", port)
	}
	hostPort := bindings[0].HostPort
	sbx.info.ControlEndpoint = fmt.Sprintf("ws://127.0.0.1:%s/ws", hostPort)
	sbx.info.Domain = endpointDomain(sbx.info.ControlEndpoint)
	return nil
}

func (p *DockerProvider) awaitReady(ctx context.Context, sbx *dockerSandbox, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.cfg.ReadyTimeout
	}
	readyURL := readyEndpoint(sbx.info.ControlEndpoint)
	sbxID := sbx.info.ID.String()
	return p.health.await(ctx, "docker.create", readyURL, timeout, func() bool {
		p.mu.Lock()
		_, ok := p.sandboxes[sbxID]
		p.mu.Unlock()
		return ok
	})
}

// Destroy stops and removes the container. Unknown ids are a no-op.
func (p *DockerProvider) Destroy(ctx context.Context, sandboxID string) error {
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
	if sbx.containerID == "" {
		return nil
	}

	stopTimeout := 10
	if err := p.cli.ContainerStop(ctx, sbx.containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		p.logger.Debug("container stop failed", zap.String("sandbox_id", sandboxID), zap.Error(err))
	}
	if err := p.cli.ContainerRemove(ctx, sbx.containerID, container.RemoveOptions{Force: true}); err != nil {
		return errs.Wrap(errs.KindProvider, "docker.Destroy", err)
	}
	return nil
}

// Ready probes the sandbox's readiness endpoint once.
func (p *DockerProvider) Ready(ctx context.Context, sandboxID string) bool {
	info := p.Get(sandboxID)
	if info == nil || info.Status == StatusDestroyed {
		return false
	}
	return p.health.probe(ctx, readyEndpoint(info.ControlEndpoint))
}

// Get returns tracked info for the id, nil when unknown.
func (p *DockerProvider) Get(sandboxID string) *Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sbx, ok := p.sandboxes[sandboxID]; ok {
		return sbx.info
	}
	return nil
}

// Discover finds agent containers from earlier runs by label and adopts
// them into the registry, so a fresh process can list and destroy them.
func (p *DockerProvider) Discover(ctx context.Context) ([]*Info, error) {
	list, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", agentLabel)),
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindProvider, "docker.Discover", err)
	}

	var out []*Info
	for _, ctr := range list {
		sbxID := ctr.Labels[agentLabel]
		if sbxID == "" {
			continue
		}
		p.mu.Lock()
		existing, tracked := p.sandboxes[sbxID]
		p.mu.Unlock()
		if tracked {
			out = append(out, existing.info)
			continue
		}

		sbx := &dockerSandbox{
			containerID: ctr.ID,
			info: &Info{
				ID:        id.SandboxID(sbxID),
				Provider:  "docker",
				Status:    StatusReady,
				Transport: TransportSocket,
				CreatedAt: time.Unix(ctr.Created, 0),
			},
		}
		if err := p.resolveEndpoint(ctx, sbx); err != nil {
			sbx.info.Status = StatusCreating
		}
		p.mu.Lock()
		p.sandboxes[sbxID] = sbx
		p.mu.Unlock()
		out = append(out, sbx.info)
	}
	return out, nil
}

func (p *DockerProvider) forget(sandboxID string) {
	p.mu.Lock()
	delete(p.sandboxes, sandboxID)
	p.mu.Unlock()
}
