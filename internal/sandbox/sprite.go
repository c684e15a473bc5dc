package sandbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/infrastructure/config"
	"github.com/marionet-dev/marionet/internal/infrastructure/logging"
	"github.com/marionet-dev/marionet/internal/infrastructure/monitoring"
	"github.com/marionet-dev/marionet/internal/shared/id"
)

// SpriteProvider provisions bare-metal "sprite" hosts over SSH: it
// deploys the agent payload, starts it as a long-lived service, and
// forwards the control port to a local listener. One provider instance
// serves one host; a healthy already-running agent is reused rather than
// redeployed.
type SpriteProvider struct {
	cfg    config.SpriteConfig
	deps   *Memo
	pipe   *pipeline
	health *healthPoller
	logger *logging.Logger

	// PayloadPath is the local agent bundle uploaded on deploy.
	payloadPath string

	mu        sync.Mutex
	sandboxes map[string]*spriteSandbox
}

type spriteSandbox struct {
	info     *Info
	ssh      *ssh.Client
	tunnel   net.Listener
	reused   bool
	tunnelWG sync.WaitGroup
}

// SpriteOptions configures a SpriteProvider.
type SpriteOptions struct {
	Config config.SpriteConfig
	// PayloadPath is the local agent bundle to upload.
	PayloadPath string
	// Deps memoizes host bootstrap across providers; nil means fresh.
	Deps    *Memo
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

func NewSpriteProvider(opts SpriteOptions) (*SpriteProvider, error) {
	if opts.Config.Addr == "" {
		return nil, errs.New(errs.KindProvider, "sprite.New", "host address required")
	}
	if opts.Deps == nil {
		opts.Deps = NewMemo()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Config.PollInterval <= 0 {
		opts.Config.PollInterval = 2 * time.Second
	}
	return &SpriteProvider{
		cfg:         opts.Config,
		deps:        opts.Deps,
		pipe:        newPipeline("sprite", opts.Logger, opts.Metrics),
		health:      newHealthPoller(opts.Config.PollInterval),
		logger:      opts.Logger,
		payloadPath: opts.PayloadPath,
		sandboxes:   make(map[string]*spriteSandbox),
	}, nil
}

func (p *SpriteProvider) Name() string { return "sprite" }

// Create provisions the host and blocks until the agent is ready behind
// the local tunnel.
func (p *SpriteProvider) Create(ctx context.Context, opts CreateOptions) (*Info, error) {
	sbxID := id.NewSandboxID()
	sbx := &spriteSandbox{
		info: &Info{
			ID:        sbxID,
			Provider:  "sprite",
			Status:    StatusCreating,
			Transport: TransportSocket,
			CreatedAt: time.Now(),
		},
	}

	steps := []step{
		{StepAcquire, func(ctx context.Context) error {
			if err := p.dial(ctx, sbx); err != nil {
				return err
			}
			if err := p.openTunnel(sbx); err != nil {
				sbx.ssh.Close()
				return err
			}
			p.mu.Lock()
			p.sandboxes[sbxID.String()] = sbx
			p.mu.Unlock()
			return nil
		}},
		{StepDeps, func(context.Context) error {
			return p.deps.Ensure(p.cfg.Addr, func() error {
				return p.bootstrap(sbx)
			})
		}},
		{StepDeploy, func(ctx context.Context) error {
			// A healthy agent behind the tunnel means the host was
			// provisioned earlier; skip upload and start.
			if p.health.probe(ctx, readyEndpoint(sbx.info.ControlEndpoint)) {
				sbx.reused = true
				return nil
			}
			return p.deploy(sbx)
		}},
		{StepStart, func(context.Context) error {
			if sbx.reused {
				return nil
			}
			return p.startAgent(sbx)
		}},
		{StepHealth, func(ctx context.Context) error {
			timeout := opts.ReadyTimeout
			if timeout <= 0 {
				timeout = p.cfg.ReadyTimeout
			}
			sbxKey := sbxID.String()
			return p.health.await(ctx, "sprite.create",
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
	p.logger.Info("sprite ready",
		zap.String("sandbox_id", sbxID.String()),
		zap.String("host", p.cfg.Addr),
		zap.Bool("reused", sbx.reused))
	return sbx.info, nil
}

func (p *SpriteProvider) dial(ctx context.Context, sbx *spriteSandbox) error {
	key, err := os.ReadFile(p.cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("read key %s: %w", p.cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("parse key: %w", err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            p.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	// ssh.Dial has no context hook; run it off to the side so a
	// cancelled create does not hang on an unreachable host.
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", p.cfg.Addr, clientCfg)
		ch <- dialResult{client, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("ssh dial %s: %w", p.cfg.Addr, res.err)
		}
		sbx.ssh = res.client
		return nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.client != nil {
				res.client.Close()
			}
		}()
		return ctx.Err()
	}
}

// openTunnel forwards an ephemeral local port to the agent's control
// port on the host.
func (p *SpriteProvider) openTunnel(sbx *spriteSandbox) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("tunnel listen: %w", err)
	}
	sbx.tunnel = ln
	sbx.info.ControlEndpoint = fmt.Sprintf("ws://%s/ws", ln.Addr().String())
	sbx.info.Domain = endpointDomain(sbx.info.ControlEndpoint)

	remote := fmt.Sprintf("127.0.0.1:%d", p.cfg.ControlPort)
	sbx.tunnelWG.Add(1)
	go forwardTunnel(ln, remote, sbx.ssh.Dial, &sbx.tunnelWG)
	return nil
}

// forwardTunnel accepts connections on ln and pipes each to remote via
// dial until the listener closes. In-flight copies run on their own
// goroutines; wg tracks only the accept loop.
func forwardTunnel(ln net.Listener, remote string, dial func(network, addr string) (net.Conn, error), wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		local, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer local.Close()
			upstream, err := dial("tcp", remote)
			if err != nil {
				return
			}
			defer upstream.Close()
			done := make(chan struct{}, 2)
			go func() { io.Copy(upstream, local); done <- struct{}{} }()
			go func() { io.Copy(local, upstream); done <- struct{}{} }()
			<-done
		}()
	}
}

// bootstrap prepares the host once: agent directory and the tools the
// deploy step shells out to.
func (p *SpriteProvider) bootstrap(sbx *spriteSandbox) error {
	dir := path.Dir(p.cfg.AgentPath)
	cmd := fmt.Sprintf("mkdir -p %s && command -v gunzip >/dev/null", dir)
	if out, err := p.run(sbx, cmd); err != nil {
		return fmt.Errorf("bootstrap host: %w (output: %s)", err, out)
	}
	return nil
}

// deploy streams the gzip-compressed payload over the SSH session and
// unpacks it into place.
func (p *SpriteProvider) deploy(sbx *spriteSandbox) error {
	if p.payloadPath == "" {
		return fmt.Errorf("no payload configured")
	}
	payload, err := os.Open(p.payloadPath)
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer payload.Close()

	session, err := sbx.ssh.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	cmd := fmt.Sprintf("gunzip -c > %s && chmod +x %s", p.cfg.AgentPath, p.cfg.AgentPath)
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("start deploy: %w", err)
	}

	gz := gzip.NewWriter(stdin)
	if _, err := io.Copy(gz, payload); err != nil {
		stdin.Close()
		return fmt.Errorf("stream payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		stdin.Close()
		return fmt.Errorf("flush payload: %w", err)
	}
	stdin.Close()

	if err := session.Wait(); err != nil {
		return fmt.Errorf("deploy payload: %w", err)
	}
	return nil
}

// startAgent launches the control-plane process detached from the
// session so it outlives the SSH channel.
func (p *SpriteProvider) startAgent(sbx *spriteSandbox) error {
	cmd := fmt.Sprintf("nohup %s --port %d >/dev/null 2>&1 & echo $!",
		p.cfg.AgentPath, p.cfg.ControlPort)
	if out, err := p.run(sbx, cmd); err != nil {
		return fmt.Errorf("start agent: %w (output: %s)", err, out)
	}
	return nil
}

func (p *SpriteProvider) run(sbx *spriteSandbox, cmd string) (string, error) {
	session, err := sbx.ssh.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(cmd)
	return string(out), err
}

// Destroy stops the agent and tears the tunnel down. Unknown ids are a
// no-op. Reused hosts keep their agent running for the next attach.
func (p *SpriteProvider) Destroy(_ context.Context, sandboxID string) error {
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
	if sbx.tunnel != nil {
		sbx.tunnel.Close()
		sbx.tunnelWG.Wait()
	}
	if sbx.ssh != nil {
		if !sbx.reused {
			if _, err := p.run(sbx, fmt.Sprintf("pkill -f %s || true", p.cfg.AgentPath)); err != nil {
				p.logger.Debug("agent stop failed", zap.String("sandbox_id", sandboxID), zap.Error(err))
			}
		}
		sbx.ssh.Close()
	}
	return nil
}

// Ready probes the agent through the tunnel once.
func (p *SpriteProvider) Ready(ctx context.Context, sandboxID string) bool {
	info := p.Get(sandboxID)
	if info == nil || info.Status == StatusDestroyed || info.ControlEndpoint == "" {
		return false
	}
	return p.health.probe(ctx, readyEndpoint(info.ControlEndpoint))
}

// Get returns tracked info for the id, nil when unknown.
func (p *SpriteProvider) Get(sandboxID string) *Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sbx, ok := p.sandboxes[sandboxID]; ok {
		return sbx.info
	}
	return nil
}
