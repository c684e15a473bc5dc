package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/infrastructure/logging"
	"github.com/marionet-dev/marionet/internal/infrastructure/monitoring"
)

// Canonical step names shared by every backend. Providers implement the
// steps; the pipeline owns ordering, rollback and accounting.
const (
	StepAcquire = "acquire"
	StepDeps    = "deps"
	StepDeploy  = "deploy"
	StepStart   = "start"
	StepHealth  = "health"
)

// step is one named stage of a provisioning run.
type step struct {
	name string
	run  func(ctx context.Context) error
}

// pipeline executes an ordered list of provisioning steps. Any failure
// after the first step triggers the rollback before the original error is
// returned, wrapped with the failing step. A partial resource must never
// outlive a failed run invisible to the caller.
type pipeline struct {
	provider string
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

func newPipeline(provider string, logger *logging.Logger, metrics *monitoring.Metrics) *pipeline {
	if logger == nil {
		logger = logging.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.NewNop()
	}
	return &pipeline{provider: provider, logger: logger, metrics: metrics}
}

// run executes steps in order. rollback is best-effort and only invoked
// once the first step has completed; its own failure never masks the
// primary error.
func (p *pipeline) run(ctx context.Context, steps []step, rollback func(context.Context)) error {
	start := time.Now()
	for i, s := range steps {
		stepStart := time.Now()
		if err := s.run(ctx); err != nil {
			p.metrics.ProvisionFailures.WithLabelValues(p.provider, s.name).Inc()
			p.logger.Warn("provisioning step failed",
				zap.String("provider", p.provider),
				zap.String("step", s.name),
				zap.Error(err))
			if i > 0 && rollback != nil {
				rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
				rollback(rbCtx)
				cancel()
			}
			return errs.Wrapf(errs.KindSandboxCreation, p.provider+".create", err,
				"step %s failed", s.name)
		}
		p.logger.Debug("provisioning step done",
			zap.String("provider", p.provider),
			zap.String("step", s.name),
			zap.Duration("elapsed", time.Since(stepStart)))
	}
	p.metrics.ObserveProvision(p.provider, time.Since(start))
	return nil
}
