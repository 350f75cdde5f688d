package pipeline

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type RunnerOption func(*Runner)

func RunnerWithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// Runner runs one goroutine per dataset pipeline. A failing pipeline does
// not stop the others.
type Runner struct {
	pipelines []*Pipeline
	logger    *zap.Logger
}

func NewRunner(pipelines []*Pipeline, opts ...RunnerOption) *Runner {
	r := &Runner{
		pipelines: pipelines,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Pipelines() []*Pipeline {
	return r.pipelines
}

// Run blocks until every pipeline has finished. The returned error combines
// the *RunError of each failed pipeline; use multierr.Errors to split it.
func (r *Runner) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)

	r.logger.Info("Starting pipelines", zap.Int("count", len(r.pipelines)))

	for _, p := range r.pipelines {
		wg.Add(1)
		go func(p *Pipeline) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	failed := len(multierr.Errors(errs))
	r.logger.Info("Pipelines finished",
		zap.Int("succeeded", len(r.pipelines)-failed),
		zap.Int("failed", failed),
	)
	return errs
}
