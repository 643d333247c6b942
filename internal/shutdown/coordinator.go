package shutdown

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Step is one named unit of drain work.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Coordinator runs an ordered, best-effort drain at process termination.
// Each step gets its own timeout; a failing or hanging step is logged and
// the next step still runs. A hard overall deadline bounds the whole
// drain so a restart is never blocked.
type Coordinator struct {
	steps       []Step
	stepTimeout time.Duration
	overall     time.Duration
	log         *logrus.Entry
}

// New creates a coordinator with per-step and overall timeouts.
func New(stepTimeout, overall time.Duration, log *logrus.Entry) *Coordinator {
	return &Coordinator{stepTimeout: stepTimeout, overall: overall, log: log}
}

// Add appends a drain step. Steps run in the order they were added.
func (c *Coordinator) Add(name string, run func(ctx context.Context) error) {
	c.steps = append(c.steps, Step{Name: name, Run: run})
}

// Shutdown executes every step. Returns false if the overall deadline hit
// before all steps completed.
func (c *Coordinator) Shutdown() bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.overall)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, step := range c.steps {
			c.runStep(ctx, step)
			if ctx.Err() != nil {
				return
			}
		}
	}()

	select {
	case <-done:
		if ctx.Err() != nil {
			return false
		}
		c.log.Info("shutdown complete")
		return true
	case <-ctx.Done():
		c.log.Warn("shutdown deadline reached, forcing exit")
		return false
	}
}

// runStep runs one step under its own timeout. The step's goroutine may
// outlive the timeout; it is abandoned, not awaited.
func (c *Coordinator) runStep(ctx context.Context, step Step) {
	stepCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	start := time.Now()
	go func() { errCh <- step.Run(stepCtx) }()

	select {
	case err := <-errCh:
		if err != nil {
			c.log.WithError(err).WithField("step", step.Name).Error("shutdown step failed")
			return
		}
		c.log.WithFields(logrus.Fields{
			"step":    step.Name,
			"elapsed": time.Since(start).Round(time.Millisecond).String(),
		}).Info("shutdown step done")
	case <-stepCtx.Done():
		c.log.WithField("step", step.Name).Warn("shutdown step timed out")
	}
}
