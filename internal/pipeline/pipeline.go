package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// Step is one stage of a fetch. Do reads what earlier stages stored in the
// Run and adds its own result; an error ends the run.
type Step interface {
	Do(ctx context.Context, run *Run) error
	Name() string
}

// Finisher is implemented by steps that hold something past their Do,
// such as the leak monitor goroutine.
type Finisher interface {
	Finish(run *Run)
}

// Pipeline runs steps in the order they were added.
type Pipeline struct {
	steps  []Step
	logger *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New creates an empty Pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// AddStep appends step.
func (p *Pipeline) AddStep(step Step) {
	p.steps = append(p.steps, step)
}

// AddSteps appends steps in order.
func (p *Pipeline) AddSteps(steps ...Step) {
	p.steps = append(p.steps, steps...)
}

// Execute runs the steps until one fails or ctx is done, and stores the
// outcome in run.Err. Before returning it calls Finish on every started
// step that implements Finisher, last started first.
func (p *Pipeline) Execute(ctx context.Context, run *Run) (err error) {
	started := make([]Step, 0, len(p.steps))
	defer func() {
		run.Err = err
		p.finish(started, run)
	}()

	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("run cancelled before step", "step", step.Name(), "reason", err)
			return err
		}

		started = append(started, step)
		begin := time.Now()
		p.logger.Debug("step started", "step", step.Name())

		if err := step.Do(ctx, run); err != nil {
			p.logger.Error("step failed", "step", step.Name(), "error", err, "elapsed", time.Since(begin))
			return err
		}

		p.logger.Debug("step done", "step", step.Name(), "elapsed", time.Since(begin))
		run.PerformedSteps = append(run.PerformedSteps, step.Name())
	}
	return nil
}

func (p *Pipeline) finish(started []Step, run *Run) {
	for i := len(started) - 1; i >= 0; i-- {
		f, ok := started[i].(Finisher)
		if !ok {
			continue
		}
		p.logger.Debug("finishing step", "step", started[i].Name())
		f.Finish(run)
	}
}

// StepCount returns the number of steps.
func (p *Pipeline) StepCount() int {
	return len(p.steps)
}

// StepNames returns the step names in execution order.
func (p *Pipeline) StepNames() []string {
	names := make([]string, 0, len(p.steps))
	for _, step := range p.steps {
		names = append(names, step.Name())
	}
	return names
}
