package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlanticdynamic/storegate/internal/logging"
	"github.com/atlanticdynamic/storegate/internal/saga/finitestate"
)

// Defaults applied to steps that leave their knobs zero.
const (
	DefaultStepTimeout = 10 * time.Second

	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// Outcome labels for the saga metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSucceeded = "succeeded"
	OutcomeError     = "error"
)

// Reporter receives saga execution observations. *metrics.Metrics
// implements it.
type Reporter interface {
	ObserveSagaExecution(outcome string)
	ObserveSagaStep(step, outcome string, duration time.Duration)
	ObserveSagaCompensation(step, outcome string)
}

// NopReporter discards all observations.
type NopReporter struct{}

func (NopReporter) ObserveSagaExecution(string) {}

func (NopReporter) ObserveSagaStep(string, string, time.Duration) {}

func (NopReporter) ObserveSagaCompensation(string, string) {}

// Engine executes a fixed sequence of steps as a saga. One engine is built
// per saga definition and reused across executions.
type Engine struct {
	name     string
	steps    []Step
	registry *Registry
	logger   *slog.Logger
	reporter Reporter
	sleep    func(ctx context.Context, d time.Duration) error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithReporter sets the metrics reporter.
func WithReporter(r Reporter) EngineOption {
	return func(e *Engine) { e.reporter = r }
}

// WithSleep overrides the retry sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) { e.sleep = sleep }
}

// NewEngine creates an engine for the named saga. Completed and failed
// sagas are retained in the registry for status queries; registry may be
// nil when no status endpoint is wired.
func NewEngine(name string, steps []Step, registry *Registry, opts ...EngineOption) (*Engine, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("saga %s has no steps", name)
	}
	seen := make(map[string]bool, len(steps))
	for _, step := range steps {
		if step.Name == "" {
			return nil, fmt.Errorf("saga %s has a step with no name", name)
		}
		if step.Action == nil {
			return nil, fmt.Errorf("saga %s step %s has no action", name, step.Name)
		}
		if seen[step.Name] {
			return nil, fmt.Errorf("saga %s has duplicate step %s", name, step.Name)
		}
		seen[step.Name] = true
	}

	e := &Engine{
		name:     name,
		steps:    steps,
		registry: registry,
		logger:   slog.Default().WithGroup("saga"),
		reporter: NopReporter{},
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs the saga to a terminal state. The returned Context is always
// non-nil once a saga id was assigned, so callers can report partial state.
//
// Execution is detached from the caller's cancelation but keeps its
// deadline: a client that disconnects mid-saga must not strand a captured
// payment, while the overall time budget still holds.
func (e *Engine) Execute(ctx context.Context, initial map[string]any) (*Context, error) {
	machine, err := finitestate.New(e.logger.Handler())
	if err != nil {
		return nil, fmt.Errorf("failed to create saga state machine: %w", err)
	}
	sc, err := newContext(machine, initial)
	if err != nil {
		return nil, err
	}
	if e.registry != nil {
		e.registry.Put(sc)
	}

	runCtx := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
		defer cancel()
	}

	// Prefer the request-scoped logger so every saga line carries the
	// correlation id attached at ingress.
	logger := sc.logger(logging.FromContextOr(ctx, e.logger).With("saga", e.name))
	if err := machine.Transition(finitestate.StateRunning); err != nil {
		return sc, fmt.Errorf("failed to start saga: %w", err)
	}
	logger.Info("saga started", "steps", len(e.steps))

	for _, step := range e.steps {
		result, err := e.runStep(runCtx, logger, sc, step)
		if err != nil {
			stepErr := &StepError{Step: step.Name, Err: err}
			sc.recordFailure(step.Name, stepErr)
			logger.Warn("saga step failed", "step", step.Name, "error", err)
			e.compensate(runCtx, logger, sc)
			sc.recordEnd()
			e.reporter.ObserveSagaExecution(OutcomeFailed)
			return sc, stepErr
		}
		sc.recordResult(step.Name, result)
	}

	if err := machine.Transition(finitestate.StateCompleted); err != nil {
		return sc, fmt.Errorf("failed to complete saga: %w", err)
	}
	sc.recordEnd()
	e.reporter.ObserveSagaExecution(OutcomeCompleted)
	logger.Info("saga completed")
	return sc, nil
}

// runStep executes one step with its timeout, retrying transient failures
// only when the step declares itself idempotent.
func (e *Engine) runStep(ctx context.Context, logger *slog.Logger, sc *Context, step Step) (any, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	attempts := step.MaxAttempts
	if attempts <= 0 || !step.Idempotent {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			logger.Debug("retrying saga step", "step", step.Name, "attempt", attempt+1, "delay", delay)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, lastErr
			}
		}

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		result, err := step.Action(stepCtx, sc)
		cancel()

		if err == nil {
			e.reporter.ObserveSagaStep(step.Name, OutcomeSucceeded, time.Since(start))
			return result, nil
		}
		e.reporter.ObserveSagaStep(step.Name, OutcomeError, time.Since(start))
		lastErr = err

		var terminal *TerminalError
		if errors.As(err, &terminal) {
			return nil, lastErr
		}
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// compensate undoes completed steps in reverse order. Compensation is
// best-effort: a failing compensation is logged and the remaining ones
// still run.
func (e *Engine) compensate(ctx context.Context, logger *slog.Logger, sc *Context) {
	completed := sc.Completed()
	if err := sc.machine.Transition(finitestate.StateCompensating); err != nil {
		logger.Error("failed to begin compensation", "error", err, "state", sc.machine.GetState())
	} else {
		byName := make(map[string]Step, len(e.steps))
		for _, step := range e.steps {
			byName[step.Name] = step
		}

		for i := len(completed) - 1; i >= 0; i-- {
			step, ok := byName[completed[i]]
			if !ok || step.Compensate == nil {
				continue
			}

			timeout := step.Timeout
			if timeout <= 0 {
				timeout = DefaultStepTimeout
			}
			compCtx, cancel := context.WithTimeout(ctx, timeout)
			err := step.Compensate(compCtx, sc)
			cancel()

			if err != nil {
				e.reporter.ObserveSagaCompensation(step.Name, OutcomeError)
				logger.Error("compensation failed, manual intervention may be required",
					"step", step.Name, "error", err)
				continue
			}
			e.reporter.ObserveSagaCompensation(step.Name, OutcomeSucceeded)
			logger.Info("compensated saga step", "step", step.Name)
		}
	}

	if err := sc.machine.Transition(finitestate.StateFailed); err != nil {
		logger.Error("failed to mark saga failed", "error", err, "state", sc.machine.GetState())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
