// Package saga runs multi-step distributed transactions with reverse-order
// compensation. Steps execute sequentially; the first failure stops forward
// progress, triggers best-effort compensation of every completed step in
// reverse order, and surfaces the failing step's error to the caller.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/atlanticdynamic/storegate/internal/saga/finitestate"
)

// Step is one unit of work in a saga. Action performs the step and may
// return a result stored under the step's name for later steps to read.
// Compensate undoes a completed Action; steps with no external effect may
// leave it nil.
type Step struct {
	Name        string
	Timeout     time.Duration
	MaxAttempts int
	Idempotent  bool
	Action      func(ctx context.Context, sc *Context) (any, error)
	Compensate  func(ctx context.Context, sc *Context) error
}

// StepError wraps a step failure so callers can tell which step sank the
// saga while still unwrapping to the underlying cause.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// TerminalError marks a step failure that retrying cannot change, such as
// a business decline. The engine fails the step immediately even when the
// step has attempts left.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal wraps err as non-retryable.
func Terminal(err error) error {
	return &TerminalError{Err: err}
}

// Context carries a saga's identity and accumulated state across steps.
// Result access is synchronized so the status endpoint can snapshot a saga
// while it runs.
type Context struct {
	id      uuid.UUID
	machine finitestate.Machine

	mutex      sync.RWMutex
	initial    map[string]any
	results    map[string]any
	completed  []string
	failedStep string
	failure    error
	startedAt  time.Time
	endedAt    time.Time
}

func newContext(machine finitestate.Machine, initial map[string]any) (*Context, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate saga id: %w", err)
	}
	if initial == nil {
		initial = map[string]any{}
	}
	return &Context{
		id:        id,
		machine:   machine,
		initial:   initial,
		results:   make(map[string]any),
		startedAt: time.Now(),
	}, nil
}

// ID returns the saga's unique identifier.
func (c *Context) ID() uuid.UUID {
	return c.id
}

// Status returns the saga's current lifecycle state.
func (c *Context) Status() string {
	return c.machine.GetState()
}

// Initial returns the input value stored under key when the saga started.
func (c *Context) Initial(key string) (any, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	v, ok := c.initial[key]
	return v, ok
}

// Result returns the stored result of a completed step.
func (c *Context) Result(step string) (any, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	v, ok := c.results[step]
	return v, ok
}

// Completed returns the names of steps that completed, in execution order.
func (c *Context) Completed() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make([]string, len(c.completed))
	copy(out, c.completed)
	return out
}

// FailedStep returns the name of the step that failed, empty if none.
func (c *Context) FailedStep() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.failedStep
}

// Err returns the failure that terminated the saga, nil on success or
// while still running.
func (c *Context) Err() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.failure
}

func (c *Context) recordResult(step string, result any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if result != nil {
		c.results[step] = result
	}
	c.completed = append(c.completed, step)
}

func (c *Context) recordFailure(step string, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.failedStep = step
	c.failure = err
}

func (c *Context) recordEnd() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.endedAt = time.Now()
}

// Snapshot is the externally visible view of a saga, served by the saga
// status endpoint.
type Snapshot struct {
	ID         string     `json:"saga_id"`
	Status     string     `json:"status"`
	Completed  []string   `json:"completed_steps"`
	FailedStep string     `json:"failed_step,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Snapshot returns a point-in-time view of the saga, safe to call while it
// runs.
func (c *Context) Snapshot() Snapshot {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	snap := Snapshot{
		ID:        c.id.String(),
		Status:    c.machine.GetState(),
		Completed: append([]string(nil), c.completed...),
		StartedAt: c.startedAt,
	}
	snap.FailedStep = c.failedStep
	if c.failure != nil {
		snap.Error = c.failure.Error()
	}
	if !c.endedAt.IsZero() {
		ended := c.endedAt
		snap.EndedAt = &ended
	}
	return snap
}

// logger builds a saga-scoped logger from a base logger.
func (c *Context) logger(base *slog.Logger) *slog.Logger {
	return base.With("saga_id", c.id.String())
}
