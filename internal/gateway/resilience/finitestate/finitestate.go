// Package finitestate provides the finite state machine tracking a circuit
// breaker's lifecycle.
//
// Breaker lifecycle:
//  1. Closed - calls pass through, outcomes sampled into the rolling window
//  2. Open - calls rejected immediately until the open timeout elapses
//  3. HalfOpen - calls pass through while the breaker probes for recovery
package finitestate

import (
	"context"
	"log/slog"

	"github.com/robbyt/go-fsm/v2"
	"github.com/robbyt/go-fsm/v2/hooks"
	"github.com/robbyt/go-fsm/v2/transitions"
)

// Breaker state constants
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Transitions defines the valid breaker state transitions. The closed
// transition out of open exists only for operator resets.
var Transitions = map[string][]string{
	StateClosed:   {StateOpen},
	StateOpen:     {StateHalfOpen, StateClosed},
	StateHalfOpen: {StateClosed, StateOpen},
}

// Machine defines the interface for the finite state machine that tracks
// breaker states. The abstraction keeps the breaker testable against a
// stub machine.
type Machine interface {
	// Transition attempts to transition the state machine to the specified state.
	Transition(state string) error

	// TransitionIfCurrentState attempts the transition only from the given current state.
	TransitionIfCurrentState(currentState, newState string) error

	// SetState sets the state of the state machine to the specified state.
	SetState(state string) error

	// GetState returns the current state of the state machine.
	GetState() string

	// GetStateChan returns a channel that emits the state whenever it changes.
	// The channel is closed when the provided context is canceled.
	GetStateChan(ctx context.Context) <-chan string
}

// stateChanBuffer absorbs bursts of transitions between reads so the
// machine never blocks on a slow subscriber.
const stateChanBuffer = 8

// breakerFSM embeds fsm.Machine and adapts GetStateChan to the
// channel-returning shape the Machine interface exposes.
type breakerFSM struct {
	*fsm.Machine
}

// GetStateChan subscribes a fresh channel to the machine's state broadcasts.
func (m *breakerFSM) GetStateChan(ctx context.Context) <-chan string {
	ch := make(chan string, stateChanBuffer)
	if err := m.Machine.GetStateChan(ctx, ch); err != nil {
		close(ch)
	}
	return ch
}

// New creates a breaker state machine starting in the closed state.
func New(handler slog.Handler) (Machine, error) {
	trans, err := transitions.New(Transitions)
	if err != nil {
		return nil, err
	}
	// GetStateChan requires a hook registry aware of the transitions.
	registry, err := hooks.NewRegistry(
		hooks.WithLogHandler(handler),
		hooks.WithTransitions(trans),
	)
	if err != nil {
		return nil, err
	}
	machine, err := fsm.New(StateClosed, trans,
		fsm.WithLogHandler(handler),
		fsm.WithCallbackRegistry(registry),
	)
	if err != nil {
		return nil, err
	}
	return &breakerFSM{Machine: machine}, nil
}
