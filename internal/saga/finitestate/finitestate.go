// Package finitestate provides the finite state machine tracking a saga's
// lifecycle.
//
// Saga lifecycle:
//  1. Pending - saga created, no step executed yet
//  2. Running - steps executing in order
//  3. Completed - all steps succeeded (terminal)
//  4. Compensating - a step failed, completed steps are being undone
//  5. Failed - compensation finished, saga did not take effect (terminal)
package finitestate

import (
	"context"
	"log/slog"

	"github.com/robbyt/go-fsm/v2"
	"github.com/robbyt/go-fsm/v2/hooks"
	"github.com/robbyt/go-fsm/v2/transitions"
)

// Saga state constants
const (
	StatePending      = "pending"
	StateRunning      = "running"
	StateCompensating = "compensating"
	StateCompleted    = "completed"
	StateFailed       = "failed"
)

// Transitions defines the valid saga state transitions. A saga that fails
// before any step completes skips compensation and goes straight to failed.
var Transitions = map[string][]string{
	StatePending:      {StateRunning},
	StateRunning:      {StateCompleted, StateCompensating, StateFailed},
	StateCompensating: {StateFailed},
	StateCompleted:    {},
	StateFailed:       {},
}

// Terminal reports whether the state is a terminal saga state.
func Terminal(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// Machine defines the interface for the finite state machine that tracks
// saga states.
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

// sagaFSM embeds fsm.Machine and adapts GetStateChan to the
// channel-returning shape the Machine interface exposes.
type sagaFSM struct {
	*fsm.Machine
}

// GetStateChan subscribes a fresh channel to the machine's state broadcasts.
func (m *sagaFSM) GetStateChan(ctx context.Context) <-chan string {
	ch := make(chan string, stateChanBuffer)
	if err := m.Machine.GetStateChan(ctx, ch); err != nil {
		close(ch)
	}
	return ch
}

// New creates a saga state machine starting in the pending state.
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
	machine, err := fsm.New(StatePending, trans,
		fsm.WithLogHandler(handler),
		fsm.WithCallbackRegistry(registry),
	)
	if err != nil {
		return nil, err
	}
	return &sagaFSM{Machine: machine}, nil
}
