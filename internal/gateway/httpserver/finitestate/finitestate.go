// Package finitestate provides the finite state machine tracking the HTTP
// server runner's lifecycle.
//
// Server lifecycle:
//  1. New - runner constructed, not yet started
//  2. Booting - listener binding in progress
//  3. Running - accepting connections
//  4. Stopping - draining in-flight requests
//  5. Stopped - fully shut down (terminal unless restarted)
//  6. Error - a fatal serve or bind failure occurred
package finitestate

import (
	"context"
	"log/slog"

	"github.com/robbyt/go-fsm/v2"
	"github.com/robbyt/go-fsm/v2/hooks"
	"github.com/robbyt/go-fsm/v2/transitions"
)

// Server state constants
const (
	StatusNew      = "new"
	StatusBooting  = "booting"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// Transitions defines the valid server state transitions. A stopped runner
// may boot again so the supervisor can restart it.
var Transitions = map[string][]string{
	StatusNew:      {StatusBooting, StatusError},
	StatusBooting:  {StatusRunning, StatusStopping, StatusError},
	StatusRunning:  {StatusStopping, StatusError},
	StatusStopping: {StatusStopped, StatusError},
	StatusStopped:  {StatusBooting},
	StatusError:    {StatusBooting},
}

// Machine defines the interface for the finite state machine that tracks
// server states.
type Machine interface {
	// Transition attempts to transition the state machine to the specified state.
	Transition(state string) error

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

// serverFSM embeds fsm.Machine and adapts GetStateChan to the
// channel-returning shape the Machine interface exposes.
type serverFSM struct {
	*fsm.Machine
}

// GetStateChan subscribes a fresh channel to the machine's state broadcasts.
func (m *serverFSM) GetStateChan(ctx context.Context) <-chan string {
	ch := make(chan string, stateChanBuffer)
	if err := m.Machine.GetStateChan(ctx, ch); err != nil {
		close(ch)
	}
	return ch
}

// New creates a server state machine starting in the new state.
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
	machine, err := fsm.New(StatusNew, trans,
		fsm.WithLogHandler(handler),
		fsm.WithCallbackRegistry(registry),
	)
	if err != nil {
		return nil, err
	}
	return &serverFSM{Machine: machine}, nil
}
