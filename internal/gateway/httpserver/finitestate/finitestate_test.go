package finitestate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMachine(t *testing.T) Machine {
	t.Helper()
	machine, err := New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, err)
	return machine
}

func TestNewStartsNew(t *testing.T) {
	t.Parallel()
	machine := newMachine(t)
	assert.Equal(t, StatusNew, machine.GetState())
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()
	machine := newMachine(t)

	require.NoError(t, machine.Transition(StatusBooting))
	require.NoError(t, machine.Transition(StatusRunning))
	require.NoError(t, machine.Transition(StatusStopping))
	require.NoError(t, machine.Transition(StatusStopped))

	// A stopped runner may boot again under supervisor restart.
	require.NoError(t, machine.Transition(StatusBooting))

	// Running cannot jump straight to stopped.
	require.NoError(t, machine.Transition(StatusRunning))
	assert.Error(t, machine.Transition(StatusStopped))
}

func TestGetStateChanEmitsTransitions(t *testing.T) {
	t.Parallel()
	machine := newMachine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := machine.GetStateChan(ctx)

	require.NoError(t, machine.Transition(StatusBooting))
	require.NoError(t, machine.Transition(StatusRunning))

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[StatusRunning] {
		select {
		case state := <-states:
			seen[state] = true
		case <-deadline:
			t.Fatalf("never observed running state, saw %v", seen)
		}
	}
	assert.True(t, seen[StatusBooting])
}
