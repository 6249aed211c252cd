package saga

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlanticdynamic/storegate/internal/logging"
	"github.com/atlanticdynamic/storegate/internal/saga/finitestate"
)

// noSleep makes retry backoff instantaneous in tests.
func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func recordingStep(name string, trace *[]string, fail error) Step {
	return Step{
		Name: name,
		Action: func(_ context.Context, _ *Context) (any, error) {
			*trace = append(*trace, "action:"+name)
			if fail != nil {
				return nil, fail
			}
			return name + "-result", nil
		},
		Compensate: func(_ context.Context, _ *Context) error {
			*trace = append(*trace, "compensate:"+name)
			return nil
		},
	}
}

func TestEngineExecuteHappyPath(t *testing.T) {
	t.Parallel()

	var trace []string
	engine, err := NewEngine("test", []Step{
		recordingStep("one", &trace, nil),
		recordingStep("two", &trace, nil),
		recordingStep("three", &trace, nil),
	}, nil, WithSleep(noSleep))
	require.NoError(t, err)

	sc, err := engine.Execute(t.Context(), map[string]any{"user_id": "u1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"action:one", "action:two", "action:three"}, trace)
	assert.Equal(t, finitestate.StateCompleted, sc.Status())
	assert.Equal(t, []string{"one", "two", "three"}, sc.Completed())
	assert.Empty(t, sc.FailedStep())
	require.NoError(t, sc.Err())

	result, ok := sc.Result("two")
	require.True(t, ok)
	assert.Equal(t, "two-result", result)

	initial, ok := sc.Initial("user_id")
	require.True(t, ok)
	assert.Equal(t, "u1", initial)
}

func TestEngineCompensatesInReverseOrder(t *testing.T) {
	t.Parallel()

	boom := errors.New("downstream exploded")
	var trace []string
	engine, err := NewEngine("test", []Step{
		recordingStep("one", &trace, nil),
		recordingStep("two", &trace, nil),
		recordingStep("three", &trace, boom),
		recordingStep("four", &trace, nil),
	}, nil, WithSleep(noSleep))
	require.NoError(t, err)

	sc, err := engine.Execute(t.Context(), nil)
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "three", stepErr.Step)
	assert.ErrorIs(t, err, boom)

	// The failed step is never compensated, only the steps that completed
	// before it, newest first. Step four never runs.
	assert.Equal(t, []string{
		"action:one", "action:two", "action:three",
		"compensate:two", "compensate:one",
	}, trace)
	assert.Equal(t, finitestate.StateFailed, sc.Status())
	assert.Equal(t, "three", sc.FailedStep())
}

func TestEngineFirstStepFailureSkipsCompensation(t *testing.T) {
	t.Parallel()

	var trace []string
	engine, err := NewEngine("test", []Step{
		recordingStep("one", &trace, errors.New("no")),
		recordingStep("two", &trace, nil),
	}, nil, WithSleep(noSleep))
	require.NoError(t, err)

	sc, err := engine.Execute(t.Context(), nil)
	require.Error(t, err)
	assert.Equal(t, []string{"action:one"}, trace)
	assert.Equal(t, finitestate.StateFailed, sc.Status())
}

func TestEngineSkipsNilCompensation(t *testing.T) {
	t.Parallel()

	var compensated []string
	engine, err := NewEngine("test", []Step{
		{
			Name:   "readonly",
			Action: func(context.Context, *Context) (any, error) { return nil, nil },
		},
		{
			Name:   "write",
			Action: func(context.Context, *Context) (any, error) { return nil, nil },
			Compensate: func(context.Context, *Context) error {
				compensated = append(compensated, "write")
				return nil
			},
		},
		{
			Name:   "fails",
			Action: func(context.Context, *Context) (any, error) { return nil, errors.New("no") },
		},
	}, nil, WithSleep(noSleep))
	require.NoError(t, err)

	_, err = engine.Execute(t.Context(), nil)
	require.Error(t, err)
	assert.Equal(t, []string{"write"}, compensated)
}

func TestEngineCompensationFailureDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	var compensated []string
	step := func(name string, compErr error) Step {
		return Step{
			Name:   name,
			Action: func(context.Context, *Context) (any, error) { return nil, nil },
			Compensate: func(context.Context, *Context) error {
				compensated = append(compensated, name)
				return compErr
			},
		}
	}

	engine, err := NewEngine("test", []Step{
		step("one", nil),
		step("two", errors.New("compensation broke")),
		{
			Name:   "fails",
			Action: func(context.Context, *Context) (any, error) { return nil, errors.New("no") },
		},
	}, nil, WithSleep(noSleep))
	require.NoError(t, err)

	sc, err := engine.Execute(t.Context(), nil)
	require.Error(t, err)

	assert.Equal(t, []string{"two", "one"}, compensated)
	assert.Equal(t, finitestate.StateFailed, sc.Status())
}

func TestEngineRetriesIdempotentSteps(t *testing.T) {
	t.Parallel()

	calls := 0
	engine, err := NewEngine("test", []Step{
		{
			Name:        "flaky",
			Idempotent:  true,
			MaxAttempts: 3,
			Action: func(context.Context, *Context) (any, error) {
				calls++
				if calls < 3 {
					return nil, errors.New("transient")
				}
				return "ok", nil
			},
		},
	}, nil, WithSleep(noSleep))
	require.NoError(t, err)

	sc, err := engine.Execute(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, finitestate.StateCompleted, sc.Status())
}

func TestEngineNeverRetriesNonIdempotentSteps(t *testing.T) {
	t.Parallel()

	calls := 0
	engine, err := NewEngine("test", []Step{
		{
			Name:        "charge",
			MaxAttempts: 3,
			Action: func(context.Context, *Context) (any, error) {
				calls++
				return nil, errors.New("transient")
			},
		},
	}, nil, WithSleep(noSleep))
	require.NoError(t, err)

	_, err = engine.Execute(t.Context(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestEngineTerminalErrorSkipsRemainingAttempts(t *testing.T) {
	t.Parallel()

	declined := errors.New("declined")
	calls := 0
	engine, err := NewEngine("test", []Step{
		{
			Name:        "score",
			Idempotent:  true,
			MaxAttempts: 3,
			Action: func(context.Context, *Context) (any, error) {
				calls++
				return nil, Terminal(declined)
			},
		},
	}, nil, WithSleep(noSleep))
	require.NoError(t, err)

	_, err = engine.Execute(t.Context(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, declined)
	assert.Equal(t, 1, calls)
}

func TestEngineSurvivesCallerCancelation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	var trace []string
	engine, err := NewEngine("test", []Step{
		{
			Name: "one",
			Action: func(context.Context, *Context) (any, error) {
				trace = append(trace, "one")
				// Client disconnects while the saga is mid-flight.
				cancel()
				return nil, nil
			},
		},
		{
			Name: "two",
			Action: func(stepCtx context.Context, _ *Context) (any, error) {
				trace = append(trace, "two")
				require.NoError(t, stepCtx.Err())
				// The original time budget still applies.
				_, hasDeadline := stepCtx.Deadline()
				assert.True(t, hasDeadline)
				return nil, nil
			},
		},
	}, nil, WithSleep(noSleep))
	require.NoError(t, err)

	sc, err := engine.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, trace)
	assert.Equal(t, finitestate.StateCompleted, sc.Status())
}

func TestEngineStepTimeout(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine("test", []Step{
		{
			Name:    "slow",
			Timeout: 20 * time.Millisecond,
			Action: func(ctx context.Context, _ *Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	}, nil, WithSleep(noSleep))
	require.NoError(t, err)

	sc, err := engine.Execute(t.Context(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, finitestate.StateFailed, sc.Status())
}

func TestEngineStoresSagaInRegistry(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	engine, err := NewEngine("test", []Step{
		{
			Name:   "one",
			Action: func(context.Context, *Context) (any, error) { return "r1", nil },
		},
	}, registry, WithSleep(noSleep))
	require.NoError(t, err)

	sc, err := engine.Execute(t.Context(), nil)
	require.NoError(t, err)

	stored, ok := registry.Get(sc.ID().String())
	require.True(t, ok)
	assert.Same(t, sc, stored)
	assert.Equal(t, 1, registry.Len())

	_, ok = registry.Get("nope")
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine("test", []Step{
		{
			Name:   "one",
			Action: func(context.Context, *Context) (any, error) { return nil, nil },
		},
		{
			Name:   "two",
			Action: func(context.Context, *Context) (any, error) { return nil, errors.New("no") },
		},
	}, nil, WithSleep(noSleep))
	require.NoError(t, err)

	sc, err := engine.Execute(t.Context(), nil)
	require.Error(t, err)

	snap := sc.Snapshot()
	assert.Equal(t, sc.ID().String(), snap.ID)
	assert.Equal(t, finitestate.StateFailed, snap.Status)
	assert.Equal(t, []string{"one"}, snap.Completed)
	assert.Equal(t, "two", snap.FailedStep)
	assert.Contains(t, snap.Error, "no")
	assert.False(t, snap.StartedAt.IsZero())
	require.NotNil(t, snap.EndedAt)
	assert.False(t, snap.EndedAt.IsZero())
}

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	action := func(context.Context, *Context) (any, error) { return nil, nil }

	_, err := NewEngine("empty", nil, nil)
	assert.Error(t, err)

	_, err = NewEngine("unnamed", []Step{{Action: action}}, nil)
	assert.Error(t, err)

	_, err = NewEngine("no-action", []Step{{Name: "x"}}, nil)
	assert.Error(t, err)

	_, err = NewEngine("dup", []Step{
		{Name: "x", Action: action},
		{Name: "x", Action: action},
	}, nil)
	assert.Error(t, err)
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, finitestate.Terminal(finitestate.StateCompleted))
	assert.True(t, finitestate.Terminal(finitestate.StateFailed))
	assert.False(t, finitestate.Terminal(finitestate.StateRunning))
	assert.False(t, finitestate.Terminal(finitestate.StatePending))
	assert.False(t, finitestate.Terminal(finitestate.StateCompensating))
}

func TestEngineLogsCarryRequestLogger(t *testing.T) {
	t.Parallel()

	boom := errors.New("downstream exploded")
	var trace []string
	engine, err := NewEngine("test", []Step{
		recordingStep("one", &trace, nil),
		recordingStep("two", &trace, boom),
	}, nil, WithSleep(noSleep))
	require.NoError(t, err)

	var buf bytes.Buffer
	requestLogger := slog.New(slog.NewTextHandler(&buf, nil)).With("correlation_id", "corr-123")
	ctx := logging.WithContext(t.Context(), requestLogger)

	_, err = engine.Execute(ctx, nil)
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, "saga started")
	assert.Contains(t, out, "saga step failed")
	assert.Contains(t, out, "compensated saga step")
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.Contains(t, line, "correlation_id=corr-123")
		assert.Contains(t, line, "saga_id=")
	}
}
