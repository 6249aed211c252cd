// Package httpserver runs the gateway's HTTP listener as a supervised
// runnable with a finite state machine tracking its lifecycle.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/atlanticdynamic/storegate/internal/gateway/httpserver/finitestate"
)

// Interface guards
var (
	_ supervisor.Runnable  = (*Runner)(nil)
	_ supervisor.Stateable = (*Runner)(nil)
)

const (
	// DefaultDrainTimeout bounds graceful shutdown of in-flight requests.
	DefaultDrainTimeout = 30 * time.Second

	// defaultReadHeaderTimeout guards against slow-header clients holding
	// connections open indefinitely.
	defaultReadHeaderTimeout = 10 * time.Second
)

// Runner wraps an http.Server in the supervisor lifecycle. The server binds
// during boot so address conflicts surface as Run errors rather than as a
// runner that silently never serves.
type Runner struct {
	listenAddr   string
	handler      http.Handler
	drainTimeout time.Duration
	logger       *slog.Logger
	fsm          finitestate.Machine

	serverMu  sync.Mutex
	server    *http.Server
	boundAddr string

	parentCtx   context.Context
	localCtx    context.Context
	localCancel context.CancelFunc
}

// NewRunner creates an HTTP runner serving handler on listenAddr.
func NewRunner(listenAddr string, handler http.Handler, opts ...Option) (*Runner, error) {
	if listenAddr == "" {
		return nil, errors.New("listen address cannot be empty")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	r := &Runner{
		listenAddr:   listenAddr,
		handler:      handler,
		drainTimeout: DefaultDrainTimeout,
		logger:       slog.Default().WithGroup("httpserver.Runner"),
		parentCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}

	machine, err := finitestate.New(r.logger.WithGroup("fsm").Handler())
	if err != nil {
		return nil, fmt.Errorf("failed to create state machine: %w", err)
	}
	r.fsm = machine

	return r, nil
}

// String returns a unique identifier for this runner.
func (r *Runner) String() string {
	return "httpserver.Runner"
}

// Run binds the listener, serves until the context is canceled or Stop is
// called, then drains in-flight requests. It blocks for the runner's whole
// lifetime.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.fsm.Transition(finitestate.StatusBooting); err != nil {
		return fmt.Errorf("failed to transition to booting state: %w", err)
	}

	r.localCtx, r.localCancel = context.WithCancel(ctx)
	defer r.localCancel()

	listener, err := net.Listen("tcp", r.listenAddr)
	if err != nil {
		if stateErr := r.fsm.Transition(finitestate.StatusError); stateErr != nil {
			r.logger.Error("Failed to transition to error state", "error", stateErr)
		}
		return fmt.Errorf("failed to bind %s: %w", r.listenAddr, err)
	}

	server := &http.Server{
		Addr:              r.listenAddr,
		Handler:           r.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	r.serverMu.Lock()
	r.server = server
	r.boundAddr = listener.Addr().String()
	r.serverMu.Unlock()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	if err := r.fsm.Transition(finitestate.StatusRunning); err != nil {
		return fmt.Errorf("failed to transition to running state: %w", err)
	}
	r.logger.Info("HTTP server listening", "addr", listener.Addr().String())

	select {
	case err := <-serveErr:
		// Serve never returns nil; anything but ErrServerClosed here is a
		// fatal accept-loop failure.
		if stateErr := r.fsm.Transition(finitestate.StatusError); stateErr != nil {
			r.logger.Error("Failed to transition to error state", "error", stateErr)
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-r.localCtx.Done():
	case <-r.parentCtx.Done():
	}

	if err := r.fsm.Transition(finitestate.StatusStopping); err != nil {
		return fmt.Errorf("failed to transition to stopping state: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.drainTimeout)
	defer cancel()

	r.logger.Debug("Draining HTTP server", "timeout", r.drainTimeout)
	if err := server.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("HTTP server drain incomplete", "error", err)
		_ = server.Close()
	}
	<-serveErr

	r.serverMu.Lock()
	r.server = nil
	r.boundAddr = ""
	r.serverMu.Unlock()

	if err := r.fsm.Transition(finitestate.StatusStopped); err != nil {
		r.logger.Error("Failed to transition to stopped state", "error", err)
	}
	r.logger.Info("HTTP server stopped", "addr", r.listenAddr)
	return nil
}

// Stop signals Run to begin graceful shutdown.
func (r *Runner) Stop() {
	r.logger.Debug("Stopping HTTP runner")
	if r.localCancel != nil {
		r.localCancel()
	}
}

// BoundAddr returns the address the listener is bound to, or empty when the
// server is not running. Useful when listening on port 0.
func (r *Runner) BoundAddr() string {
	r.serverMu.Lock()
	defer r.serverMu.Unlock()
	return r.boundAddr
}
