package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/parley/pkg/errorsx"
)

var (
	ErrInvalidState = errorsx.New(errorsx.ReasonInvalidState, "runner already started")
	ErrDrainTimeout = errorsx.New(errorsx.ReasonUnknown, "drain did not finish in time")
)

// LifecycleRunner starts a session once, keeps the process alive until
// the caller's context ends or Stop is called, then drains with a deadline.
type LifecycleRunner struct {
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	state   State
	stopped chan struct{} // closed by the first Stop
	done    chan struct{} // closed once draining is over
	stopErr error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		log:     slog.Default(),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !r.transition(StateNew, StateStarting) {
		return ErrInvalidState
	}
	PrintBanner(BannerOutput)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopped:
			cancel()
		case <-runCtx.Done():
		}
	}()

	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(runCtx); err != nil {
			r.log.Error("lifecycle_start_failed", "error", err)
			_ = r.Stop()
			return err
		}
	}
	r.transition(StateStarting, StateRunning)
	<-runCtx.Done()
	return r.Stop()
}

// Stop drains once; later calls wait for that drain and return its result.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	first := r.state != StateDraining && r.state != StateStopped
	if first {
		r.state = StateDraining
		close(r.stopped)
	}
	r.mu.Unlock()

	if first {
		r.stopErr = r.drain()
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.mu.Lock()
		r.state = StateStopped
		r.mu.Unlock()
		close(r.done)
	}
	<-r.done
	return r.stopErr
}

func (r *LifecycleRunner) drain() error {
	if r.drainer == nil {
		return nil
	}
	result := make(chan error, 1)
	go func() { result <- r.drainer.Drain() }()
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		r.log.Warn("lifecycle_drain_timeout", "timeout", r.timeout)
		return ErrDrainTimeout
	}
}

func (r *LifecycleRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *LifecycleRunner) transition(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	return true
}
