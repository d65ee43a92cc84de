package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type drainFunc func() error

func (f drainFunc) Drain() error { return f() }

func init() { BannerOutput = nil }

func TestRunDrainsOnCancel(t *testing.T) {
	var drained, stopped atomic.Bool
	r := NewLifecycleRunner(drainFunc(func() error {
		drained.Store(true)
		return nil
	}), Hooks{OnStop: func() { stopped.Store(true) }}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !drained.Load() || !stopped.Load() {
		t.Fatalf("expected drain and stop hook")
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second run must fail, got %v", err)
	}
}

func TestRunAbortsWhenStartFails(t *testing.T) {
	boom := errors.New("no microphone")
	r := NewLifecycleRunner(nil, Hooks{OnStart: func(context.Context) error { return boom }}, time.Second)
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(drainFunc(func() error {
		<-block
		return nil
	}), Hooks{}, 20*time.Millisecond)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}
