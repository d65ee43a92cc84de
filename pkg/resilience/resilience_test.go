package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	boom := errors.New("401 unauthorized")
	err := NewRetryPolicy(3, time.Millisecond).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(boom)
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected single permanent failure, got %v after %d calls", err, calls)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(2, time.Millisecond).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got %v after %d", err, calls)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := NewRetryPolicy(5, time.Hour).Do(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("refused")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one attempt before ctx abort, got %d (%v)", calls, err)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	now := time.Unix(1000, 0)
	cb.now = func() time.Time { return now }

	fail := func() error { return errors.New("502") }
	_ = cb.Execute(fail)
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed after one failure")
	}
	_ = cb.Execute(fail)
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	now = now.Add(2 * time.Minute)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %v", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected recovery after cooldown, got %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed after a good probe")
	}
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	now := time.Unix(1000, 0)
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errors.New("502") })
	now = now.Add(time.Minute)

	entered := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- cb.Execute(func() error {
			close(entered)
			<-release
			return errors.New("still 502")
		})
	}()
	<-entered
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second call should be rejected while the probe runs, got %v", err)
	}
	close(release)
	<-probeDone
	if cb.State() != BreakerOpen {
		t.Fatalf("failed probe must reopen, got %v", cb.State())
	}
}

func TestCircuitBreakerRateLimitHonoursRetryAfter(t *testing.T) {
	cb := NewCircuitBreaker(5, time.Second)
	now := time.Unix(1000, 0)
	cb.now = func() time.Time { return now }

	err := cb.Execute(func() error { return RateLimitError{Endpoint: "/get-ai-response", RetryAfter: time.Minute} })
	if !IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	now = now.Add(30 * time.Second)
	if cb.State() != BreakerOpen {
		t.Fatalf("expected open until Retry-After elapses")
	}
	now = now.Add(31 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after Retry-After")
	}
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	_ = cb.Execute(func() error { return context.Canceled })
	if cb.State() != BreakerClosed {
		t.Fatalf("cancellation must not trip the breaker")
	}
}
