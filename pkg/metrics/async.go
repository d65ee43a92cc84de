package metrics

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// AsyncObserver hands events to a slower observer on its own goroutine so
// the session loop never blocks on disk. When the buffer is full the event
// is dropped and counted.
type AsyncObserver struct {
	inner Observer
	log   *slog.Logger

	mu      sync.RWMutex // guards ch against close during send
	ch      chan MetricsEvent
	closed  bool
	dropped atomic.Int64
	wg      sync.WaitGroup
}

func NewAsyncObserver(inner Observer, buffer int, log *slog.Logger) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	a := &AsyncObserver{inner: inner, log: log, ch: make(chan MetricsEvent, buffer)}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for ev := range a.ch {
			a.inner.RecordEvent(ev)
		}
	}()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops intake and returns once buffered events have been delivered.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	a.wg.Wait()
	if n := a.dropped.Load(); n > 0 {
		a.log.Warn("metrics_events_dropped", "count", n)
	}
}
