// Package priority is the two-lane queue feeding the session loop: user
// commands on the high lane, peer events on the low lane.
package priority

import (
	"context"
	"sync"
	"sync/atomic"
)

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
	Dropped  int64
}

type Queue interface {
	TryPushHigh(v any) bool
	PushHigh(ctx context.Context, v any) error
	PushLow(v any) bool
	Pop(ctx context.Context) (any, error)
	Close()
	Stats() Stats
}

// PriorityQueue serves the high lane first. The low lane is unbounded up to
// lowCap so peer events are never reordered; beyond that they are dropped.
// After fairness consecutive high pops one pending low item is served.
type PriorityQueue struct {
	high     chan any
	fairness int
	lowCap   int

	mu      sync.Mutex
	low     []any
	streak  int
	closed  bool
	signal  chan struct{}
	closeCh chan struct{}
	once    sync.Once

	highPush int64
	lowPush  int64
	highPop  int64
	lowPop   int64
	dropped  int64
}

func New(highCap, lowCap, fairness int) *PriorityQueue {
	if highCap <= 0 {
		highCap = 64
	}
	if lowCap <= 0 {
		lowCap = 4096
	}
	if fairness <= 0 {
		fairness = 3
	}
	return &PriorityQueue{
		high:     make(chan any, highCap),
		lowCap:   lowCap,
		fairness: fairness,
		signal:   make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

func (q *PriorityQueue) TryPushHigh(v any) bool {
	if q.isClosed() {
		return false
	}
	select {
	case q.high <- v:
		atomic.AddInt64(&q.highPush, 1)
		return true
	default:
		return false
	}
}

func (q *PriorityQueue) PushHigh(ctx context.Context, v any) error {
	if q.isClosed() {
		return ErrClosed
	}
	select {
	case q.high <- v:
		atomic.AddInt64(&q.highPush, 1)
		return nil
	case <-q.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushLow never blocks; it reports false when the queue is closed or full.
func (q *PriorityQueue) PushLow(v any) bool {
	q.mu.Lock()
	if q.closed || len(q.low) >= q.lowCap {
		if !q.closed {
			atomic.AddInt64(&q.dropped, 1)
		}
		q.mu.Unlock()
		return false
	}
	q.low = append(q.low, v)
	q.mu.Unlock()
	atomic.AddInt64(&q.lowPush, 1)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *PriorityQueue) popLow() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.low) == 0 {
		return nil, false
	}
	v := q.low[0]
	q.low[0] = nil
	q.low = q.low[1:]
	q.streak = 0
	atomic.AddInt64(&q.lowPop, 1)
	return v, true
}

func (q *PriorityQueue) lowPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.low) > 0
}

// Pop blocks until an item is available, the queue is closed, or ctx is done.
func (q *PriorityQueue) Pop(ctx context.Context) (any, error) {
	for {
		if q.streakExhausted() {
			if v, ok := q.popLow(); ok {
				return v, nil
			}
		}
		select {
		case v := <-q.high:
			q.bumpStreak()
			atomic.AddInt64(&q.highPop, 1)
			return v, nil
		default:
		}
		if v, ok := q.popLow(); ok {
			return v, nil
		}
		select {
		case v := <-q.high:
			q.bumpStreak()
			atomic.AddInt64(&q.highPop, 1)
			return v, nil
		case <-q.signal:
		case <-q.closeCh:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *PriorityQueue) streakExhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.streak >= q.fairness && len(q.low) > 0
}

func (q *PriorityQueue) bumpStreak() {
	q.mu.Lock()
	if len(q.low) > 0 {
		q.streak++
	}
	q.mu.Unlock()
}

// Close wakes pending Pops and rejects further pushes. Queued items are dropped.
func (q *PriorityQueue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.low = nil
		q.mu.Unlock()
		close(q.closeCh)
	})
}

func (q *PriorityQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *PriorityQueue) Len() (high, low int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high), len(q.low)
}

func (q *PriorityQueue) Stats() Stats {
	return Stats{
		HighPush: atomic.LoadInt64(&q.highPush),
		LowPush:  atomic.LoadInt64(&q.lowPush),
		HighPop:  atomic.LoadInt64(&q.highPop),
		LowPop:   atomic.LoadInt64(&q.lowPop),
		Dropped:  atomic.LoadInt64(&q.dropped),
	}
}

var _ Queue = (*PriorityQueue)(nil)
