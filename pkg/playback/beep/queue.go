package beep

import (
	"context"
	"sync"

	"github.com/harunnryd/parley/pkg/errorsx"
)

// sampleQueue is a bounded sample FIFO that the speaker drains. It pads with
// silence when empty so the speaker never removes it.
type sampleQueue struct {
	mu      sync.Mutex
	samples [][2]float64
	limit   int
	closed  bool
	space   chan struct{}
}

func newSampleQueue(limit int) *sampleQueue {
	if limit <= 0 {
		limit = 1
	}
	return &sampleQueue{limit: limit, space: make(chan struct{}, 1)}
}

func (q *sampleQueue) setLimit(limit int) {
	q.mu.Lock()
	if limit > 0 {
		q.limit = limit
	}
	q.mu.Unlock()
}

// push blocks while the queue is over its limit.
func (q *sampleQueue) push(ctx context.Context, s [][2]float64) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return errorsx.New(errorsx.ReasonInvalidState, "queue closed")
		}
		if len(q.samples) < q.limit {
			q.samples = append(q.samples, s...)
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()
		select {
		case <-q.space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *sampleQueue) Stream(out [][2]float64) (int, bool) {
	q.mu.Lock()
	n := copy(out, q.samples)
	q.samples = q.samples[n:]
	q.mu.Unlock()
	for i := n; i < len(out); i++ {
		out[i] = [2]float64{}
	}
	if n > 0 {
		select {
		case q.space <- struct{}{}:
		default:
		}
	}
	return len(out), true
}

func (q *sampleQueue) Err() error { return nil }

func (q *sampleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.samples)
}

func (q *sampleQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.samples = nil
	q.mu.Unlock()
	select {
	case q.space <- struct{}{}:
	default:
	}
}
