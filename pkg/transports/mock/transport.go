package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/transports"
)

// Transport is an in-memory transport for local testing and integration.
// It implements transports.Transport, Flusher and Liveness without any network dependency.
type Transport struct {
	transports.Inbox
	transports.Lifeline

	mu      sync.Mutex
	sent    [][]byte
	flushes int
	opened  atomic.Bool
	closed  atomic.Bool

	// OpenErr and SendErr inject failures.
	OpenErr error
	SendErr error
}

func New() *Transport {
	return &Transport{}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Open(ctx context.Context) error {
	if t.OpenErr != nil {
		return errorsx.Wrap(t.OpenErr, errorsx.ReasonConnectionFailed)
	}
	t.opened.Store(true)
	return nil
}

func (t *Transport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *Transport) Send(chunk []byte) error {
	if t.closed.Load() {
		return transports.ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		err := errorsx.Wrap(t.SendErr, errorsx.ReasonTransportLost)
		t.Fail(err)
		return err
	}
	t.sent = append(t.sent, append([]byte(nil), chunk...))
	return nil
}

func (t *Transport) Flush(ctx context.Context) error {
	t.mu.Lock()
	t.flushes++
	t.mu.Unlock()
	return nil
}

// Push injects an inbound message as if it came from the peer.
func (t *Transport) Push(m transports.Message) {
	if t.closed.Load() {
		return
	}
	t.Deliver(m)
}

// Drop simulates a connection loss.
func (t *Transport) Drop(err error) {
	t.Fail(err)
}

// FailSends makes every later Send fail.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	t.SendErr = err
	t.mu.Unlock()
}

// Sent returns copies of the outbound chunks.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *Transport) Flushes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushes
}

func (t *Transport) Opened() bool { return t.opened.Load() }
func (t *Transport) Closed() bool { return t.closed.Load() }

var (
	_ transports.Transport = (*Transport)(nil)
	_ transports.Flusher   = (*Transport)(nil)
	_ transports.Liveness  = (*Transport)(nil)
)
