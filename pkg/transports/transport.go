package transports

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/parley/pkg/errorsx"
)

var ErrClosed = errorsx.New(errorsx.ReasonTransportLost, "transport closed")

type MessageKind int

const (
	MessageText MessageKind = iota
	MessageBinary
)

func (k MessageKind) String() string {
	if k == MessageBinary {
		return "binary"
	}
	return "text"
}

// Message is one raw inbound unit from the peer, before classification.
type Message struct {
	Kind     MessageKind
	Data     []byte
	Received time.Time
	// Seq is set when the transport knows the peer's sequence for binary payloads.
	Seq    uint64
	HasSeq bool
}

// Handler receives inbound messages in arrival order. It must not block.
type Handler func(Message)

// Transport defines the outbound/inbound boundary to the remote AI backend.
// Send preserves order and is safe for concurrent use; a failed Send wraps
// errorsx.ReasonTransportLost. After Close no audio is sent or delivered.
type Transport interface {
	Name() string
	Open(ctx context.Context) error
	Send(chunk []byte) error
	OnMessage(h Handler)
	Close() error
}

// Flusher marks the end of a user utterance.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Liveness reports connection-level loss for transports that hold a connection.
type Liveness interface {
	Done() <-chan struct{}
	Err() error
}

// ReadyReporter allows transports to expose readiness metadata (e.g. negotiated codec).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

// TextMessage marshals v as a JSON text message.
func TextMessage(v any) Message {
	data, _ := json.Marshal(v)
	return Message{Kind: MessageText, Data: data, Received: time.Now()}
}

// BinaryMessage wraps an audio payload.
func BinaryMessage(data []byte) Message {
	return Message{Kind: MessageBinary, Data: data, Received: time.Now()}
}

// Inbox stores the registered handler and delivers to it. The zero value drops messages.
type Inbox struct {
	h atomic.Value
}

func (i *Inbox) OnMessage(h Handler) {
	i.h.Store(h)
}

func (i *Inbox) Deliver(m Message) {
	if m.Received.IsZero() {
		m.Received = time.Now()
	}
	if h, ok := i.h.Load().(Handler); ok && h != nil {
		h(m)
	}
}

// Lifeline implements Liveness. Fail records the first cause only.
type Lifeline struct {
	once sync.Once
	mu   sync.Mutex
	done chan struct{}
	err  error
}

func (l *Lifeline) init() {
	l.mu.Lock()
	if l.done == nil {
		l.done = make(chan struct{})
	}
	l.mu.Unlock()
}

func (l *Lifeline) Done() <-chan struct{} {
	l.init()
	return l.done
}

func (l *Lifeline) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Lifeline) Fail(err error) {
	l.init()
	l.once.Do(func() {
		l.mu.Lock()
		l.err = errorsx.Wrap(err, errorsx.ReasonTransportLost)
		l.mu.Unlock()
		close(l.done)
	})
}
