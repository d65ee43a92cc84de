// Package playback turns out-of-order synthesized audio chunks into gapless,
// in-order output on a single audio device.
package playback

import (
	"context"
	"strings"
	"sync"

	"github.com/harunnryd/parley/pkg/errorsx"
)

// Encoding names the byte format of inbound speech.
type Encoding string

const (
	EncodingMP3   Encoding = "mp3"
	EncodingS16LE Encoding = "s16le"
	EncodingMulaw Encoding = "mulaw"
)

func ParseEncoding(v string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(v))); e {
	case EncodingMP3, EncodingS16LE, EncodingMulaw:
		return e, nil
	case "":
		return EncodingMP3, nil
	default:
		return "", errorsx.Newf(errorsx.ReasonConfigInvalid, "unsupported playback format %q", v)
	}
}

// Stream describes what an Engine is fed.
type Stream struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

func (s Stream) WithDefaults() Stream {
	if s.Encoding == "" {
		s.Encoding = EncodingMP3
	}
	if s.SampleRate <= 0 {
		s.SampleRate = 24000
	}
	if s.Channels <= 0 {
		s.Channels = 1
	}
	return s
}

// Engine is the exclusively-held output device. Append returns once the
// engine is ready for more data; it must honour ctx cancellation.
type Engine interface {
	Append(ctx context.Context, data []byte) error
	Close() error
}

// MemoryEngine collects appended audio. Used headless and in tests.
type MemoryEngine struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
	// Gate, when set, is received from before each append completes.
	Gate chan struct{}
}

func (m *MemoryEngine) Append(ctx context.Context, data []byte) error {
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errorsx.New(errorsx.ReasonInvalidState, "engine closed")
	}
	m.chunks = append(m.chunks, append([]byte(nil), data...))
	return nil
}

func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryEngine) Chunks() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.chunks...)
}

func (m *MemoryEngine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
