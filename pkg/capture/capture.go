package capture

import (
	"context"
	"io"
	"time"

	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/errorsx"
)

// MaxChunkInterval bounds how long captured audio may sit in the recorder
// before it is handed to the transport.
const MaxChunkInterval = 300 * time.Millisecond

var (
	ErrPermissionDenied  = errorsx.New(errorsx.ReasonPermissionDenied, "microphone access denied")
	ErrDeviceUnavailable = errorsx.New(errorsx.ReasonDeviceUnavailable, "no audio input device available")
	ErrReleased          = errorsx.New(errorsx.ReasonInvalidState, "recorder released")
)

type RecordingState int

const (
	StateIdle RecordingState = iota
	StateRecording
	StateStopped
)

func (s RecordingState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Device opens an exclusive input stream of PCM16LE audio in the requested
// format. Open must fail with ErrPermissionDenied or ErrDeviceUnavailable
// (possibly wrapped) when the input cannot be acquired.
type Device interface {
	Name() string
	Open(ctx context.Context, format audio.Format) (io.ReadCloser, error)
}

// Source is the capture capability the session depends on.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Release() error
	Chunks() <-chan []byte
	State() RecordingState
	Err() error
}
