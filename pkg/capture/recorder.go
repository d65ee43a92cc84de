package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/logging"
)

type Options struct {
	Format        audio.Format
	ChunkInterval time.Duration
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	if !o.Format.Valid() {
		o.Format = audio.Format{SampleRate: 16000, Channels: 1}
	}
	if o.ChunkInterval <= 0 || o.ChunkInterval > MaxChunkInterval {
		o.ChunkInterval = MaxChunkInterval
	}
	return o
}

// Recorder turns a Device stream into fixed-cadence chunks. A recorder may be
// started again after Stop; Release ends its life.
type Recorder struct {
	device Device
	opts   Options
	log    *slog.Logger

	mu       sync.Mutex
	state    RecordingState
	released bool
	stream   io.ReadCloser
	chunks   chan []byte
	done     chan struct{}
	err      error
}

var _ Source = (*Recorder)(nil)

func NewRecorder(device Device, opts Options) *Recorder {
	opts = opts.withDefaults()
	return &Recorder{
		device: device,
		opts:   opts,
		log:    logging.NewComponentLogger(opts.Logger, "capture"),
		state:  StateIdle,
		chunks: closedChunks(),
	}
}

// Start acquires the device. On failure the state is left untouched and no
// chunk is produced.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return ErrReleased
	}
	if r.state == StateRecording {
		return nil
	}
	stream, err := r.device.Open(ctx, r.opts.Format)
	if err != nil {
		err = classifyOpenError(err)
		r.log.Warn("capture_start_failed",
			"device", r.device.Name(),
			"reason_code", errorsx.Reason(err),
			"error", err)
		return err
	}
	r.stream = stream
	r.chunks = make(chan []byte, 16)
	r.done = make(chan struct{})
	r.err = nil
	r.state = StateRecording
	go r.run(stream, r.chunks, r.done)
	r.log.Info("capture_started",
		"device", r.device.Name(),
		"sample_rate", r.opts.Format.SampleRate,
		"chunk_interval_ms", r.opts.ChunkInterval.Milliseconds())
	return nil
}

// Stop releases the device and flushes the pending partial chunk. Calling it
// when not recording is a no-op. Chunks must be drained for Stop to return.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopped
	stream, done := r.stream, r.done
	r.stream = nil
	r.mu.Unlock()

	closeErr := stream.Close()
	<-done
	r.log.Info("capture_stopped", "device", r.device.Name())
	if closeErr != nil {
		r.log.Debug("capture_close_error", "error", closeErr)
	}
	return nil
}

// Release stops capture for good.
func (r *Recorder) Release() error {
	err := r.Stop()
	r.mu.Lock()
	r.released = true
	r.mu.Unlock()
	return err
}

// Chunks returns the channel of the current recording. It is closed when the
// recording ends, either through Stop or because the device went away.
func (r *Recorder) Chunks() <-chan []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunks
}

func (r *Recorder) State() RecordingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err reports why the last recording ended on its own, if it did.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

type readResult struct {
	data []byte
	err  error
}

func (r *Recorder) run(stream io.ReadCloser, out chan<- []byte, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	chunkBytes := r.opts.Format.BytesFor(r.opts.ChunkInterval)
	reads := make(chan readResult, 4)
	go func() {
		buf := make([]byte, chunkBytes)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				reads <- readResult{data: append([]byte(nil), buf[:n]...)}
			}
			if err != nil {
				reads <- readResult{err: err}
				close(reads)
				return
			}
		}
	}()

	ticker := time.NewTicker(r.opts.ChunkInterval)
	defer ticker.Stop()

	pending := make([]byte, 0, chunkBytes*2)
	emit := func(p []byte) {
		if len(p) == 0 {
			return
		}
		out <- append([]byte(nil), p...)
	}

	for {
		select {
		case res, ok := <-reads:
			if !ok {
				emit(pending)
				return
			}
			if res.err != nil {
				emit(pending)
				pending = pending[:0]
				r.finish(res.err)
				continue
			}
			pending = append(pending, res.data...)
			for len(pending) >= chunkBytes {
				emit(pending[:chunkBytes])
				pending = append(pending[:0], pending[chunkBytes:]...)
			}
		case <-ticker.C:
			emit(pending)
			pending = pending[:0]
		}
	}
}

// finish records an end-of-stream that was not caused by Stop.
func (r *Recorder) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return
	}
	r.err = errorsx.Wrap(err, errorsx.ReasonDeviceUnavailable)
	r.log.Warn("capture_stream_failed", "device", r.device.Name(), "error", err)
}

// classifyOpenError guarantees a capture reason on device errors.
func classifyOpenError(err error) error {
	switch errorsx.Reason(err) {
	case errorsx.ReasonPermissionDenied, errorsx.ReasonDeviceUnavailable:
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"), strings.Contains(msg, "not authorized"):
		return errorsx.Wrap(err, errorsx.ReasonPermissionDenied)
	default:
		return errorsx.Wrap(err, errorsx.ReasonDeviceUnavailable)
	}
}

func closedChunks() chan []byte {
	ch := make(chan []byte)
	close(ch)
	return ch
}

// PermissionDenied reports whether err is a refused microphone request.
func PermissionDenied(err error) bool {
	return errorsx.HasReason(err, errorsx.ReasonPermissionDenied)
}

// DeviceUnavailable reports whether err means no usable input exists.
func DeviceUnavailable(err error) bool {
	return errorsx.HasReason(err, errorsx.ReasonDeviceUnavailable)
}
