// Package portaudio captures from the system default input through PortAudio.
package portaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/capture"
)

const defaultFramesPerBuffer = 1024

type Config struct {
	FramesPerBuffer int `mapstructure:"frames_per_buffer"`
}

type Device struct {
	cfg Config
}

func New(cfg Config) *Device {
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = defaultFramesPerBuffer
	}
	return &Device{cfg: cfg}
}

func (d *Device) Name() string { return "portaudio" }

func (d *Device) Open(ctx context.Context, format audio.Format) (io.ReadCloser, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %v: %w", err, capture.ErrDeviceUnavailable)
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio default input: %v: %w", err, capture.ErrDeviceUnavailable)
	}
	buf := make([]int16, d.cfg.FramesPerBuffer*format.Channels)
	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), d.cfg.FramesPerBuffer, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, classify("open stream", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, classify("start stream", err)
	}
	return &reader{stream: stream, buf: buf}, nil
}

func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
		return fmt.Errorf("portaudio %s: %v: %w", op, err, capture.ErrPermissionDenied)
	}
	return fmt.Errorf("portaudio %s: %v: %w", op, err, capture.ErrDeviceUnavailable)
}

// reader serialises Read and Close; PortAudio streams are not safe to close
// while a blocking read is in progress.
type reader struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	buf     []int16
	pending []byte
	closed  bool
}

func (r *reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, io.EOF
	}
	if len(r.pending) == 0 {
		if err := r.stream.Read(); err != nil && !strings.Contains(strings.ToLower(err.Error()), "overflow") {
			return 0, err
		}
		if cap(r.pending) < 2*len(r.buf) {
			r.pending = make([]byte, 0, 2*len(r.buf))
		}
		r.pending = r.pending[:2*len(r.buf)]
		for i, v := range r.buf {
			binary.LittleEndian.PutUint16(r.pending[2*i:], uint16(v))
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if stopErr := r.stream.Stop(); stopErr != nil {
		err = stopErr
	}
	if closeErr := r.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if termErr := portaudio.Terminate(); termErr != nil && err == nil {
		err = termErr
	}
	return err
}
