// Package wavfile replays a recorded WAV (or raw PCM16LE) file as if it were
// a live microphone. Used by the headless probe and in tests.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/capture"
)

type Config struct {
	Path string `mapstructure:"path"`
	// Realtime paces reads to the audio clock. Defaults to true.
	Realtime *bool `mapstructure:"realtime"`
	// FrameSize is the pacing granularity.
	FrameSize time.Duration `mapstructure:"frame_size"`
}

type Device struct {
	cfg Config
}

func New(cfg Config) *Device {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 100 * time.Millisecond
	}
	return &Device{cfg: cfg}
}

func (d *Device) Name() string { return "wavfile" }

func (d *Device) Open(ctx context.Context, format audio.Format) (io.ReadCloser, error) {
	f, err := os.Open(d.cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("open %s: %v: %w", d.cfg.Path, err, capture.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("open %s: %v: %w", d.cfg.Path, err, capture.ErrDeviceUnavailable)
	}
	if strings.EqualFold(filepath.Ext(d.cfg.Path), ".wav") {
		got, err := audio.ReadWAVHeader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%s: %v: %w", d.cfg.Path, err, capture.ErrDeviceUnavailable)
		}
		if got != format {
			_ = f.Close()
			return nil, fmt.Errorf("%s is %d Hz/%d ch, capture wants %d Hz/%d ch: %w",
				d.cfg.Path, got.SampleRate, got.Channels, format.SampleRate, format.Channels, capture.ErrDeviceUnavailable)
		}
	}
	realtime := d.cfg.Realtime == nil || *d.cfg.Realtime
	return &pacedReader{
		file:     f,
		frame:    format.BytesFor(d.cfg.FrameSize),
		format:   format,
		realtime: realtime,
		start:    time.Now(),
	}, nil
}

type pacedReader struct {
	file     *os.File
	frame    int
	format   audio.Format
	realtime bool
	start    time.Time
	sent     int
}

func (r *pacedReader) Read(p []byte) (int, error) {
	if len(p) > r.frame {
		p = p[:r.frame]
	}
	if r.realtime {
		due := r.start.Add(r.format.DurationOf(r.sent))
		if wait := time.Until(due); wait > 0 {
			time.Sleep(wait)
		}
	}
	n, err := r.file.Read(p)
	r.sent += n
	return n, err
}

func (r *pacedReader) Close() error {
	return r.file.Close()
}
