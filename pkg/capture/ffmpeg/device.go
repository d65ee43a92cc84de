// Package ffmpeg captures microphone audio through an ffmpeg subprocess that
// writes PCM16LE to stdout.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/capture"
)

type Config struct {
	Path         string        `mapstructure:"path"`
	InputFormat  string        `mapstructure:"input_format"`
	Device       string        `mapstructure:"device"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "ffmpeg"
	}
	if c.InputFormat == "" {
		switch runtime.GOOS {
		case "darwin":
			c.InputFormat = "avfoundation"
		case "windows":
			c.InputFormat = "dshow"
		default:
			c.InputFormat = "pulse"
		}
	}
	if c.Device == "" {
		switch c.InputFormat {
		case "avfoundation":
			// none:<audio index> keeps the camera closed.
			c.Device = "none:0"
		case "dshow":
			c.Device = "audio=default"
		default:
			c.Device = "default"
		}
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	return c
}

type Device struct {
	cfg Config
}

func New(cfg Config) *Device {
	return &Device{cfg: cfg.withDefaults()}
}

func (d *Device) Name() string { return "ffmpeg:" + d.cfg.InputFormat }

// Args returns the ffmpeg command line for format.
func (d *Device) Args(format audio.Format) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", d.cfg.InputFormat,
		"-i", d.cfg.Device,
		"-ac", fmt.Sprintf("%d", format.Channels),
		"-ar", fmt.Sprintf("%d", format.SampleRate),
		"-f", "s16le",
		"-",
	}
}

// Open starts ffmpeg and waits for the first sample so that a refused or
// missing input surfaces here rather than as an empty stream.
func (d *Device) Open(ctx context.Context, format audio.Format) (io.ReadCloser, error) {
	cmd := exec.Command(d.cfg.Path, d.Args(format)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("ffmpeg not installed: %w", capture.ErrDeviceUnavailable)
		}
		return nil, fmt.Errorf("start ffmpeg: %v: %w", err, capture.ErrDeviceUnavailable)
	}
	p := &process{cmd: cmd, out: bufio.NewReaderSize(stdout, 64*1024)}

	probe := make(chan error, 1)
	go func() {
		_, err := p.out.Peek(1)
		probe <- err
	}()
	select {
	case err := <-probe:
		if err == nil {
			return p, nil
		}
		_ = p.Close()
		return nil, classify(stderr.String())
	case <-time.After(d.cfg.ProbeTimeout):
		_ = p.Close()
		return nil, fmt.Errorf("ffmpeg produced no audio within %s: %w", d.cfg.ProbeTimeout, capture.ErrDeviceUnavailable)
	case <-ctx.Done():
		_ = p.Close()
		return nil, ctx.Err()
	}
}

func classify(stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "not authorized"),
		strings.Contains(lower, "access denied"):
		return fmt.Errorf("ffmpeg: %s: %w", msg, capture.ErrPermissionDenied)
	default:
		return fmt.Errorf("ffmpeg: %s: %w", msg, capture.ErrDeviceUnavailable)
	}
}

type process struct {
	cmd  *exec.Cmd
	out  *bufio.Reader
	once sync.Once
}

func (p *process) Read(b []byte) (int, error) {
	return p.out.Read(b)
}

func (p *process) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
