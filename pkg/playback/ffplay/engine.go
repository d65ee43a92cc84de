// Package ffplay plays synthesized speech by piping it into an ffplay process.
package ffplay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/playback"
)

type Config struct {
	Path     string `mapstructure:"path"`
	LogLevel string `mapstructure:"log_level"`
	Volume   int    `mapstructure:"volume"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "ffplay"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "error"
	}
	if c.Volume <= 0 {
		c.Volume = 80
	}
	return c
}

// Engine starts ffplay on the first append and keeps it for the session.
// Writes block while ffplay's input pipe is full, which is the ready signal.
type Engine struct {
	cfg    Config
	stream playback.Stream
	log    *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

func New(cfg Config, stream playback.Stream, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		stream: stream.WithDefaults(),
		log:    logging.NewComponentLogger(logger, "ffplay"),
	}
}

// Args returns the ffplay command line for the configured stream.
func (e *Engine) Args() []string {
	args := []string{
		"-hide_banner",
		"-loglevel", e.cfg.LogLevel,
		"-nostats",
		"-nodisp",
		"-volume", fmt.Sprintf("%d", e.cfg.Volume),
		"-f", string(e.stream.Encoding),
	}
	if e.stream.Encoding != playback.EncodingMP3 {
		// ffplay takes -ch_layout rather than ffmpeg's -ac.
		layout := "mono"
		if e.stream.Channels == 2 {
			layout = "stereo"
		}
		args = append(args, "-ch_layout", layout, "-ar", fmt.Sprintf("%d", e.stream.SampleRate))
	}
	return append(args, "-i", "-")
}

func (e *Engine) startLocked() error {
	if e.stdin != nil {
		return nil
	}
	cmd := exec.Command(e.cfg.Path, e.Args()...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return errorsx.Newf(errorsx.ReasonDeviceUnavailable, "start %s: %w", e.cfg.Path, err)
	}
	e.cmd = cmd
	e.stdin = stdin
	e.log.Info("ffplay_started", "pid", cmd.Process.Pid, "format", e.stream.Encoding, "sample_rate", e.stream.SampleRate)
	go func(c *exec.Cmd) {
		err := c.Wait()
		e.mu.Lock()
		if e.cmd == c {
			e.cmd = nil
			e.stdin = nil
		}
		closed := e.closed
		e.mu.Unlock()
		if !closed {
			e.log.Warn("ffplay_exited", "error", err)
		}
	}(cmd)
	return nil
}

func (e *Engine) Append(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errorsx.New(errorsx.ReasonInvalidState, "ffplay engine closed")
	}
	if err := e.startLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	stdin := e.stdin
	e.mu.Unlock()

	_, err := stdin.Write(data)
	return err
}

// Close kills ffplay; a blocked Append returns with a write error.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.stdin != nil {
		_ = e.stdin.Close()
	}
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	return nil
}

var _ playback.Engine = (*Engine)(nil)
