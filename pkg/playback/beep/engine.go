// Package beep plays synthesized speech through the faiface/beep speaker,
// decoding mp3 on the fly or converting raw PCM/µ-law.
package beep

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/playback"
)

type Config struct {
	// BufferDuration is the speaker buffer; larger values trade latency for fewer underruns.
	BufferDuration time.Duration `mapstructure:"buffer_duration"`
	// QueueDuration bounds decoded audio waiting for the speaker before Append blocks.
	QueueDuration time.Duration `mapstructure:"queue_duration"`
}

func (c Config) withDefaults() Config {
	if c.BufferDuration <= 0 {
		c.BufferDuration = 100 * time.Millisecond
	}
	if c.QueueDuration <= 0 {
		c.QueueDuration = 2 * time.Second
	}
	return c
}

type Engine struct {
	cfg    Config
	stream playback.Stream
	log    *slog.Logger

	mu      sync.Mutex
	queue   *sampleQueue
	ctrl    *beep.Ctrl
	started bool
	closed  bool

	// mp3 path: encoded bytes go through a pipe into a decoder goroutine.
	pw      *io.PipeWriter
	decoded chan struct{}

	initSpeaker func(sr beep.SampleRate, bufferSize int) error
	play        func(s beep.Streamer)
	lock        func()
	unlock      func()
}

func New(cfg Config, stream playback.Stream, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:         cfg.withDefaults(),
		stream:      stream.WithDefaults(),
		log:         logging.NewComponentLogger(logger, "beep"),
		initSpeaker: speaker.Init,
		play:        func(s beep.Streamer) { speaker.Play(s) },
		lock:        speaker.Lock,
		unlock:      speaker.Unlock,
	}
}

func (e *Engine) Append(ctx context.Context, data []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errorsx.New(errorsx.ReasonInvalidState, "beep engine closed")
	}
	if !e.started {
		if err := e.startLocked(); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	queue, pw := e.queue, e.pw
	e.mu.Unlock()

	if e.stream.Encoding == playback.EncodingMP3 {
		return writeCtx(ctx, pw, data)
	}
	return queue.push(ctx, e.toSamples(data))
}

func (e *Engine) startLocked() error {
	e.started = true
	if e.stream.Encoding != playback.EncodingMP3 {
		sr := beep.SampleRate(e.stream.SampleRate)
		e.queue = newSampleQueue(sr.N(e.cfg.QueueDuration))
		return e.openSpeakerLocked(sr)
	}
	pr, pw := io.Pipe()
	e.pw = pw
	e.decoded = make(chan struct{})
	// The queue is sized once the mp3 header reveals the sample rate.
	e.queue = newSampleQueue(beep.SampleRate(e.stream.SampleRate).N(e.cfg.QueueDuration))
	go e.decode(pr)
	return nil
}

func (e *Engine) openSpeakerLocked(sr beep.SampleRate) error {
	if err := e.initSpeaker(sr, sr.N(e.cfg.BufferDuration)); err != nil {
		return errorsx.Newf(errorsx.ReasonDeviceUnavailable, "init speaker: %w", err)
	}
	e.ctrl = &beep.Ctrl{Streamer: e.queue}
	e.play(e.ctrl)
	e.log.Info("speaker_started", "sample_rate", int(sr), "format", e.stream.Encoding)
	return nil
}

// decode runs the mp3 decoder off the speaker goroutine so a stalled network
// stream only starves the queue, never the mixer.
func (e *Engine) decode(pr *io.PipeReader) {
	defer close(e.decoded)
	streamer, format, err := mp3.Decode(pr)
	if err != nil {
		e.log.Warn("mp3_decode_failed", "error", err)
		_ = pr.CloseWithError(err)
		return
	}
	defer streamer.Close()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue.setLimit(format.SampleRate.N(e.cfg.QueueDuration))
	if err := e.openSpeakerLocked(format.SampleRate); err != nil {
		e.mu.Unlock()
		e.log.Warn("speaker_unavailable", "error", err)
		_ = pr.CloseWithError(err)
		return
	}
	queue := e.queue
	e.mu.Unlock()

	buf := make([][2]float64, 512)
	for {
		n, ok := streamer.Stream(buf)
		if n > 0 {
			if err := queue.push(context.Background(), append([][2]float64(nil), buf[:n]...)); err != nil {
				return
			}
		}
		if !ok {
			if err := streamer.Err(); err != nil {
				e.log.Debug("mp3_stream_ended", "error", err)
			}
			return
		}
	}
}

func (e *Engine) toSamples(data []byte) [][2]float64 {
	pcm := data
	if e.stream.Encoding == playback.EncodingMulaw {
		pcm = audio.MulawDecode(data)
	}
	width := 2 * e.stream.Channels
	out := make([][2]float64, 0, len(pcm)/width)
	for i := 0; i+width <= len(pcm); i += width {
		l := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768
		r := l
		if e.stream.Channels == 2 {
			r = float64(int16(binary.LittleEndian.Uint16(pcm[i+2:]))) / 32768
		}
		out = append(out, [2]float64{l, r})
	}
	return out
}

// Close silences the speaker stream and releases any blocked Append.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ctrl, queue, pw := e.ctrl, e.queue, e.pw
	e.mu.Unlock()

	if ctrl != nil {
		e.lock()
		ctrl.Streamer = nil
		ctrl.Paused = true
		e.unlock()
	}
	if queue != nil {
		queue.close()
	}
	if pw != nil {
		_ = pw.Close()
	}
	return nil
}

func writeCtx(ctx context.Context, w io.Writer, data []byte) error {
	errc := make(chan error, 1)
	go func() {
		_, err := w.Write(data)
		errc <- err
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ playback.Engine = (*Engine)(nil)
