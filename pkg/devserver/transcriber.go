package devserver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/redact"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// Transcriber turns one buffered PCM16 utterance into text. An empty result
// means no speech was found.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, f audio.Format) (string, error)
}

// Placeholder reports how much audio it received instead of recognising it.
// Silence (all-zero or near-zero samples) transcribes to nothing.
type Placeholder struct{}

func (Placeholder) Transcribe(_ context.Context, pcm []byte, f audio.Format) (string, error) {
	if len(pcm) == 0 || silent(pcm) {
		return "", nil
	}
	return fmt.Sprintf("(%d bytes, %.1fs of audio)", len(pcm), f.DurationOf(len(pcm)).Seconds()), nil
}

const silenceFloor = 64

func silent(pcm []byte) bool {
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		if v > silenceFloor || v < -silenceFloor {
			return false
		}
	}
	return true
}

// Deepgram streams each utterance over a fresh live-transcription socket
// and joins the final segments.
type Deepgram struct {
	apiKey   string
	model    string
	language string
	wait     time.Duration
	log      *slog.Logger
}

func NewDeepgram(cfg Config, logger *slog.Logger) *Deepgram {
	return &Deepgram{
		apiKey:   cfg.DeepgramAPIKey,
		model:    cfg.DeepgramModel,
		language: cfg.Language,
		wait:     cfg.DeepgramWait,
		log:      logging.NewComponentLogger(logger, "deepgram_transcriber"),
	}
}

func (d *Deepgram) Transcribe(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cb := &utteranceCallback{done: make(chan struct{}), log: d.log}
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       d.language,
		Encoding:       "linear16",
		SampleRate:     f.SampleRate,
		Channels:       f.Channels,
		InterimResults: false,
		SmartFormat:    true,
		Punctuate:      true,
	}
	ws, err := client.NewWSUsingCallback(ctx, d.apiKey, &interfaces.ClientOptions{}, opts, cb)
	if err != nil {
		return "", fmt.Errorf("deepgram client: %w", err)
	}
	if !ws.Connect() {
		return "", fmt.Errorf("deepgram connection failed")
	}
	defer ws.Stop()

	started := time.Now()
	if err := ws.Stream(bytes.NewReader(pcm)); err != nil {
		return "", fmt.Errorf("deepgram stream: %w", err)
	}

	select {
	case <-cb.done:
	case <-time.After(d.wait):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	text := cb.text()
	d.log.Info("utterance_transcribed",
		"bytes", len(pcm),
		"transcript", redact.Text(text),
		"latency_ms", time.Since(started).Milliseconds())
	return text, nil
}

type utteranceCallback struct {
	log *slog.Logger

	mu       sync.Mutex
	segments []string
	once     sync.Once
	done     chan struct{}
}

func (c *utteranceCallback) finish() { c.once.Do(func() { close(c.done) }) }

func (c *utteranceCallback) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(strings.Join(c.segments, " "))
}

func (c *utteranceCallback) Open(*msginterfaces.OpenResponse) error { return nil }

func (c *utteranceCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	if text := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript); text != "" && mr.IsFinal {
		c.mu.Lock()
		c.segments = append(c.segments, text)
		c.mu.Unlock()
	}
	if mr.SpeechFinal {
		c.finish()
	}
	return nil
}

func (c *utteranceCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }

func (c *utteranceCallback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (c *utteranceCallback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.finish()
	return nil
}

func (c *utteranceCallback) Close(*msginterfaces.CloseResponse) error {
	c.finish()
	return nil
}

func (c *utteranceCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.log.Error("deepgram_error", "error_code", er.ErrCode, "error_message", er.ErrMsg)
	c.finish()
	return nil
}

func (c *utteranceCallback) UnhandledEvent(data []byte) error {
	c.log.Debug("deepgram_unhandled_event", "bytes", len(data))
	return nil
}

var (
	_ Transcriber                       = Placeholder{}
	_ Transcriber                       = (*Deepgram)(nil)
	_ msginterfaces.LiveMessageCallback = (*utteranceCallback)(nil)
)
