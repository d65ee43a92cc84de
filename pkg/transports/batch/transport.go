// Package batch buffers a whole utterance and runs one sequential REST round
// trip per turn: transcribe, respond, synthesize.
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/redact"
	"github.com/harunnryd/parley/pkg/resilience"
	"github.com/harunnryd/parley/pkg/transports"
)

const noSpeech = "No speech detected."

type Config struct {
	BackendURL       string        `mapstructure:"backend_url"`
	TranscribePath   string        `mapstructure:"transcribe_path"`
	ReplyPath        string        `mapstructure:"reply_path"`
	SpeechPath       string        `mapstructure:"speech_path"`
	FieldName        string        `mapstructure:"field_name"`
	Timeout          time.Duration `mapstructure:"timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	// CaptureFormat describes the PCM16 audio handed to Send; it is used for
	// the WAV header of the upload.
	CaptureFormat audio.Format `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.BackendURL == "" {
		c.BackendURL = "http://localhost:3001"
	}
	if c.TranscribePath == "" {
		c.TranscribePath = "/process-audio"
	}
	if c.ReplyPath == "" {
		c.ReplyPath = "/get-ai-response"
	}
	if c.SpeechPath == "" {
		c.SpeechPath = "/generate-speech"
	}
	if c.FieldName == "" {
		c.FieldName = "audio"
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if !c.CaptureFormat.Valid() {
		c.CaptureFormat = audio.Format{SampleRate: 16000, Channels: 1}
	}
	return c
}

type Transport struct {
	transports.Inbox

	cfg     Config
	log     *slog.Logger
	http    *http.Client
	breaker *resilience.CircuitBreaker

	mu     sync.Mutex
	buffer bytes.Buffer

	// turns serializes round trips so replies land in utterance order.
	turns  sync.Mutex
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	opened atomic.Bool
	closed atomic.Bool
	once   sync.Once
}

func New(cfg Config, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	base, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		log:     logging.NewComponentLogger(logger, "batch_transport"),
		http:    &http.Client{},
		breaker: resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		base:    base,
		cancel:  cancel,
	}
}

func (t *Transport) Name() string { return "batch" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"backend": t.cfg.BackendURL,
		"timeout": t.cfg.Timeout.String(),
	}
}

// Open has no connection to establish; batch calls are independent.
func (t *Transport) Open(ctx context.Context) error {
	if t.closed.Load() {
		return transports.ErrClosed
	}
	t.opened.Store(true)
	t.log.Info("transport_opened", "backend", t.cfg.BackendURL)
	return nil
}

// Send buffers audio until Flush.
func (t *Transport) Send(chunk []byte) error {
	if t.closed.Load() || !t.opened.Load() {
		return transports.ErrClosed
	}
	t.mu.Lock()
	t.buffer.Write(chunk)
	t.mu.Unlock()
	return nil
}

// Flush hands the buffered utterance to a background round trip. Results and
// failures arrive through the message handler.
func (t *Transport) Flush(ctx context.Context) error {
	if t.closed.Load() || !t.opened.Load() {
		return transports.ErrClosed
	}
	t.mu.Lock()
	pcm := append([]byte(nil), t.buffer.Bytes()...)
	t.buffer.Reset()
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.turns.Lock()
		defer t.turns.Unlock()
		t.roundTrip(pcm)
	}()
	return nil
}

func (t *Transport) roundTrip(pcm []byte) {
	if len(pcm) == 0 {
		t.fail("transcribe", errors.New(noSpeech))
		return
	}
	started := time.Now()
	transcript, err := t.transcribe(pcm)
	if err != nil {
		t.fail("transcribe", err)
		return
	}
	if strings.TrimSpace(transcript) == "" {
		t.fail("transcribe", errors.New(noSpeech))
		return
	}
	t.emit(transports.TextMessage(map[string]string{"type": "transcript", "data": transcript}))

	reply, err := t.respond(transcript)
	if err != nil {
		t.fail("respond", err)
		return
	}
	// Batch replies arrive whole, so the assistant message is final at once.
	t.emit(transports.TextMessage(map[string]any{"type": "gpt", "data": reply, "final": true}))

	speech, err := t.synthesize(reply)
	if err != nil {
		t.fail("synthesize", err)
		return
	}
	if len(speech) > 0 {
		t.emit(transports.BinaryMessage(speech))
	}
	t.emit(transports.TextMessage(map[string]string{"type": "turn_end"}))
	t.log.Info("round_trip_done",
		"bytes_up", len(pcm),
		"bytes_down", len(speech),
		"transcript", redact.Text(transcript),
		"latency_ms", time.Since(started).Milliseconds(),
	)
}

func (t *Transport) transcribe(pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(t.cfg.FieldName, "recording.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio.EncodeWAV(pcm, t.cfg.CaptureFormat)); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	var out struct {
		Transcript string `json:"transcript"`
	}
	err = t.call(t.cfg.TranscribePath, mw.FormDataContentType(), body.Bytes(), func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&out)
	})
	return out.Transcript, err
}

func (t *Transport) respond(message string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	var out struct {
		Response string `json:"response"`
	}
	err := t.call(t.cfg.ReplyPath, "application/json", payload, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&out)
	})
	return out.Response, err
}

func (t *Transport) synthesize(text string) ([]byte, error) {
	payload, _ := json.Marshal(map[string]string{"text": text})
	var blob []byte
	err := t.call(t.cfg.SpeechPath, "application/json", payload, func(r io.Reader) error {
		b, err := io.ReadAll(r)
		blob = b
		return err
	})
	return blob, err
}

// call performs one leg with its own timeout behind the circuit breaker.
func (t *Transport) call(path, contentType string, body []byte, decode func(io.Reader) error) error {
	endpoint := strings.TrimRight(t.cfg.BackendURL, "/") + path
	return t.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(t.base, t.cfg.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)
		resp, err := t.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitError{Endpoint: path, RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
		}
		if err := decode(resp.Body); err != nil {
			return fmt.Errorf("%s: decode: %w", path, err)
		}
		return nil
	})
}

// retryAfter reads the delay-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (t *Transport) fail(leg string, err error) {
	if t.closed.Load() {
		return
	}
	t.log.Warn("remote_call_failed", "leg", leg, "reason_code", errorsx.ReasonRemoteCallFailed, "error", err)
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = leg + " timed out"
	case errors.Is(err, resilience.ErrCircuitOpen):
		msg = "backend unavailable, try again shortly"
	case resilience.IsRateLimit(err):
		msg = "backend is busy, try again shortly"
	}
	t.emit(transports.TextMessage(map[string]string{
		"type":   "error",
		"reason": string(errorsx.ReasonRemoteCallFailed),
		"data":   msg,
	}))
}

// emit drops results once the transport is closed.
func (t *Transport) emit(m transports.Message) {
	if t.closed.Load() {
		return
	}
	t.Deliver(m)
}

// Close discards buffered audio and abandons in-flight legs.
func (t *Transport) Close() error {
	t.once.Do(func() {
		t.closed.Store(true)
		t.cancel()
		t.mu.Lock()
		t.buffer.Reset()
		t.mu.Unlock()
		t.wg.Wait()
		t.log.Info("transport_closed")
	})
	return nil
}

var (
	_ transports.Transport     = (*Transport)(nil)
	_ transports.Flusher       = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
)
