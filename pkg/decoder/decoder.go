// Package decoder classifies raw transport messages into typed events.
package decoder

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/events"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/metrics"
	"github.com/harunnryd/parley/pkg/transports"
)

const (
	prefixSTT = "[STT]"
	prefixGPT = "[GPT]"
)

// envelope covers both tagged ({type,data}) and keyed ({transcript,reply}) shapes.
type envelope struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Reason     string          `json:"reason"`
	Transcript *string         `json:"transcript"`
	Reply      *string         `json:"reply"`
	Final      *bool           `json:"final"`
}

// Decoder is not safe for concurrent use; the session feeds it from one goroutine.
type Decoder struct {
	log      *slog.Logger
	observer metrics.Observer
	arrival  uint64
	noise    atomic.Int64
	// finalOnReply marks every reply delta final, for transports whose
	// message boundary is the turn boundary.
	finalOnReply bool
}

type Option func(*Decoder)

func WithObserver(o metrics.Observer) Option {
	return func(d *Decoder) { d.observer = o }
}

// WithFinalReplies treats each reply message as a complete turn.
func WithFinalReplies(v bool) Option {
	return func(d *Decoder) { d.finalOnReply = v }
}

func New(logger *slog.Logger, opts ...Option) *Decoder {
	d := &Decoder{
		log:      logging.NewComponentLogger(logger, "decoder"),
		observer: metrics.NoopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode returns the events carried by m. ok is false when the message was
// protocol noise; noise is logged and counted, never returned as an error.
func (d *Decoder) Decode(m transports.Message) ([]events.Event, bool) {
	at := m.Received
	if at.IsZero() {
		at = time.Now()
	}
	if m.Kind == transports.MessageBinary {
		return d.decodeAudio(at, m)
	}
	data := bytes.TrimSpace(m.Data)
	if len(data) == 0 {
		return d.dropNoise(at, m, "empty text frame")
	}
	if data[0] == '{' {
		return d.decodeJSON(at, m, data)
	}
	return d.decodePrefixed(at, m, string(data))
}

// Noise reports how many messages were dropped so far.
func (d *Decoder) Noise() int64 { return d.noise.Load() }

func (d *Decoder) decodeAudio(at time.Time, m transports.Message) ([]events.Event, bool) {
	if len(m.Data) == 0 && !m.HasSeq {
		return d.dropNoise(at, m, "empty audio frame")
	}
	// An empty frame with a transport sequence still occupies its slot.
	seq := m.Seq
	if !m.HasSeq {
		seq = d.arrival
		d.arrival++
	}
	return []events.Event{events.NewAudioChunkReceived(at, events.NewAudioChunk(seq, m.Data))}, true
}

func (d *Decoder) decodeJSON(at time.Time, m transports.Message, data []byte) ([]events.Event, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return d.dropNoise(at, m, "invalid json")
	}
	if env.Type != "" {
		return d.decodeTagged(at, m, env)
	}

	var out []events.Event
	if env.Transcript != nil && strings.TrimSpace(*env.Transcript) != "" {
		out = append(out, events.NewTranscript(at, *env.Transcript))
	}
	if env.Reply != nil && *env.Reply != "" {
		final := d.finalOnReply
		if env.Final != nil {
			final = *env.Final
		}
		out = append(out, events.NewReplyDelta(at, *env.Reply, final))
	}
	if len(out) == 0 {
		return d.dropNoise(at, m, "no recognised fields")
	}
	return out, true
}

func (d *Decoder) decodeTagged(at time.Time, m transports.Message, env envelope) ([]events.Event, bool) {
	text, _ := dataString(env.Data)
	switch strings.ToLower(env.Type) {
	case "transcript":
		if strings.TrimSpace(text) == "" {
			return d.dropNoise(at, m, "empty transcript")
		}
		return []events.Event{events.NewTranscript(at, text)}, true
	case "gpt", "reply":
		final := d.finalOnReply
		if env.Final != nil {
			final = *env.Final
		}
		if text == "" && !final {
			return d.dropNoise(at, m, "empty reply")
		}
		return []events.Event{events.NewReplyDelta(at, text, final)}, true
	case "turn_end", "done":
		return []events.Event{events.NewTurnComplete(at)}, true
	case "error":
		if text == "" {
			text = "remote error"
		}
		return []events.Event{events.NewRemoteError(at, text, errorsx.ReasonCode(env.Reason))}, true
	case "ack", "info":
		d.log.Debug("peer_info", "type", env.Type, "data", text)
		return nil, true
	default:
		return d.dropNoise(at, m, "unknown type "+env.Type)
	}
}

func (d *Decoder) decodePrefixed(at time.Time, m transports.Message, line string) ([]events.Event, bool) {
	switch {
	case strings.HasPrefix(line, prefixSTT):
		text := strings.TrimSpace(strings.TrimPrefix(line, prefixSTT))
		if text == "" {
			return d.dropNoise(at, m, "empty transcript")
		}
		return []events.Event{events.NewTranscript(at, text)}, true
	case strings.HasPrefix(line, prefixGPT):
		text := strings.TrimSpace(strings.TrimPrefix(line, prefixGPT))
		if text == "" {
			return d.dropNoise(at, m, "empty reply")
		}
		return []events.Event{events.NewReplyDelta(at, text, d.finalOnReply)}, true
	}
	return d.dropNoise(at, m, "unframed text")
}

func (d *Decoder) dropNoise(at time.Time, m transports.Message, why string) ([]events.Event, bool) {
	n := d.noise.Add(1)
	d.log.Warn("protocol_noise_dropped",
		"reason_code", errorsx.ReasonProtocolNoise,
		"detail", why,
		"kind", m.Kind.String(),
		"bytes", len(m.Data),
		"dropped_total", n,
	)
	d.observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventProtocolNoise,
		Time:  at,
		Value: 1,
		Tags:  map[string]string{"kind": m.Kind.String()},
	})
	return nil, false
}

// dataString accepts "data" as a JSON string or any scalar.
func dataString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return strings.TrimSpace(string(raw)), true
}
