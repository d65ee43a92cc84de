package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/parley/pkg/metrics"
)

// LatencyObserver measures each turn from the end of the user's utterance to
// transcript, first reply text and first synthesized audio.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	utteranceEnd time.Time
	transcript   time.Time
	replyFirst   time.Time
	audioFirst   time.Time
	sessionID    string
}

// TurnLatency is one finished measurement; -1 marks a missing stage.
type TurnLatency struct {
	SessionID      string
	TurnID         string
	TranscriptMs   int64
	ReplyFirstMs   int64
	AudioFirstMs   int64
	ReplyToAudioMs int64
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	turnID := ev.Tag(metrics.TagTurnID)
	if turnID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[turnID]
	if t == nil {
		t = &trace{sessionID: ev.Tag(metrics.TagSessionID)}
		o.traces[turnID] = t
	}
	switch ev.Name {
	case metrics.EventUtteranceEnd:
		if t.utteranceEnd.IsZero() {
			t.utteranceEnd = ev.Time
		}
	case metrics.EventTranscript:
		if t.transcript.IsZero() {
			t.transcript = ev.Time
		}
	case metrics.EventReplyFirstDelta:
		if t.replyFirst.IsZero() {
			t.replyFirst = ev.Time
		}
	case metrics.EventFirstAudio:
		if t.audioFirst.IsZero() {
			t.audioFirst = ev.Time
		}
	case metrics.EventTurnComplete:
		o.logLocked(turnID, t)
		delete(o.traces, turnID)
	case metrics.EventTurnAbandoned:
		delete(o.traces, turnID)
	}
}

// Measure computes the latency for a trace still in flight.
func (o *LatencyObserver) Measure(turnID string) (TurnLatency, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.traces[turnID]
	if !ok {
		return TurnLatency{}, false
	}
	return measure(turnID, t), true
}

func measure(turnID string, t *trace) TurnLatency {
	return TurnLatency{
		SessionID:      t.sessionID,
		TurnID:         turnID,
		TranscriptMs:   durationMs(t.utteranceEnd, t.transcript),
		ReplyFirstMs:   durationMs(t.utteranceEnd, t.replyFirst),
		AudioFirstMs:   durationMs(t.utteranceEnd, t.audioFirst),
		ReplyToAudioMs: durationMs(t.replyFirst, t.audioFirst),
	}
}

func (o *LatencyObserver) logLocked(turnID string, t *trace) {
	l := measure(turnID, t)
	o.log.Info("turn_latency",
		"session_id", l.SessionID,
		"turn_id", turnID,
		"transcript_ms", l.TranscriptMs,
		"reply_first_ms", l.ReplyFirstMs,
		"audio_first_ms", l.AudioFirstMs,
		"reply_to_audio_ms", l.ReplyToAudioMs,
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
