// Package metrics carries session measurements from the components that
// produce them to pluggable observers.
package metrics

import "time"

// Event names emitted by parley components.
const (
	EventCaptureStarted   = "capture_started"
	EventChunkSent        = "chunk_sent"
	EventUtteranceEnd     = "utterance_end"
	EventTranscript       = "transcript_received"
	EventReplyFirstDelta  = "reply_first_delta"
	EventFirstAudio       = "first_audio"
	EventTurnComplete     = "turn_complete"
	EventTurnAbandoned    = "turn_abandoned"
	EventPlaybackAppend   = "playback_append"
	EventProtocolNoise    = "protocol_noise"
	EventTransportLost    = "transport_lost"
	EventRemoteCallFailed = "remote_call_failed"
	EventSessionEnded     = "session_ended"
	TagSessionID          = "session_id"
	TagTurnID             = "turn_id"
	TagTransport          = "transport"
	FieldBytes            = "bytes"
	FieldAudioSeconds     = "audio_seconds"
	FieldElapsedSeconds   = "elapsed_seconds"
	FieldCreditForfeited  = "credit_forfeited"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Tag returns the named tag or "".
func (ev MetricsEvent) Tag(key string) string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags[key]
}

// Float reads a numeric field regardless of its concrete type.
func (ev MetricsEvent) Float(key string) (float64, bool) {
	switch v := ev.Fields[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}
