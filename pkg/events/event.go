package events

import (
	"time"

	"github.com/harunnryd/parley/pkg/errorsx"
)

type Kind string

const (
	KindTranscript   Kind = "transcript"
	KindReplyDelta   Kind = "reply_delta"
	KindTurnComplete Kind = "turn_complete"
	KindAudioChunk   Kind = "audio_chunk"
	KindRemoteError  Kind = "remote_error"
)

// Event is one classified inbound peer message.
type Event interface {
	Kind() Kind
	At() time.Time
}

// TranscriptReceived carries the peer's transcription of one user utterance.
type TranscriptReceived struct {
	at   time.Time
	text string
}

func NewTranscript(at time.Time, text string) TranscriptReceived {
	return TranscriptReceived{at: at, text: text}
}

func (e TranscriptReceived) Kind() Kind    { return KindTranscript }
func (e TranscriptReceived) At() time.Time { return e.at }
func (e TranscriptReceived) Text() string  { return e.text }

// ReplyDelta is an incremental or complete fragment of the assistant reply.
// Final marks the fragment as the last one of its turn.
type ReplyDelta struct {
	at    time.Time
	text  string
	final bool
}

func NewReplyDelta(at time.Time, text string, final bool) ReplyDelta {
	return ReplyDelta{at: at, text: text, final: final}
}

func (e ReplyDelta) Kind() Kind    { return KindReplyDelta }
func (e ReplyDelta) At() time.Time { return e.at }
func (e ReplyDelta) Text() string  { return e.text }
func (e ReplyDelta) Final() bool   { return e.final }

// TurnComplete is the explicit end-of-turn marker.
type TurnComplete struct {
	at time.Time
}

func NewTurnComplete(at time.Time) TurnComplete { return TurnComplete{at: at} }

func (e TurnComplete) Kind() Kind    { return KindTurnComplete }
func (e TurnComplete) At() time.Time { return e.at }

// AudioChunkReceived hands a synthesized-speech chunk to the playback sink.
type AudioChunkReceived struct {
	at    time.Time
	chunk AudioChunk
}

func NewAudioChunkReceived(at time.Time, chunk AudioChunk) AudioChunkReceived {
	return AudioChunkReceived{at: at, chunk: chunk}
}

func (e AudioChunkReceived) Kind() Kind        { return KindAudioChunk }
func (e AudioChunkReceived) At() time.Time     { return e.at }
func (e AudioChunkReceived) Chunk() AudioChunk { return e.chunk }

// RemoteError is a failure reported by, or on behalf of, the peer.
type RemoteError struct {
	at      time.Time
	message string
	reason  errorsx.ReasonCode
}

func NewRemoteError(at time.Time, message string, reason errorsx.ReasonCode) RemoteError {
	if reason == "" {
		reason = errorsx.ReasonRemoteCallFailed
	}
	return RemoteError{at: at, message: message, reason: reason}
}

func (e RemoteError) Kind() Kind                 { return KindRemoteError }
func (e RemoteError) At() time.Time              { return e.at }
func (e RemoteError) Message() string            { return e.message }
func (e RemoteError) Reason() errorsx.ReasonCode { return e.reason }
func (e RemoteError) Err() error                 { return errorsx.New(e.reason, e.message) }
