package session

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/parley/pkg/capture"
	"github.com/harunnryd/parley/pkg/conversation"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/events"
	"github.com/harunnryd/parley/pkg/metrics"
	"github.com/harunnryd/parley/pkg/redact"
	"github.com/harunnryd/parley/pkg/transports"
)

type commandKind int

const (
	cmdStartRecording commandKind = iota
	cmdStopRecording
	cmdToggleRecording
	cmdRequestLeave
	cmdDismissLeave
	cmdConfirmLeave
	cmdShutdown
)

type command struct {
	kind  commandKind
	ctx   context.Context
	reply chan result
}

type result struct {
	outcome *Outcome
	err     error
}

// Low-lane items.
type (
	inbound         struct{ msg transports.Message }
	transportLost   struct{ err error }
	captureEnded    struct{ gen int }
	playbackDrained struct{}
)

func (c *Controller) loop() {
	defer c.closeDone()
	for {
		item, err := c.queue.Pop(c.ctx)
		if err != nil {
			return
		}
		switch v := item.(type) {
		case command:
			res := c.handleCommand(v)
			v.reply <- res
			if v.kind == cmdShutdown || (v.kind == cmdConfirmLeave && c.ended.Load()) {
				return
			}
		case inbound:
			c.handleInbound(v.msg)
		case transportLost:
			c.handleTransportLost(v.err)
		case captureEnded:
			c.handleCaptureEnded(v.gen)
		case playbackDrained:
			c.machine.OnPlaybackDrained()
			c.publish("playback_drained")
		}
	}
}

func (c *Controller) handleCommand(cmd command) result {
	var err error
	switch cmd.kind {
	case cmdStartRecording:
		err = c.startRecording(cmd.ctx)
	case cmdStopRecording:
		err = c.stopRecording(cmd.ctx)
	case cmdToggleRecording:
		if c.recording {
			err = c.stopRecording(cmd.ctx)
		} else {
			err = c.startRecording(cmd.ctx)
		}
	case cmdRequestLeave:
		err = c.machine.RequestLeave()
		c.publish("leave_requested")
	case cmdDismissLeave:
		err = c.machine.DismissLeave()
		c.publish("leave_dismissed")
	case cmdConfirmLeave:
		return c.confirmLeave(cmd.ctx)
	case cmdShutdown:
		c.teardown("shutdown")
	}
	return result{err: err}
}

func (c *Controller) startRecording(ctx context.Context) error {
	if c.recording {
		return nil
	}
	if !c.machine.CanTransition(conversation.StateRecording) {
		return &conversation.InvalidTransitionError{From: c.machine.State(), To: conversation.StateRecording}
	}
	if err := c.deps.Capture.Start(ctx); err != nil {
		// Capture errors stay at this boundary: the machine is not touched.
		c.setStatus(func(s *status) {
			s.captureErr = err
			s.alert = captureAlert(err)
		})
		c.publish("capture_failed")
		return err
	}
	c.setStatus(func(s *status) {
		s.captureErr = nil
		if s.alert == MicPermissionDenied || s.alert == MicUnavailable {
			s.alert = ""
		}
	})
	if err := c.machine.StartRecording(); err != nil {
		_ = c.deps.Capture.Stop()
		return err
	}
	c.recording = true
	c.captureGen++
	c.pumpDone = make(chan struct{})
	go c.pump(c.deps.Capture.Chunks(), c.captureGen, c.pumpDone)
	c.record(metrics.EventCaptureStarted, nil)
	c.publish("recording_started")
	return nil
}

// pump forwards captured audio to the transport. It stops sending after the
// first failure or once the session is halted.
func (c *Controller) pump(chunks <-chan []byte, gen int, done chan struct{}) {
	defer close(done)
	failed := false
	for chunk := range chunks {
		if failed || c.halted.Load() || c.ended.Load() {
			continue
		}
		if err := c.deps.Transport.Send(chunk); err != nil {
			failed = true
			c.queue.PushLow(transportLost{err: err})
			continue
		}
		c.record(metrics.EventChunkSent, map[string]any{
			metrics.FieldBytes:        len(chunk),
			metrics.FieldAudioSeconds: c.cfg.CaptureFormat.DurationOf(len(chunk)).Seconds(),
		})
	}
	c.queue.PushLow(captureEnded{gen: gen})
}

func (c *Controller) stopCapture() {
	if !c.recording {
		return
	}
	c.recording = false
	_ = c.deps.Capture.Stop()
	<-c.pumpDone
}

func (c *Controller) stopRecording(ctx context.Context) error {
	if !c.recording {
		return &conversation.InvalidTransitionError{From: c.machine.State(), To: conversation.StateIdle}
	}
	c.stopCapture()
	if err := c.machine.StopRecording(); err != nil {
		return err
	}
	c.turnSeq++
	c.turnID = fmt.Sprintf("%s-%d", c.cfg.SessionID, c.turnSeq)
	c.replyInTurn, c.audioInTurn = false, false
	c.record(metrics.EventUtteranceEnd, nil)
	c.publish("recording_stopped")

	if f, ok := c.deps.Transport.(transports.Flusher); ok && !c.halted.Load() {
		if err := f.Flush(ctx); err != nil {
			if errorsx.Reason(err).Fatal() {
				c.handleTransportLost(err)
			}
			return err
		}
	}
	return nil
}

func (c *Controller) handleCaptureEnded(gen int) {
	if gen != c.captureGen || !c.recording {
		return
	}
	err := c.deps.Capture.Err()
	c.log.Info("capture_ended", "error", err)
	if err != nil {
		c.setStatus(func(s *status) {
			s.captureErr = err
			s.alert = captureAlert(err)
		})
	}
	if stopErr := c.stopRecording(c.ctx); stopErr != nil {
		c.log.Warn("stop_after_capture_end_failed", "error", stopErr)
	}
}

func (c *Controller) handleInbound(m transports.Message) {
	if c.ended.Load() {
		return
	}
	evs, ok := c.deps.Decoder.Decode(m)
	if !ok {
		return
	}
	for _, ev := range evs {
		c.apply(ev)
	}
	if len(evs) > 0 {
		c.publish(string(evs[len(evs)-1].Kind()))
	}
}

func (c *Controller) apply(ev events.Event) {
	switch e := ev.(type) {
	case events.TranscriptReceived:
		c.machine.OnTranscript(e.Text(), e.At())
		c.log.Info("transcript_received", "turn_id", c.turnID, "text", redact.Text(e.Text()))
		c.recordAt(metrics.EventTranscript, e.At(), nil)
	case events.ReplyDelta:
		c.machine.OnReplyDelta(e.Text(), e.Final(), e.At())
		if !c.replyInTurn {
			c.replyInTurn = true
			c.recordAt(metrics.EventReplyFirstDelta, e.At(), nil)
		}
	case events.TurnComplete:
		c.machine.OnTurnComplete()
		c.recordAt(metrics.EventTurnComplete, e.At(), nil)
		c.replyInTurn, c.audioInTurn = false, false
		if c.cfg.Mode == conversation.ModeSequential && c.sink.Idle() {
			c.machine.OnPlaybackDrained()
		}
	case events.AudioChunkReceived:
		c.sink.Enqueue(e.Chunk())
		if e.Chunk().Len() == 0 {
			return
		}
		c.machine.OnAudio()
		if !c.audioInTurn {
			c.audioInTurn = true
			c.recordAt(metrics.EventFirstAudio, e.At(), map[string]any{"seq": e.Chunk().Seq()})
		}
	case events.RemoteError:
		if e.Reason().Fatal() {
			c.handleTransportLost(e.Err())
			return
		}
		removed := c.machine.OnRemoteError()
		c.setStatus(func(s *status) {
			s.err = e.Err()
			s.alert = e.Message()
		})
		c.log.Warn("remote_call_failed", "reason_code", e.Reason(), "message", e.Message(), "turn_abandoned", removed)
		c.recordAt(metrics.EventRemoteCallFailed, e.At(), nil)
		c.recordAt(metrics.EventTurnAbandoned, e.At(), nil)
		c.replyInTurn, c.audioInTurn = false, false
	}
}

func (c *Controller) handleTransportLost(err error) {
	if c.ended.Load() || !c.halted.CompareAndSwap(false, true) {
		return
	}
	if err == nil {
		err = transports.ErrClosed
	}
	err = errorsx.Wrap(err, errorsx.ReasonTransportLost)
	c.log.Error("transport_lost", "reason_code", errorsx.ReasonTransportLost, "error", err)
	c.stopCapture()
	_ = c.machine.Halt("transport lost")
	c.setStatus(func(s *status) {
		s.err = err
		s.alert = ConnectionLost
	})
	c.record(metrics.EventTransportLost, nil)
	c.publish("transport_lost")
}

func (c *Controller) confirmLeave(ctx context.Context) result {
	if err := c.machine.ConfirmLeave(); err != nil {
		return result{err: err}
	}
	// Forfeiture is decided here and only here.
	endedAt := c.cfg.Clock.Now()
	elapsed := endedAt.Sub(c.startedAt)
	outcome := Outcome{
		Route:           c.cfg.FeedbackRoute,
		SessionID:       c.cfg.SessionID,
		Transport:       c.deps.Transport.Name(),
		StartedAt:       c.startedAt,
		EndedAt:         endedAt,
		Elapsed:         elapsed,
		CreditForfeited: Forfeited(elapsed, c.cfg.ForfeitAfter),
		Messages:        c.machine.Messages(),
	}
	c.setStatus(func(s *status) {
		s.outcome = &outcome
		s.endedAt = endedAt
		s.alert = FeedbackPending
	})
	c.publish("ended")
	c.teardown("leave confirmed")
	c.record(metrics.EventSessionEnded, map[string]any{
		metrics.FieldElapsedSeconds:  elapsed.Seconds(),
		metrics.FieldCreditForfeited: outcome.CreditForfeited,
	})
	c.log.Info("session_ended",
		"elapsed_s", int64(elapsed.Seconds()),
		"credit_forfeited", outcome.CreditForfeited,
		"messages", len(outcome.Messages),
	)

	var err error
	if c.deps.Navigator != nil {
		err = c.deps.Navigator.Proceed(ctx, outcome)
		if err != nil {
			c.log.Error("navigation_failed", "error", err)
		}
	}
	return result{outcome: &outcome, err: err}
}

// teardown releases transport, microphone and speaker. Later peer results are
// discarded because the queue is closed and the transport is gone.
func (c *Controller) teardown(reason string) {
	c.teardownOnce.Do(func() {
		c.ended.Store(true)
		if c.deps.Transport != nil && c.started.Load() {
			if err := c.deps.Transport.Close(); err != nil {
				c.log.Debug("transport_close_error", "error", err)
			}
		}
		c.stopCapture()
		if c.deps.Capture != nil {
			_ = c.deps.Capture.Release()
		}
		_ = c.sink.Close()
		c.queue.Close()
		c.cancel()
		c.log.Info("session_teardown", "reason", reason)
		c.closeSubscribers()
	})
}

func (c *Controller) record(name string, fields map[string]any) {
	c.recordAt(name, time.Now(), fields)
}

func (c *Controller) recordAt(name string, at time.Time, fields map[string]any) {
	tags := map[string]string{
		metrics.TagSessionID: c.cfg.SessionID,
		metrics.TagTransport: c.deps.Transport.Name(),
	}
	if c.turnID != "" {
		tags[metrics.TagTurnID] = c.turnID
	}
	c.cfg.Observer.RecordEvent(metrics.MetricsEvent{Name: name, Time: at, Value: 1, Tags: tags, Fields: fields})
}

func captureAlert(err error) string {
	if capture.PermissionDenied(err) {
		return MicPermissionDenied
	}
	return MicUnavailable
}
