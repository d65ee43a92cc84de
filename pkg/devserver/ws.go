package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type inboundControl struct {
	Type  string `json:"type"`
	Voice string `json:"voice"`
}

type outboundEvent struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// audioConn is one /ws/audio client: binary frames accumulate until a flush,
// then the utterance is answered with a transcript, streamed reply deltas,
// the synthesized reply and a turn_end marker.
type audioConn struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger
	iv   *Interviewer

	writeMu sync.Mutex
	turns   chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
}

func (s *Server) handleAudioSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket_upgrade_failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &audioConn{
		srv:    s,
		conn:   conn,
		log:    s.log.With("conn_id", uuid.NewString()[:8]),
		iv:     NewInterviewer(s.cfg.Questions),
		turns:  make(chan []byte, 4),
		ctx:    ctx,
		cancel: cancel,
	}
	c.log.Info("audio_client_connected", "remote", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.turnLoop()
	}()
	go func() {
		defer wg.Done()
		c.pingLoop()
	}()
	c.readLoop()
	cancel()
	_ = conn.Close()
	wg.Wait()
	c.log.Info("audio_client_disconnected")
}

func (c *audioConn) readLoop() {
	timeout := c.srv.cfg.ReadTimeout
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(timeout))
	})
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	var buffer []byte
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("audio_read_ended", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		if kind == websocket.BinaryMessage {
			buffer = append(buffer, data...)
			continue
		}
		var msg inboundControl
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("audio_control_invalid", "bytes", len(data))
			continue
		}
		switch msg.Type {
		case "init":
			c.log.Info("audio_client_init", "voice", msg.Voice)
		case "flush":
			select {
			case c.turns <- buffer:
			case <-c.ctx.Done():
				return
			}
			buffer = nil
		default:
			c.log.Debug("audio_control_ignored", "type", msg.Type)
		}
	}
}

// turnLoop answers utterances in the order they were flushed.
func (c *audioConn) turnLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case pcm := <-c.turns:
			if err := c.answer(pcm); err != nil {
				c.log.Debug("audio_answer_aborted", "error", err)
				return
			}
		}
	}
}

func (c *audioConn) answer(pcm []byte) error {
	cfg := c.srv.cfg
	transcript, err := c.srv.transcriber.Transcribe(c.ctx, pcm, cfg.inputFormat())
	if err != nil {
		c.log.Warn("transcription_failed", "error", err)
		return c.writeJSON(outboundEvent{Type: "error", Data: "Processing error: " + err.Error()})
	}
	if transcript == "" {
		return c.writeJSON(outboundEvent{Type: "error", Data: noSpeech})
	}
	if err := c.writeJSON(outboundEvent{Type: "transcript", Data: transcript}); err != nil {
		return err
	}

	reply := c.iv.Reply(transcript)
	deltas := Deltas(reply)
	for _, delta := range deltas {
		if err := c.writeJSON(outboundEvent{Type: "gpt", Data: delta}); err != nil {
			return err
		}
		if cfg.DeltaDelay > 0 {
			select {
			case <-time.After(cfg.DeltaDelay):
			case <-c.ctx.Done():
				return c.ctx.Err()
			}
		}
	}

	if speech := Tone(cfg.speechFormat(), cfg.ToneHz, speechDuration(reply, cfg.WordDuration, cfg.MaxSpeech)); len(speech) > 0 {
		if err := c.write(websocket.BinaryMessage, speech); err != nil {
			return err
		}
	}
	c.log.Info("audio_turn_answered", "bytes_in", len(pcm), "deltas", len(deltas))
	return c.writeJSON(outboundEvent{Type: "turn_end"})
}

func (c *audioConn) pingLoop() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *audioConn) writeJSON(ev outboundEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, b)
}

func (c *audioConn) write(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(kind, data)
}
