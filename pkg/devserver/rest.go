package devserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/redact"
)

const maxUpload = 32 << 20

// handleTranscribe accepts a multipart WAV upload in the "audio" field.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	file, _, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	format, err := audio.ReadWAVHeader(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	pcm, err := io.ReadAll(file)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		respondError(w, http.StatusBadRequest, "could not read audio")
		return
	}
	transcript, err := s.transcriber.Transcribe(r.Context(), pcm, format)
	if err != nil {
		s.log.Warn("transcription_failed", "error", err)
		respondError(w, http.StatusBadGateway, "transcription failed")
		return
	}
	s.log.Info("upload_transcribed", "bytes", len(pcm), "transcript", redact.Text(transcript))
	respondJSON(w, http.StatusOK, map[string]string{"transcript": transcript})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid reply request")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"response": s.interviewer.Reply(req.Message)})
}

// handleSpeech returns raw PCM16 at the configured speech rate.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid speech request")
		return
	}
	speech := Tone(s.cfg.speechFormat(), s.cfg.ToneHz, speechDuration(req.Text, s.cfg.WordDuration, s.cfg.MaxSpeech))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(speech)
}
