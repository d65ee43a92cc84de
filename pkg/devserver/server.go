// Package devserver is a local interview backend. It speaks the streaming
// socket, sequential REST and media-room contracts the client transports
// expect, with a scripted interviewer and a tone in place of real speech.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/parley/pkg/logging"
)

const noSpeech = "No speech detected."

type Server struct {
	cfg         Config
	log         *slog.Logger
	transcriber Transcriber
	interviewer *Interviewer
	tokens      *TokenIssuer
	upgrader    websocket.Upgrader
	peers       peerSet
}

type Option func(*Server)

// WithTranscriber overrides the transcriber chosen by Config.
func WithTranscriber(t Transcriber) Option {
	return func(s *Server) { s.transcriber = t }
}

func New(cfg Config, logger *slog.Logger, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	log := logging.NewComponentLogger(logger, "devserver")
	s := &Server{
		cfg:         cfg,
		log:         log,
		interviewer: NewInterviewer(cfg.Questions),
		tokens:      NewTokenIssuer(cfg),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		peers: peerSet{m: make(map[*roomPeer]struct{})},
	}
	switch cfg.Transcriber {
	case TranscriberDeepgram:
		s.transcriber = NewDeepgram(cfg, logger)
	default:
		s.transcriber = Placeholder{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler wires the backend routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws/audio", s.handleAudioSocket)
	r.Post("/process-audio", s.handleTranscribe)
	r.Post("/get-ai-response", s.handleReply)
	r.Post("/generate-speech", s.handleSpeech)
	r.Post("/get-token", s.handleToken)
	r.Post("/whip", s.handleWHIP)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// and hangs up any room peers.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("devserver_listening", "addr", s.cfg.Addr, "transcriber", s.cfg.Transcriber)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.peers.closeAll()
	s.log.Info("devserver_stopped")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"transcriber": s.cfg.Transcriber,
		"room_peers":  s.peers.len(),
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration_ms", time.Since(started).Milliseconds())
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

type peerSet struct {
	mu sync.Mutex
	m  map[*roomPeer]struct{}
}

func (ps *peerSet) add(p *roomPeer) {
	ps.mu.Lock()
	ps.m[p] = struct{}{}
	ps.mu.Unlock()
}

func (ps *peerSet) remove(p *roomPeer) {
	ps.mu.Lock()
	delete(ps.m, p)
	ps.mu.Unlock()
}

func (ps *peerSet) len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.m)
}

func (ps *peerSet) closeAll() {
	ps.mu.Lock()
	peers := make([]*roomPeer, 0, len(ps.m))
	for p := range ps.m {
		peers = append(peers, p)
	}
	ps.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}
