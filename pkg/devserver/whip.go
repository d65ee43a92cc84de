package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/parley/pkg/audio"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	pcmuRate     = 8000
	packetTime   = 20 * time.Millisecond
	controlLabel = "control"
)

var pcmuFormat = audio.Format{SampleRate: pcmuRate, Channels: 1}

// handleWHIP answers a room join offer. The answering peer publishes the
// interviewer's voice as a PCMU track and talks JSON over the "control"
// data channel the client opens.
func (s *Server) handleWHIP(w http.ResponseWriter, r *http.Request) {
	grant, err := s.tokens.Verify(bearer(r))
	if err != nil {
		s.log.Warn("whip_rejected", "error", err)
		respondError(w, http.StatusUnauthorized, "invalid room token")
		return
	}
	offer, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(offer) == 0 {
		respondError(w, http.StatusBadRequest, "missing sdp offer")
		return
	}

	peer, err := s.newRoomPeer(grant)
	if err != nil {
		s.log.Error("room_peer_failed", "error", err)
		respondError(w, http.StatusInternalServerError, "could not create peer")
		return
	}
	answer, err := peer.answer(r.Context(), string(offer))
	if err != nil {
		peer.close()
		s.log.Warn("whip_negotiation_failed", "room", grant.Room, "error", err)
		respondError(w, http.StatusBadRequest, "negotiation failed")
		return
	}
	s.log.Info("room_peer_joined", "room", grant.Room, "identity", grant.Identity)
	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, answer)
}

type roomPeer struct {
	srv   *Server
	grant Grant
	log   *slog.Logger
	iv    *Interviewer

	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	buffer  []byte
	control *webrtc.DataChannel

	turns     chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *Server) newRoomPeer(grant Grant) (*roomPeer, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: pcmuRate, Channels: 1},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register PCMU: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry))

	var ice []webrtc.ICEServer
	if len(s.cfg.ICEServers) > 0 {
		ice = append(ice, webrtc.ICEServer{URLs: s.cfg.ICEServers})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: pcmuRate, Channels: 1},
		"audio", "interviewer")
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &roomPeer{
		srv:    s,
		grant:  grant,
		log:    s.log.With("room", grant.Room, "identity", grant.Identity),
		iv:     NewInterviewer(s.cfg.Questions),
		pc:     pc,
		track:  track,
		turns:  make(chan struct{}, 4),
		ctx:    ctx,
		cancel: cancel,
	}
	pc.OnTrack(p.onTrack)
	pc.OnDataChannel(p.onDataChannel)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("peer_connection_state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			go p.close()
		}
	})
	s.peers.add(p)
	go p.turnLoop()
	return p, nil
}

func (p *roomPeer) answer(ctx context.Context, offer string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *roomPeer) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if remote.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		p.mu.Lock()
		p.buffer = append(p.buffer, audio.MulawDecode(pkt.Payload)...)
		p.mu.Unlock()
	}
}

func (p *roomPeer) onDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != controlLabel {
		return
	}
	p.mu.Lock()
	p.control = dc
	p.mu.Unlock()
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var in struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg.Data, &in); err != nil || in.Type != "flush" {
			return
		}
		select {
		case p.turns <- struct{}{}:
		case <-p.ctx.Done():
		}
	})
}

// turnLoop answers flushes one at a time so replies stay in utterance order.
func (p *roomPeer) turnLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.turns:
			p.mu.Lock()
			pcm := p.buffer
			p.buffer = nil
			p.mu.Unlock()
			p.turn(pcm)
		}
	}
}

func (p *roomPeer) turn(pcm []byte) {
	transcript, err := p.srv.transcriber.Transcribe(p.ctx, pcm, pcmuFormat)
	if err != nil {
		p.send(map[string]string{"type": "error", "data": "transcription failed"})
		return
	}
	if transcript == "" {
		p.send(map[string]string{"type": "error", "data": noSpeech})
		return
	}
	p.send(map[string]string{"transcript": transcript})
	reply := p.iv.Reply(transcript)
	p.send(map[string]string{"reply": reply})

	tone := Tone(pcmuFormat, p.srv.cfg.ToneHz, speechDuration(reply, p.srv.cfg.WordDuration, p.srv.cfg.MaxSpeech))
	if err := p.speak(tone); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("room_speak_failed", "error", err)
	}
	p.send(map[string]string{"type": "turn_end"})
}

// speak paces PCMU samples onto the outbound track in real time.
func (p *roomPeer) speak(pcm []byte) error {
	ulaw := audio.MulawEncode(pcm)
	frame := pcmuFormat.BytesFor(packetTime) / 2
	ticker := time.NewTicker(packetTime)
	defer ticker.Stop()
	for len(ulaw) > 0 {
		n := min(frame, len(ulaw))
		if err := p.track.WriteSample(media.Sample{Data: ulaw[:n], Duration: packetTime}); err != nil {
			return err
		}
		ulaw = ulaw[n:]
		select {
		case <-ticker.C:
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
	return nil
}

func (p *roomPeer) send(v any) {
	p.mu.Lock()
	dc := p.control
	p.mu.Unlock()
	if dc == nil {
		return
	}
	b, _ := json.Marshal(v)
	if err := dc.SendText(string(b)); err != nil {
		p.log.Warn("control_send_failed", "error", err)
	}
}

func (p *roomPeer) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		_ = p.pc.Close()
		p.srv.peers.remove(p)
		p.log.Info("room_peer_left")
	})
}
