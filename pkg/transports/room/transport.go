// Package room joins a managed media room: microphone audio is published as
// a PCMU track on a WebRTC peer connection and control events travel over a
// "control" data channel.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/redact"
	"github.com/harunnryd/parley/pkg/transports"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	pcmuRate      = 8000
	packetTime    = 20 * time.Millisecond
	controlLabel  = "control"
	trackStreamID = "parley"
)

var pcmuFormat = audio.Format{SampleRate: pcmuRate, Channels: 1}

type Config struct {
	BackendURL     string        `mapstructure:"backend_url"`
	MediaRelayURL  string        `mapstructure:"media_relay_url"`
	TokenPath      string        `mapstructure:"token_path"`
	SignalPath     string        `mapstructure:"signal_path"`
	Identity       string        `mapstructure:"identity"`
	Room           string        `mapstructure:"room"`
	Credential     string        `mapstructure:"credential"`
	ICEServers     []string      `mapstructure:"ice_servers"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Retries        int           `mapstructure:"retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	// CaptureFormat is the PCM16 format handed to Send.
	CaptureFormat audio.Format `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.BackendURL == "" {
		c.BackendURL = "http://localhost:3001"
	}
	if c.MediaRelayURL == "" {
		c.MediaRelayURL = "http://localhost:7880"
	}
	if c.TokenPath == "" {
		c.TokenPath = "/get-token"
	}
	if c.SignalPath == "" {
		c.SignalPath = "/whip"
	}
	if c.Identity == "" {
		c.Identity = "candidate-" + uuid.NewString()[:8]
	}
	if c.Room == "" {
		c.Room = "interview-" + uuid.NewString()
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	} else if c.Retries == 0 {
		c.Retries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if !c.CaptureFormat.Valid() {
		c.CaptureFormat = audio.Format{SampleRate: 16000, Channels: 1}
	}
	return c
}

type Transport struct {
	transports.Inbox
	transports.Lifeline

	cfg  Config
	log  *slog.Logger
	http *http.Client

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticSample
	control *webrtc.DataChannel
	pending []byte

	opened  atomic.Bool
	closing atomic.Bool
	once    sync.Once
	wg      sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:  cfg,
		log:  logging.NewComponentLogger(logger, "room_transport"),
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (t *Transport) Name() string { return "room" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"room":     t.cfg.Room,
		"identity": t.cfg.Identity,
		"codec":    webrtc.MimeTypePCMU,
	}
}

// Open acquires a room token, negotiates the peer connection with the media
// relay and waits until both ICE and the control channel are up.
func (t *Transport) Open(ctx context.Context) error {
	if t.opened.Load() {
		return nil
	}
	token, err := t.acquireToken(ctx)
	if err != nil {
		return errorsx.Newf(errorsx.ReasonConnectionFailed, "acquire room token: %w", err)
	}
	t.log.Info("room_token_acquired", "room", t.cfg.Room, "identity", t.cfg.Identity, "token", redact.Token(token))

	pc, err := t.newPeerConnection()
	if err != nil {
		return errorsx.Newf(errorsx.ReasonConnectionFailed, "peer connection: %w", err)
	}
	connected := make(chan struct{})
	controlOpen := make(chan struct{})
	if err := t.setup(pc, connected, controlOpen); err != nil {
		_ = pc.Close()
		return errorsx.Newf(errorsx.ReasonConnectionFailed, "peer setup: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return errorsx.Newf(errorsx.ReasonConnectionFailed, "create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return errorsx.Newf(errorsx.ReasonConnectionFailed, "set local description: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	select {
	case <-gathered:
	case <-connectCtx.Done():
		_ = pc.Close()
		return errorsx.Newf(errorsx.ReasonConnectionFailed, "ice gathering: %w", connectCtx.Err())
	}

	answer, err := t.exchangeSDP(connectCtx, token, pc.LocalDescription().SDP)
	if err != nil {
		_ = pc.Close()
		return errorsx.Newf(errorsx.ReasonConnectionFailed, "signal media relay: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		_ = pc.Close()
		return errorsx.Newf(errorsx.ReasonConnectionFailed, "set remote description: %w", err)
	}

	for _, wait := range []chan struct{}{connected, controlOpen} {
		select {
		case <-wait:
		case <-t.Done():
			_ = pc.Close()
			return errorsx.Newf(errorsx.ReasonConnectionFailed, "join room: %w", t.Err())
		case <-connectCtx.Done():
			_ = pc.Close()
			return errorsx.Newf(errorsx.ReasonConnectionFailed, "join room: %w", connectCtx.Err())
		}
	}
	t.opened.Store(true)
	t.log.Info("transport_opened", "room", t.cfg.Room, "relay", t.cfg.MediaRelayURL)
	return nil
}

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: pcmuRate,
			Channels:  1,
		},
		PayloadType: 0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register PCMU: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry))

	var ice []webrtc.ICEServer
	if len(t.cfg.ICEServers) > 0 {
		ice = append(ice, webrtc.ICEServer{URLs: t.cfg.ICEServers})
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
}

func (t *Transport) setup(pc *webrtc.PeerConnection, connected, controlOpen chan struct{}) error {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypePCMU,
		ClockRate: pcmuRate,
		Channels:  1,
	}, "audio", trackStreamID)
	if err != nil {
		return err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return err
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	control, err := pc.CreateDataChannel(controlLabel, nil)
	if err != nil {
		return err
	}
	var openOnce sync.Once
	control.OnOpen(func() { openOnce.Do(func() { close(controlOpen) }) })
	control.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.Deliver(transports.Message{Kind: transports.MessageText, Data: msg.Data, Received: time.Now()})
	})
	control.OnClose(func() {
		if !t.closing.Load() {
			t.Fail(errors.New("control channel closed"))
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.log.Info("remote_track", "codec", remote.Codec().MimeType)
		t.wg.Add(1)
		go t.readRemote(remote)
	})

	var connectedOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug("peer_connection_state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			connectedOnce.Do(func() { close(connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if !t.closing.Load() {
				t.Fail(fmt.Errorf("peer connection %s", state.String()))
				t.log.Warn("transport_lost", "reason_code", errorsx.ReasonTransportLost, "state", state.String())
			}
		}
	})

	t.mu.Lock()
	t.pc, t.track, t.control = pc, track, control
	t.mu.Unlock()
	return nil
}

func (t *Transport) readRemote(remote *webrtc.TrackRemote) {
	defer t.wg.Done()
	var seq seqUnwrapper
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		t.deliverRTP(&seq, pkt)
	}
}

// deliverRTP hands every packet on, empty ones included, so the sequence
// the playback sink sees has no holes of our own making.
func (t *Transport) deliverRTP(seq *seqUnwrapper, pkt *rtp.Packet) {
	ext, ok := seq.next(pkt.SequenceNumber)
	if !ok {
		return
	}
	var pcm []byte
	if len(pkt.Payload) > 0 {
		pcm = audio.MulawDecode(pkt.Payload)
	}
	t.Deliver(transports.Message{
		Kind:     transports.MessageBinary,
		Data:     pcm,
		Received: time.Now(),
		Seq:      ext,
		HasSeq:   true,
	})
}

// Send publishes PCM16 audio on the room track as 20ms PCMU samples.
func (t *Transport) Send(chunk []byte) error {
	if !t.opened.Load() || t.closing.Load() {
		return transports.ErrClosed
	}
	select {
	case <-t.Done():
		return t.Err()
	default:
	}
	pcm, err := audio.Downsample(chunk, t.cfg.CaptureFormat, pcmuFormat)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	ulaw := append(t.pending, audio.MulawEncode(pcm)...)
	frame := pcmuFormat.BytesFor(packetTime) / 2
	for len(ulaw) >= frame {
		if err := t.track.WriteSample(media.Sample{Data: ulaw[:frame], Duration: packetTime}); err != nil {
			err = fmt.Errorf("write sample: %w", err)
			t.Fail(err)
			return errorsx.Wrap(err, errorsx.ReasonTransportLost)
		}
		ulaw = ulaw[frame:]
	}
	t.pending = append([]byte(nil), ulaw...)
	return nil
}

// Flush tells the room agent the utterance is complete.
func (t *Transport) Flush(ctx context.Context) error {
	if !t.opened.Load() || t.closing.Load() {
		return transports.ErrClosed
	}
	t.mu.Lock()
	control := t.control
	t.mu.Unlock()
	if err := control.SendText(`{"type":"flush"}`); err != nil {
		t.Fail(err)
		return errorsx.Wrap(err, errorsx.ReasonTransportLost)
	}
	return nil
}

// Close leaves the room. Safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		t.closing.Store(true)
		t.mu.Lock()
		pc := t.pc
		t.mu.Unlock()
		if pc != nil {
			err = pc.Close()
		}
		t.wg.Wait()
		t.log.Info("transport_closed", "room", t.cfg.Room)
	})
	return err
}

var (
	_ transports.Transport     = (*Transport)(nil)
	_ transports.Flusher       = (*Transport)(nil)
	_ transports.Liveness      = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
)
