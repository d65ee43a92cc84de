package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/transports"
	"github.com/harunnryd/parley/pkg/transports/batch"
	"github.com/harunnryd/parley/pkg/transports/duplex"
)

var speechIn = audio.Format{SampleRate: 16000, Channels: 1}

func newTestServer(t *testing.T, cfg Config, opts ...Option) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(cfg, nil, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dialAudio(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/audio"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (int, outboundEvent, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev outboundEvent
	if kind == websocket.TextMessage {
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("text frame is not JSON: %q", data)
		}
	}
	return kind, ev, data
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["transcriber"] != TranscriberPlaceholder {
		t.Fatalf("unexpected health: %d %v", resp.StatusCode, body)
	}
}

func TestAudioSocketAnswersFlushInOrder(t *testing.T) {
	srv := newTestServer(t, Config{})
	conn := dialAudio(t, srv)

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"init","voice":"en-US-JennyNeural"}`))
	tone := Tone(speechIn, 300, 200*time.Millisecond)
	_ = conn.WriteMessage(websocket.BinaryMessage, tone[:len(tone)/2])
	_ = conn.WriteMessage(websocket.BinaryMessage, tone[len(tone)/2:])
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"flush"}`))

	kind, ev, _ := readEvent(t, conn)
	if kind != websocket.TextMessage || ev.Type != "transcript" || !strings.Contains(ev.Data, "6400 bytes") {
		t.Fatalf("expected transcript first, got %v %+v", kind, ev)
	}

	var reply strings.Builder
	var speech []byte
	for {
		kind, ev, data := readEvent(t, conn)
		if kind == websocket.BinaryMessage {
			if reply.Len() == 0 {
				t.Fatalf("audio arrived before any reply delta")
			}
			speech = data
			continue
		}
		if ev.Type == "turn_end" {
			break
		}
		if ev.Type != "gpt" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if speech != nil {
			t.Fatalf("reply delta after audio")
		}
		reply.WriteString(ev.Data)
	}
	if !strings.HasSuffix(reply.String(), defaultQuestions[0]) {
		t.Fatalf("reply = %q", reply.String())
	}
	if len(speech) == 0 || len(speech)%2 != 0 {
		t.Fatalf("expected PCM16 speech, got %d bytes", len(speech))
	}
}

func TestAudioSocketEmptyFlushReportsNoSpeech(t *testing.T) {
	srv := newTestServer(t, Config{})
	conn := dialAudio(t, srv)

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"flush"}`))
	_, ev, _ := readEvent(t, conn)
	if ev.Type != "error" || ev.Data != noSpeech {
		t.Fatalf("expected no-speech error, got %+v", ev)
	}

	// Silence is not speech either, and the connection stays usable.
	_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 3200))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"flush"}`))
	_, ev, _ = readEvent(t, conn)
	if ev.Type != "error" || ev.Data != noSpeech {
		t.Fatalf("expected no-speech error for silence, got %+v", ev)
	}
}

type failingTranscriber struct{}

func (failingTranscriber) Transcribe(context.Context, []byte, audio.Format) (string, error) {
	return "", errors.New("model offline")
}

func TestAudioSocketTranscriberFailure(t *testing.T) {
	srv := newTestServer(t, Config{}, WithTranscriber(failingTranscriber{}))
	conn := dialAudio(t, srv)

	_ = conn.WriteMessage(websocket.BinaryMessage, Tone(speechIn, 300, 100*time.Millisecond))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"flush"}`))
	_, ev, _ := readEvent(t, conn)
	if ev.Type != "error" || !strings.Contains(ev.Data, "model offline") {
		t.Fatalf("expected processing error, got %+v", ev)
	}
}

type inbox struct {
	mu   sync.Mutex
	msgs []transports.Message
	ch   chan struct{}
}

func newInbox() *inbox { return &inbox{ch: make(chan struct{}, 256)} }

func (b *inbox) handle(m transports.Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
	select {
	case b.ch <- struct{}{}:
	default:
	}
}

// until waits for a text message of the given type and returns everything
// received so far.
func (b *inbox) until(t *testing.T, typ string) []transports.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		b.mu.Lock()
		msgs := append([]transports.Message(nil), b.msgs...)
		b.mu.Unlock()
		for _, m := range msgs {
			if m.Kind == transports.MessageText && strings.Contains(string(m.Data), `"type":"`+typ+`"`) {
				return msgs
			}
		}
		select {
		case <-b.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %q, have %d messages", typ, len(msgs))
		}
	}
}

func TestDuplexTransportRoundTrip(t *testing.T) {
	srv := newTestServer(t, Config{})
	tr := duplex.New(duplex.Config{BackendURL: srv.URL, SendInit: true}, nil)
	box := newInbox()
	tr.OnMessage(box.handle)
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(Tone(speechIn, 300, 300*time.Millisecond)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	msgs := box.until(t, "turn_end")
	if !strings.Contains(string(msgs[0].Data), `"type":"transcript"`) {
		t.Fatalf("first message = %q", msgs[0].Data)
	}
	var binary int
	for _, m := range msgs {
		if m.Kind == transports.MessageBinary {
			binary++
		}
	}
	if binary != 1 {
		t.Fatalf("expected one speech frame, got %d", binary)
	}
}

func TestBatchTransportRoundTrip(t *testing.T) {
	srv := newTestServer(t, Config{})
	tr := batch.New(batch.Config{BackendURL: srv.URL, CaptureFormat: speechIn}, nil)
	box := newInbox()
	tr.OnMessage(box.handle)
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	_ = tr.Send(Tone(speechIn, 300, 250*time.Millisecond))
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	msgs := box.until(t, "turn_end")
	if len(msgs) != 4 {
		t.Fatalf("expected transcript, reply, speech, turn_end; got %d messages", len(msgs))
	}
	var transcript, reply struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	_ = json.Unmarshal(msgs[0].Data, &transcript)
	_ = json.Unmarshal(msgs[1].Data, &reply)
	if transcript.Type != "transcript" || !strings.Contains(transcript.Data, "8000 bytes") {
		t.Fatalf("transcript = %+v", transcript)
	}
	if reply.Type != "gpt" || !strings.HasSuffix(reply.Data, defaultQuestions[0]) {
		t.Fatalf("reply = %+v", reply)
	}
	if msgs[2].Kind != transports.MessageBinary || len(msgs[2].Data) == 0 {
		t.Fatalf("expected speech bytes, got %s", msgs[2].Kind)
	}
}

func TestBatchTransportSilenceIsRemoteError(t *testing.T) {
	srv := newTestServer(t, Config{})
	tr := batch.New(batch.Config{BackendURL: srv.URL}, nil)
	box := newInbox()
	tr.OnMessage(box.handle)
	_ = tr.Open(context.Background())
	defer tr.Close()

	_ = tr.Send(make([]byte, 1600))
	_ = tr.Flush(context.Background())
	msgs := box.until(t, "error")
	if !strings.Contains(string(msgs[0].Data), noSpeech) {
		t.Fatalf("expected no-speech error, got %q", msgs[0].Data)
	}
	if !strings.Contains(string(msgs[0].Data), string(errorsx.ReasonRemoteCallFailed)) {
		t.Fatalf("expected remote_call_failed reason, got %q", msgs[0].Data)
	}
}

func TestTranscribeRejectsMissingUpload(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, err := http.Post(srv.URL+"/process-audio", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSpeechSizedByWords(t *testing.T) {
	srv := newTestServer(t, Config{SpeechRate: 8000, WordDuration: 100 * time.Millisecond})
	resp, err := http.Post(srv.URL+"/generate-speech", "application/json", strings.NewReader(`{"text":"one two three"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	// 3 words * 100ms at 8kHz mono PCM16.
	if buf.Len() != 4800 {
		t.Fatalf("speech bytes = %d", buf.Len())
	}
}

func TestTokenEndpointMintsVerifiableToken(t *testing.T) {
	cfg := Config{APISecret: "s3cret"}
	srv := newTestServer(t, cfg)
	resp, err := http.Post(srv.URL+"/get-token", "application/json", strings.NewReader(`{"identity":"ada","room":"r1"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Token == "" {
		t.Fatalf("decode token: %v %+v", err, out)
	}
	grant, err := NewTokenIssuer(cfg.withDefaults()).Verify(out.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if grant.Room != "r1" || grant.Identity != "ada" {
		t.Fatalf("grant = %+v", grant)
	}

	other := NewTokenIssuer(Config{APISecret: "different"}.withDefaults())
	if _, err := other.Verify(out.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized with the wrong secret, got %v", err)
	}
}

func TestTokenEndpointRequiresRoom(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, err := http.Post(srv.URL+"/get-token", "application/json", strings.NewReader(`{"identity":"ada"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestWHIPRequiresBearerToken(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, err := http.Post(srv.URL+"/whip", "application/sdp", strings.NewReader("v=0"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestWHIPRejectsMalformedOffer(t *testing.T) {
	cfg := Config{}.withDefaults()
	token, err := NewTokenIssuer(cfg).Mint("ada", "r1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	srv := newTestServer(t, cfg)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/whip", strings.NewReader("not an sdp"))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
