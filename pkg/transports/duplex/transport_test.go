package duplex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/transports"
)

type fakeBackend struct {
	server *httptest.Server
	audio  chan []byte
	init   chan string
	drop   chan struct{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{audio: make(chan []byte, 16), init: make(chan string, 1), drop: make(chan struct{})}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/audio" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			<-fb.drop
			_ = conn.Close()
		}()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				fb.audio <- data
				continue
			}
			var msg struct {
				Type  string `json:"type"`
				Voice string `json:"voice"`
			}
			_ = json.Unmarshal(data, &msg)
			switch msg.Type {
			case "init":
				fb.init <- msg.Voice
			case "flush":
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","data":"hello"}`))
				_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
			}
		}
	}))
	t.Cleanup(fb.server.Close)
	return fb
}

func TestEndpointMapsSchemes(t *testing.T) {
	got, err := Config{BackendURL: "https://api.example.com/"}.Endpoint()
	if err != nil || got != "wss://api.example.com/ws/audio" {
		t.Fatalf("unexpected endpoint %q (%v)", got, err)
	}
	got, _ = Config{}.Endpoint()
	if got != "ws://localhost:3001/ws/audio" {
		t.Fatalf("expected local default, got %q", got)
	}
	if _, err := (Config{URL: "ftp://x"}).Endpoint(); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestStreamsAudioAndReceivesEvents(t *testing.T) {
	fb := newFakeBackend(t)
	tr := New(Config{BackendURL: fb.server.URL, SendInit: true, Voice: "en-US-JennyNeural"}, nil)

	inbound := make(chan transports.Message, 8)
	tr.OnMessage(func(m transports.Message) { inbound <- m })
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open error: %v", err)
	}
	defer tr.Close()

	select {
	case voice := <-fb.init:
		if voice != "en-US-JennyNeural" {
			t.Fatalf("unexpected voice %q", voice)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("init message not received")
	}

	for _, chunk := range [][]byte{{0xA}, {0xB}} {
		if err := tr.Send(chunk); err != nil {
			t.Fatalf("send error: %v", err)
		}
	}
	for _, want := range []byte{0xA, 0xB} {
		select {
		case got := <-fb.audio:
			if len(got) != 1 || got[0] != want {
				t.Fatalf("expected %x, got %x", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("audio not received")
		}
	}

	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush error: %v", err)
	}
	first := <-inbound
	if first.Kind != transports.MessageText || !strings.Contains(string(first.Data), "transcript") {
		t.Fatalf("expected transcript text first, got %s %q", first.Kind, first.Data)
	}
	second := <-inbound
	if second.Kind != transports.MessageBinary || len(second.Data) != 3 {
		t.Fatalf("expected binary audio, got %s %v", second.Kind, second.Data)
	}
}

func TestPeerDropSurfacesTransportLost(t *testing.T) {
	fb := newFakeBackend(t)
	tr := New(Config{BackendURL: fb.server.URL}, nil)
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open error: %v", err)
	}
	defer tr.Close()

	close(fb.drop)
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected liveness to report the drop")
	}
	if !errorsx.HasReason(tr.Err(), errorsx.ReasonTransportLost) {
		t.Fatalf("expected transport_lost, got %v", tr.Err())
	}
	if err := tr.Send([]byte{1}); !errorsx.HasReason(err, errorsx.ReasonTransportLost) {
		t.Fatalf("expected send to fail with transport_lost, got %v", err)
	}
}

func TestOpenFailureIsConnectionFailed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := New(Config{BackendURL: url, DialRetries: -1}, nil)
	err := tr.Open(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonConnectionFailed) {
		t.Fatalf("expected connection_failed, got %v", err)
	}
	if err := tr.Send([]byte{1}); err == nil {
		t.Fatalf("expected send on unopened transport to fail")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close on unopened transport: %v", err)
	}
}
