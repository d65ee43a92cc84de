package room

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/parley/pkg/decoder"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/events"
	"github.com/harunnryd/parley/pkg/playback"
	"github.com/harunnryd/parley/pkg/transports"
	"github.com/pion/rtp"
)

func TestAcquireTokenPostsIdentityAndRoom(t *testing.T) {
	var got tokenRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get-token" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(tokenResponse{Token: "tok-123"})
	}))
	defer srv.Close()

	tr := New(Config{BackendURL: srv.URL, Identity: "ada", Room: "r1", Credential: "secret"}, nil)
	tok, err := tr.acquireToken(context.Background())
	if err != nil {
		t.Fatalf("acquireToken: %v", err)
	}
	if tok != "tok-123" {
		t.Fatalf("token = %q", tok)
	}
	if got.Identity != "ada" || got.Room != "r1" {
		t.Fatalf("request = %+v", got)
	}
	if auth != "Bearer secret" {
		t.Fatalf("auth header = %q", auth)
	}
}

func TestTokenRejectionIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	tr := New(Config{BackendURL: srv.URL, Retries: 3, RetryBackoff: time.Millisecond}, nil)
	err := tr.Open(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonConnectionFailed) {
		t.Fatalf("expected connection_failed, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestTokenServerErrorIsRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(tokenResponse{Token: "later"})
	}))
	defer srv.Close()

	tr := New(Config{BackendURL: srv.URL, Retries: 2, RetryBackoff: time.Millisecond}, nil)
	tok, err := tr.acquireToken(context.Background())
	if err != nil || tok != "later" {
		t.Fatalf("token=%q err=%v", tok, err)
	}
}

func TestExchangeSDPSendsBearerAndOffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/sdp" {
			http.Error(w, "content type", http.StatusUnsupportedMediaType)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "auth", http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("answer-for:" + string(body)))
	}))
	defer srv.Close()

	tr := New(Config{MediaRelayURL: srv.URL}, nil)
	answer, err := tr.exchangeSDP(context.Background(), "tok", "v=0")
	if err != nil {
		t.Fatalf("exchangeSDP: %v", err)
	}
	if answer != "answer-for:v=0" {
		t.Fatalf("answer = %q", answer)
	}

	if _, err := tr.exchangeSDP(context.Background(), "wrong", "v=0"); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}

func TestSendBeforeOpenIsClosed(t *testing.T) {
	tr := New(Config{}, nil)
	if err := tr.Send(make([]byte, 640)); !errors.Is(err, transports.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := tr.Flush(context.Background()); !errors.Is(err, transports.ErrClosed) {
		t.Fatalf("expected ErrClosed from flush, got %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSeqUnwrapperHandlesWrapAndLatePackets(t *testing.T) {
	var u seqUnwrapper
	steps := []struct {
		in   uint16
		want uint64
		ok   bool
	}{
		{65534, reorderWindow, true},
		{65535, reorderWindow + 1, true},
		{0, reorderWindow + 2, true},
		{65535, reorderWindow + 1, true},
		{1, reorderWindow + 3, true},
		{65533, reorderWindow - 1, true},
		{65400, 0, false},
	}
	for i, s := range steps {
		got, ok := u.next(s.in)
		if ok != s.ok || (ok && got != s.want) {
			t.Fatalf("step %d: next(%d) = %d,%v want %d,%v", i, s.in, got, ok, s.want, s.ok)
		}
	}
}

func TestSeqUnwrapperKeepsPacketSwappedWithFirst(t *testing.T) {
	var u seqUnwrapper
	first, _ := u.next(501)
	early, ok := u.next(500)
	if !ok || early != first-1 {
		t.Fatalf("packet 500 after 501: got %d,%v want %d", early, ok, first-1)
	}
}

func TestDeliverRTPKeepsEmptyPacketsInSequence(t *testing.T) {
	tr := New(Config{}, nil)
	var got []transports.Message
	tr.OnMessage(func(m transports.Message) { got = append(got, m) })

	var seq seqUnwrapper
	tr.deliverRTP(&seq, &rtp.Packet{Header: rtp.Header{SequenceNumber: 100}, Payload: []byte{0xff, 0xff}})
	tr.deliverRTP(&seq, &rtp.Packet{Header: rtp.Header{SequenceNumber: 101}})
	tr.deliverRTP(&seq, &rtp.Packet{Header: rtp.Header{SequenceNumber: 102}, Payload: []byte{0xff}})

	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	for i, m := range got {
		if m.Kind != transports.MessageBinary || !m.HasSeq || m.Seq != uint64(reorderWindow+i) {
			t.Fatalf("message %d: unexpected %+v", i, m)
		}
	}
	if len(got[0].Data) != 4 || len(got[1].Data) != 0 || len(got[2].Data) != 2 {
		t.Fatalf("unexpected payload sizes %d/%d/%d", len(got[0].Data), len(got[1].Data), len(got[2].Data))
	}
}

// roomPlayback wires deliverRTP through the decoder into a playback sink the
// way a room session does.
func roomPlayback(t *testing.T, opts playback.Options) (*Transport, *seqUnwrapper, *playback.MemoryEngine, *playback.Sink) {
	t.Helper()
	eng := &playback.MemoryEngine{}
	sink := playback.NewSink(eng, opts)
	t.Cleanup(func() { _ = sink.Close() })
	dec := decoder.New(nil)
	tr := New(Config{}, nil)
	tr.OnMessage(func(m transports.Message) {
		evs, _ := dec.Decode(m)
		for _, ev := range evs {
			if a, ok := ev.(events.AudioChunkReceived); ok {
				sink.Enqueue(a.Chunk())
			}
		}
	})
	return tr, &seqUnwrapper{}, eng, sink
}

func waitPlayed(t *testing.T, eng *playback.MemoryEngine, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(eng.Chunks()) < want {
		if time.Now().After(deadline) {
			t.Fatalf("played %d of %d packets", len(eng.Chunks()), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRoomPlaybackPlaysAcrossEmptyPacketWithSessionDefaults(t *testing.T) {
	tr, seq, eng, sink := roomPlayback(t, playback.Options{HoldLimit: 25, GapTimeout: 150 * time.Millisecond})
	for n := uint16(500); n < 510; n++ {
		pkt := &rtp.Packet{Header: rtp.Header{SequenceNumber: n}}
		if n != 501 {
			pkt.Payload = []byte{0xff}
		}
		tr.deliverRTP(seq, pkt)
	}
	waitPlayed(t, eng, 9)
	if queued, held, _ := sink.Pending(); queued != 0 || held != 0 {
		t.Fatalf("expected nothing left behind, queued=%d held=%d", queued, held)
	}
}

func TestRoomPlaybackSkipsLeadingAndLostGaps(t *testing.T) {
	tr, seq, eng, sink := roomPlayback(t, playback.Options{GapTimeout: 20 * time.Millisecond})
	for n := uint16(500); n < 510; n++ {
		switch n {
		case 501:
			tr.deliverRTP(seq, &rtp.Packet{Header: rtp.Header{SequenceNumber: n}})
		case 505:
			// lost on the network
		default:
			tr.deliverRTP(seq, &rtp.Packet{Header: rtp.Header{SequenceNumber: n}, Payload: []byte{0xff}})
		}
	}
	waitPlayed(t, eng, 8)
	if queued, held, _ := sink.Pending(); queued != 0 || held != 0 {
		t.Fatalf("expected nothing left behind, queued=%d held=%d", queued, held)
	}
}

func TestRoomPlaybackHoldLimitSkipsLostPacket(t *testing.T) {
	tr, seq, eng, _ := roomPlayback(t, playback.Options{HoldLimit: 3})
	for n := uint16(500); n < 510; n++ {
		if n == 503 {
			continue
		}
		tr.deliverRTP(seq, &rtp.Packet{Header: rtp.Header{SequenceNumber: n}, Payload: []byte{0xff}})
	}
	waitPlayed(t, eng, 9)
}
