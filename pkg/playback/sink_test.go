package playback

import (
	"testing"
	"time"

	"github.com/harunnryd/parley/pkg/events"
)

func chunk(seq uint64) events.AudioChunk {
	return events.NewAudioChunk(seq, []byte{byte(seq)})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func order(chunks [][]byte) []byte {
	out := make([]byte, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c[0])
	}
	return out
}

func TestSinkPlaysOutOfOrderChunksInSequence(t *testing.T) {
	eng := &MemoryEngine{}
	drained := make(chan struct{}, 8)
	s := NewSink(eng, Options{OnDrained: func() { drained <- struct{}{} }})
	defer s.Close()

	s.Enqueue(chunk(2))
	s.Enqueue(chunk(0))
	s.Enqueue(chunk(1))

	waitFor(t, func() bool { return len(eng.Chunks()) == 3 })
	if got := order(eng.Chunks()); string(got) != string([]byte{0, 1, 2}) {
		t.Fatalf("play order = %v", got)
	}
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatalf("expected drained callback")
	}
}

func TestSinkHoldsGapUntilFilled(t *testing.T) {
	eng := &MemoryEngine{}
	s := NewSink(eng, Options{})
	defer s.Close()

	s.Enqueue(chunk(0))
	s.Enqueue(chunk(2))
	waitFor(t, func() bool { return len(eng.Chunks()) == 1 })
	if _, held, _ := s.Pending(); held != 1 {
		t.Fatalf("expected chunk 2 to be held, held=%d", held)
	}
	s.Enqueue(chunk(1))
	waitFor(t, func() bool { return len(eng.Chunks()) == 3 })
}

func TestSinkDropsDuplicatesAndLateChunks(t *testing.T) {
	eng := &MemoryEngine{}
	s := NewSink(eng, Options{})
	defer s.Close()

	s.Enqueue(chunk(0))
	s.Enqueue(chunk(1))
	waitFor(t, func() bool { return len(eng.Chunks()) == 2 })
	s.Enqueue(chunk(0))
	s.Enqueue(chunk(1))
	s.Enqueue(chunk(3))
	s.Enqueue(chunk(3))
	if _, held, _ := s.Pending(); held != 1 {
		t.Fatalf("expected one held chunk, got %d", held)
	}
	if len(eng.Chunks()) != 2 {
		t.Fatalf("late chunks should not play")
	}
}

func TestSinkSkipsGapPastHoldLimit(t *testing.T) {
	eng := &MemoryEngine{}
	s := NewSink(eng, Options{HoldLimit: 2})
	defer s.Close()

	s.Enqueue(chunk(1))
	s.Enqueue(chunk(2))
	s.Enqueue(chunk(3))
	waitFor(t, func() bool { return len(eng.Chunks()) == 3 })
	if got := order(eng.Chunks()); string(got) != string([]byte{1, 2, 3}) {
		t.Fatalf("play order = %v", got)
	}
}

func TestSinkAppendsOneAtATime(t *testing.T) {
	eng := &MemoryEngine{Gate: make(chan struct{})}
	s := NewSink(eng, Options{})
	defer s.Close()

	s.Enqueue(chunk(0))
	s.Enqueue(chunk(1))
	waitFor(t, func() bool {
		q, _, playing := s.Pending()
		return playing && q == 1
	})
	eng.Gate <- struct{}{}
	waitFor(t, func() bool { return len(eng.Chunks()) == 1 })
	if s.Idle() {
		t.Fatalf("sink should still have work")
	}
	eng.Gate <- struct{}{}
	waitFor(t, func() bool { return len(eng.Chunks()) == 2 && s.Idle() })
}

func TestSinkCloseDiscardsQueueAndClosesEngine(t *testing.T) {
	eng := &MemoryEngine{Gate: make(chan struct{})}
	s := NewSink(eng, Options{})

	s.Enqueue(chunk(0))
	s.Enqueue(chunk(1))
	s.Enqueue(chunk(3))
	waitFor(t, func() bool { _, _, playing := s.Pending(); return playing })

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !eng.Closed() {
		t.Fatalf("engine should be closed")
	}
	if len(eng.Chunks()) != 0 {
		t.Fatalf("nothing should have played, got %d", len(eng.Chunks()))
	}
	s.Enqueue(chunk(2))
	if q, held, _ := s.Pending(); q != 0 || held != 0 {
		t.Fatalf("closed sink must not queue, q=%d held=%d", q, held)
	}
}

func TestParseEncoding(t *testing.T) {
	if e, err := ParseEncoding(""); err != nil || e != EncodingMP3 {
		t.Fatalf("default encoding = %q, %v", e, err)
	}
	if _, err := ParseEncoding("ogg"); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestSinkEmptyChunkFillsItsSlot(t *testing.T) {
	eng := &MemoryEngine{}
	s := NewSink(eng, Options{})
	defer s.Close()

	s.Enqueue(chunk(0))
	s.Enqueue(chunk(2))
	s.Enqueue(events.NewAudioChunk(1, nil))
	waitFor(t, func() bool { return len(eng.Chunks()) == 2 })
	if got := order(eng.Chunks()); string(got) != string([]byte{0, 2}) {
		t.Fatalf("play order = %v", got)
	}
	if _, held, _ := s.Pending(); held != 0 {
		t.Fatalf("expected nothing held, got %d", held)
	}
}

func TestSinkGapTimeoutSkipsLostChunk(t *testing.T) {
	eng := &MemoryEngine{}
	s := NewSink(eng, Options{GapTimeout: 20 * time.Millisecond})
	defer s.Close()

	s.Enqueue(chunk(0))
	s.Enqueue(chunk(2))
	s.Enqueue(chunk(3))
	waitFor(t, func() bool { return len(eng.Chunks()) == 3 })
	if got := order(eng.Chunks()); string(got) != string([]byte{0, 2, 3}) {
		t.Fatalf("play order = %v", got)
	}
	// The skipped chunk is late now.
	s.Enqueue(chunk(1))
	if _, held, _ := s.Pending(); held != 0 {
		t.Fatalf("late chunk should be dropped, held=%d", held)
	}
}
