package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSamplingOnlyThinsNamedEvents(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25, EventChunkSent)
	for i := 0; i < 8; i++ {
		s.RecordEvent(MetricsEvent{Name: EventChunkSent})
	}
	s.RecordEvent(MetricsEvent{Name: EventTurnComplete})
	if got := mem.Count(EventChunkSent); got != 2 {
		t.Fatalf("expected 2 sampled chunk events, got %d", got)
	}
	if mem.Count(EventTurnComplete) != 1 {
		t.Fatalf("unsampled events must pass through")
	}
}

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 16, nil)
	for i := 0; i < 10; i++ {
		a.RecordEvent(MetricsEvent{Name: EventFirstAudio})
	}
	a.Close()
	if mem.Count(EventFirstAudio) != 10 {
		t.Fatalf("expected 10 events, got %d", mem.Count(EventFirstAudio))
	}
	a.RecordEvent(MetricsEvent{Name: EventFirstAudio})
	if mem.Count(EventFirstAudio) != 10 {
		t.Fatalf("events after close must be ignored")
	}
}

func TestOpenJSONLAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "metrics.jsonl")
	o, err := OpenJSONL(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	o.RecordEvent(MetricsEvent{Name: EventSessionEnded, Tags: map[string]string{TagSessionID: "s-1"}, Fields: map[string]any{FieldCreditForfeited: true}})
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	line := string(b)
	for _, want := range []string{`"name":"session_ended"`, `"session_id":"s-1"`, `"credit_forfeited":true`} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %s", line, want)
		}
	}
}

func TestEventFloatAcceptsNumericTypes(t *testing.T) {
	ev := MetricsEvent{Fields: map[string]any{"a": 2, "b": int64(3), "c": 1.5, "d": "x"}}
	for key, want := range map[string]float64{"a": 2, "b": 3, "c": 1.5} {
		if got, ok := ev.Float(key); !ok || got != want {
			t.Fatalf("%s = %v,%v", key, got, ok)
		}
	}
	if _, ok := ev.Float("d"); ok {
		t.Fatalf("string field should not convert")
	}
}
