package observers

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/harunnryd/parley/pkg/metrics"
)

func TestLoggerObserverRaisesFailuresToWarn(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	obs := NewMultiObserver(nil, NewLoggerObserver(log))

	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventChunkSent})
	if buf.Len() != 0 {
		t.Fatalf("chunk events should stay at debug, got %q", buf.String())
	}
	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventTransportLost,
		Tags: map[string]string{metrics.TagTurnID: "t-2", metrics.TagSessionID: "s-1"},
	})
	out := buf.String()
	for _, want := range []string{"level=WARN", "event=transport_lost", "session_id=s-1", "turn_id=t-2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log %q missing %s", out, want)
		}
	}
	if strings.Index(out, "session_id") > strings.Index(out, "turn_id") {
		t.Fatalf("tags should be sorted: %q", out)
	}
}
