package observers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/parley/pkg/metrics"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	tags := map[string]string{metrics.TagSessionID: "session/1", metrics.TagTurnID: "t1"}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventChunkSent, Time: time.Now(), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTranscript, Time: time.Now(), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSessionEnded, Time: time.Now(), Tags: tags})

	b, err := os.ReadFile(obs.Path("session/1"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if filepath.Base(obs.Path("session/1")) != "session_1.jsonl" {
		t.Fatalf("unexpected file name %s", obs.Path("session/1"))
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected chunk events to be skipped, got %d lines", len(lines))
	}
	if !strings.Contains(lines[0], metrics.EventTranscript) || !strings.Contains(lines[0], `"turn_id":"t1"`) {
		t.Fatalf("unexpected first line %s", lines[0])
	}
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestTimelinePurgeRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	keep := filepath.Join(dir, "keep.txt")
	for _, p := range []string{old, keep} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	_ = os.Chtimes(old, past, past)
	_ = os.Chtimes(keep, past, past)

	n, err := NewTimelineObserver(dir).Purge(24 * time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("purge = %d, %v", n, err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("non-timeline file should stay: %v", err)
	}
}

func TestUsageObserverWritesSummaryOnSessionEnd(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)
	tags := map[string]string{metrics.TagSessionID: "s1", metrics.TagTransport: "duplex"}

	for i := 0; i < 4; i++ {
		obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventChunkSent, Tags: tags, Fields: map[string]any{
			metrics.FieldBytes: 9600, metrics.FieldAudioSeconds: 0.3,
		}})
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnComplete, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnAbandoned, Tags: tags})

	running, ok := obs.Summary("s1")
	if !ok || running.Turns != 1 || running.UploadedBytes != 38400 {
		t.Fatalf("unexpected running summary %+v", running)
	}

	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSessionEnded, Tags: tags, Fields: map[string]any{
		metrics.FieldElapsedSeconds: 600.0, metrics.FieldCreditForfeited: true,
	}})
	b, err := os.ReadFile(filepath.Join(dir, "s1.usage.json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var got UsageSummary
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Transport != "duplex" || got.AbandonedTurns != 1 || !got.CreditForfeited || got.ElapsedSeconds != 600 {
		t.Fatalf("unexpected summary %+v", got)
	}
	if _, ok := obs.Summary("s1"); ok {
		t.Fatalf("summary should be released after session end")
	}
}

func TestLatencyObserverMeasuresTurn(t *testing.T) {
	obs := NewLatencyObserver(nil)
	base := time.Now()
	tags := map[string]string{metrics.TagTurnID: "t1", metrics.TagSessionID: "s"}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventUtteranceEnd, Time: base, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTranscript, Time: base.Add(200 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventReplyFirstDelta, Time: base.Add(500 * time.Millisecond), Tags: tags})

	l, ok := obs.Measure("t1")
	if !ok {
		t.Fatalf("expected trace in flight")
	}
	if l.TranscriptMs != 200 || l.ReplyFirstMs != 500 || l.AudioFirstMs != -1 {
		t.Fatalf("unexpected latency %+v", l)
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnComplete, Time: base.Add(time.Second), Tags: tags})
	if _, ok := obs.Measure("t1"); ok {
		t.Fatalf("trace should be released after turn completion")
	}
}
