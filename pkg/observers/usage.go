package observers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/parley/pkg/metrics"
)

// UsageSummary totals what one session consumed.
type UsageSummary struct {
	SessionID       string  `json:"session_id"`
	Transport       string  `json:"transport,omitempty"`
	UploadedSeconds float64 `json:"uploaded_audio_seconds"`
	UploadedBytes   int64   `json:"uploaded_bytes"`
	Turns           int     `json:"turns"`
	AbandonedTurns  int     `json:"abandoned_turns"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	CreditForfeited bool    `json:"credit_forfeited"`
	RecordedAtUTC   string  `json:"recorded_at_utc"`
}

// UsageObserver aggregates usage per session and writes
// <dir>/<session>.usage.json when the session ends.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := ev.Tag(metrics.TagSessionID)
	if id == "" {
		return
	}
	o.mu.Lock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{SessionID: id}
		o.stats[id] = stat
	}
	if t := ev.Tag(metrics.TagTransport); t != "" {
		stat.Transport = t
	}
	switch ev.Name {
	case metrics.EventChunkSent:
		if sec, ok := ev.Float(metrics.FieldAudioSeconds); ok {
			stat.UploadedSeconds += sec
		}
		if b, ok := ev.Float(metrics.FieldBytes); ok {
			stat.UploadedBytes += int64(b)
		}
	case metrics.EventTurnComplete:
		stat.Turns++
	case metrics.EventTurnAbandoned:
		stat.AbandonedTurns++
	case metrics.EventSessionEnded:
		if sec, ok := ev.Float(metrics.FieldElapsedSeconds); ok {
			stat.ElapsedSeconds = sec
		}
		if v, ok := ev.Fields[metrics.FieldCreditForfeited].(bool); ok {
			stat.CreditForfeited = v
		}
		summary := *stat
		delete(o.stats, id)
		o.mu.Unlock()
		_ = o.write(summary)
		return
	}
	o.mu.Unlock()
}

// Summary returns the running totals for a session still in progress.
func (o *UsageObserver) Summary(sessionID string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.stats[sessionID]
	if !ok {
		return UsageSummary{}, false
	}
	return *s, true
}

func (o *UsageObserver) write(s UsageSummary) error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	s.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.dir, sanitizeID(s.SessionID)+".usage.json"), b, 0o644)
}

var _ metrics.Observer = (*UsageObserver)(nil)
