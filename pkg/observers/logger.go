package observers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/harunnryd/parley/pkg/metrics"
)

// LoggerObserver mirrors metrics events into the structured log. Failures
// are logged at warn, everything else at debug.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := eventLevel(ev.Name)
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, 3+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs, slog.String("event", ev.Name), slog.Time("at", ev.Time))
	if ev.Value != 0 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	for _, k := range sortedKeys(ev.Tags) {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for _, k := range sortedKeys(ev.Fields) {
		attrs = append(attrs, slog.Any(k, ev.Fields[k]))
	}
	o.log.LogAttrs(ctx, level, "session_metric", attrs...)
}

func eventLevel(name string) slog.Level {
	switch name {
	case metrics.EventTransportLost, metrics.EventRemoteCallFailed, metrics.EventTurnAbandoned:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MultiObserver fans each event out to every observer in order.
type MultiObserver []metrics.Observer

// NewMultiObserver drops nil entries up front.
func NewMultiObserver(list ...metrics.Observer) MultiObserver {
	out := make(MultiObserver, 0, len(list))
	for _, o := range list {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, o := range m {
		o.RecordEvent(ev)
	}
}
