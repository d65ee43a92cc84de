package metrics

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// jsonlRecord is one line of the metrics log.
type jsonlRecord struct {
	Name   string            `json:"name"`
	At     time.Time         `json:"at"`
	Value  float64           `json:"value,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
	Fields map[string]any    `json:"fields,omitempty"`
}

// JSONLObserver appends one JSON object per event to a writer.
type JSONLObserver struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	failed bool
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{enc: json.NewEncoder(w)}
}

// OpenJSONL appends to the file at path, creating parent directories.
func OpenJSONL(path string) (*JSONLObserver, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	o := NewJSONLObserver(f)
	o.closer = f
	return o, nil
}

// RecordEvent writes ev. After the first write error the observer goes
// quiet rather than failing every event.
func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	rec := jsonlRecord{Name: ev.Name, At: ev.Time, Value: ev.Value, Tags: ev.Tags, Fields: ev.Fields}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failed {
		return
	}
	if err := o.enc.Encode(rec); err != nil {
		o.failed = true
	}
}

func (o *JSONLObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closer == nil {
		return nil
	}
	err := o.closer.Close()
	o.closer = nil
	return err
}
