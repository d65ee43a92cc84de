package metrics

import "sync"

// MemoryObserver keeps every event in arrival order. Tests use it to
// assert on what a session emitted.
type MemoryObserver struct {
	mu     sync.Mutex
	events []MetricsEvent
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Events returns a snapshot of everything recorded so far.
func (m *MemoryObserver) Events() []MetricsEvent {
	return m.filter(func(MetricsEvent) bool { return true })
}

func (m *MemoryObserver) Named(name string) []MetricsEvent {
	return m.filter(func(ev MetricsEvent) bool { return ev.Name == name })
}

// ForTurn returns the events tagged with turnID.
func (m *MemoryObserver) ForTurn(turnID string) []MetricsEvent {
	return m.filter(func(ev MetricsEvent) bool { return ev.Tag(TagTurnID) == turnID })
}

func (m *MemoryObserver) Count(name string) int {
	return len(m.Named(name))
}

// Names lists event names in the order they were recorded.
func (m *MemoryObserver) Names() []string {
	evs := m.Events()
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Name
	}
	return out
}

func (m *MemoryObserver) filter(keep func(MetricsEvent) bool) []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MetricsEvent
	for _, ev := range m.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}
