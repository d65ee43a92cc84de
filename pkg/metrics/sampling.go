package metrics

import "sync"

// SamplingObserver keeps one in every N events for the names it samples and
// passes everything else through untouched. Per-chunk events would
// otherwise dominate a JSONL log.
type SamplingObserver struct {
	inner Observer
	every int // 0 drops all sampled events

	mu   sync.Mutex
	seen map[string]int
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	every := 0
	switch {
	case rate >= 1:
		every = 1
	case rate > 0:
		every = max(1, int(1/rate+0.5))
	}
	seen := make(map[string]int, len(names))
	for _, n := range names {
		seen[n] = 0
	}
	return &SamplingObserver{inner: inner, every: every, seen: seen}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.keep(ev.Name) {
		s.inner.RecordEvent(ev)
	}
}

func (s *SamplingObserver) keep(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, sampled := s.seen[name]
	if !sampled {
		return true
	}
	if s.every == 0 {
		return false
	}
	n++
	s.seen[name] = n
	return n%s.every == 0
}
