package playback

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/parley/pkg/events"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/metrics"
)

type Options struct {
	Logger   *slog.Logger
	Observer metrics.Observer
	// OnDrained fires on the pump goroutine whenever the FIFO empties and no
	// append is in flight.
	OnDrained func()
	// HoldLimit bounds how many out-of-order chunks wait for a missing one
	// before the gap is skipped. Zero disables the bound.
	HoldLimit int
	// GapTimeout skips a gap that stays open this long. Zero disables it.
	GapTimeout time.Duration
}

// Sink reorders chunks by sequence, queues the contiguous run and feeds it to
// the engine one append at a time.
type Sink struct {
	engine Engine
	opts   Options
	log    *slog.Logger

	mu       sync.Mutex
	next     uint64
	held     map[uint64]events.AudioChunk
	fifo     []events.AudioChunk
	inflight bool
	closed   bool
	played   int64
	gapTimer *time.Timer

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewSink(engine Engine, opts Options) *Sink {
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		engine: engine,
		opts:   opts,
		log:    logging.NewComponentLogger(opts.Logger, "playback"),
		held:   make(map[uint64]events.AudioChunk),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Enqueue accepts a chunk in any order. Duplicates and chunks older than the
// next expected sequence are dropped. An empty chunk only fills its slot in
// the sequence and is never handed to the engine.
func (s *Sink) Enqueue(c events.AudioChunk) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if c.Seq() < s.next {
		s.mu.Unlock()
		s.log.Debug("late_chunk_dropped", "seq", c.Seq(), "next", s.next)
		return
	}
	if _, dup := s.held[c.Seq()]; dup {
		s.mu.Unlock()
		return
	}
	s.held[c.Seq()] = c
	moved := s.promoteLocked()
	if moved == 0 && s.opts.HoldLimit > 0 && len(s.held) > s.opts.HoldLimit {
		moved = s.skipGapLocked("hold_limit")
	}
	s.armGapTimerLocked()
	s.mu.Unlock()
	if moved > 0 {
		s.kick()
	}
}

func (s *Sink) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// promoteLocked moves the contiguous run starting at next into the FIFO and
// returns how many playable chunks it queued.
func (s *Sink) promoteLocked() int {
	moved := 0
	for {
		c, ok := s.held[s.next]
		if !ok {
			return moved
		}
		delete(s.held, s.next)
		s.next++
		if c.Len() == 0 {
			continue
		}
		s.fifo = append(s.fifo, c)
		moved++
	}
}

func (s *Sink) skipGapLocked(cause string) int {
	skipped := s.lowestHeldLocked() - s.next
	s.next += skipped
	s.log.Warn("playback_gap_skipped", "missing", skipped, "next", s.next, "cause", cause)
	return s.promoteLocked()
}

// armGapTimerLocked runs the gap timer while chunks are held and stops it
// once nothing is.
func (s *Sink) armGapTimerLocked() {
	switch {
	case len(s.held) == 0 && s.gapTimer != nil:
		s.gapTimer.Stop()
		s.gapTimer = nil
	case len(s.held) > 0 && s.gapTimer == nil && s.opts.GapTimeout > 0:
		s.gapTimer = time.AfterFunc(s.opts.GapTimeout, s.gapExpired)
	}
}

func (s *Sink) gapExpired() {
	s.mu.Lock()
	s.gapTimer = nil
	if s.closed || len(s.held) == 0 {
		s.mu.Unlock()
		return
	}
	moved := s.skipGapLocked("gap_timeout")
	s.armGapTimerLocked()
	s.mu.Unlock()
	if moved > 0 {
		s.kick()
	}
}

func (s *Sink) lowestHeldLocked() uint64 {
	keys := make([]uint64, 0, len(s.held))
	for k := range s.held {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys[0]
}

// Pending reports queued plus held chunks, and whether an append is running.
func (s *Sink) Pending() (queued, held int, playing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fifo), len(s.held), s.inflight
}

// Idle is true when nothing is queued or playing.
func (s *Sink) Idle() bool {
	q, _, playing := s.Pending()
	return q == 0 && !playing
}

func (s *Sink) pump() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.closed || len(s.fifo) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if !closed && s.opts.OnDrained != nil {
					s.opts.OnDrained()
				}
				break
			}
			c := s.fifo[0]
			s.fifo = s.fifo[1:]
			s.inflight = true
			s.mu.Unlock()

			started := time.Now()
			err := s.engine.Append(s.ctx, c.Bytes())

			s.mu.Lock()
			s.inflight = false
			if err == nil {
				s.played++
			}
			s.mu.Unlock()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.log.Warn("playback_append_failed", "seq", c.Seq(), "error", err)
				continue
			}
			s.opts.Observer.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventPlaybackAppend,
				Time:  started,
				Value: float64(time.Since(started).Milliseconds()),
				Fields: map[string]any{
					"seq":                c.Seq(),
					metrics.FieldBytes: c.Len(),
				},
			})
		}
	}
}

// Close stops the pump, discards everything queued and closes the engine.
func (s *Sink) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		discarded := len(s.fifo) + len(s.held)
		s.fifo = nil
		s.held = map[uint64]events.AudioChunk{}
		if s.gapTimer != nil {
			s.gapTimer.Stop()
			s.gapTimer = nil
		}
		played := s.played
		s.mu.Unlock()
		s.cancel()
		<-s.done
		err = s.engine.Close()
		s.log.Info("playback_closed", "played", played, "discarded", discarded)
	})
	return err
}
