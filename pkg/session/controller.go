// Package session owns one interview: it acquires the transport, microphone
// and playback device, routes audio and peer events through the
// conversation machine, and tears everything down when the user leaves.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/capture"
	"github.com/harunnryd/parley/pkg/conversation"
	"github.com/harunnryd/parley/pkg/decoder"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/metrics"
	"github.com/harunnryd/parley/pkg/playback"
	"github.com/harunnryd/parley/pkg/priority"
	"github.com/harunnryd/parley/pkg/transports"
)

var ErrNotStarted = errorsx.New(errorsx.ReasonInvalidState, "session not started")

type Config struct {
	SessionID     string
	Mode          conversation.Mode
	Greeting      string
	ForfeitAfter  time.Duration
	FeedbackRoute string
	// CaptureFormat is used to convert sent bytes into audio seconds for metrics.
	CaptureFormat audio.Format
	// PlaybackHoldLimit and PlaybackGapWait bound how long the playback sink
	// waits for a missing chunk. Zero disables each bound.
	PlaybackHoldLimit int
	PlaybackGapWait   time.Duration
	Logger            *slog.Logger
	Observer          metrics.Observer
	Clock             Clock
}

func (c Config) withDefaults() Config {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.ForfeitAfter <= 0 {
		c.ForfeitAfter = DefaultForfeitAfter
	}
	if c.FeedbackRoute == "" {
		c.FeedbackRoute = "/feedback"
	}
	if !c.CaptureFormat.Valid() {
		c.CaptureFormat = audio.Format{SampleRate: 16000, Channels: 1}
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	return c
}

// Deps are the exclusively-held resources the controller acquires and releases.
type Deps struct {
	Capture   capture.Source
	Transport transports.Transport
	Engine    playback.Engine
	Decoder   *decoder.Decoder
	Navigator Navigator
}

// Controller runs every state change on one loop goroutine. Public methods
// enqueue commands and wait for the loop to answer.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	machine *conversation.Machine
	sink    *playback.Sink
	queue   *priority.PriorityQueue

	// loop-owned
	startedAt   time.Time
	recording   bool
	captureGen  int
	pumpDone    chan struct{}
	turnSeq     int
	turnID      string
	replyInTurn bool
	audioInTurn bool

	halted  atomic.Bool
	ended   atomic.Bool
	started atomic.Bool

	statusMu sync.RWMutex
	status   status

	subMu      sync.Mutex
	subs       []chan Update
	subsClosed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	teardownOnce sync.Once
	doneOnce     sync.Once
}

type status struct {
	startedAt  time.Time
	captureErr error
	err        error
	alert      string
	outcome    *Outcome
	endedAt    time.Time
}

func New(cfg Config, deps Deps) *Controller {
	cfg = cfg.withDefaults()
	if deps.Decoder == nil {
		deps.Decoder = decoder.New(cfg.Logger, decoder.WithObserver(cfg.Observer))
	}
	if deps.Engine == nil {
		deps.Engine = &playback.MemoryEngine{}
	}
	log := logging.NewComponentLogger(cfg.Logger, "session").With("session_id", cfg.SessionID)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:   cfg,
		deps:  deps,
		log:   log,
		queue: priority.New(64, 8192, 4),
		machine: conversation.New(conversation.Options{
			Mode:     cfg.Mode,
			Greeting: cfg.Greeting,
			Now:      cfg.Clock.Now,
		}),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.sink = playback.NewSink(deps.Engine, playback.Options{
		Logger:     cfg.Logger,
		Observer:   cfg.Observer,
		HoldLimit:  cfg.PlaybackHoldLimit,
		GapTimeout: cfg.PlaybackGapWait,
		OnDrained:  func() { c.queue.PushLow(playbackDrained{}) },
	})
	return c
}

func (c *Controller) ID() string { return c.cfg.SessionID }

// Start opens the transport and starts the loop. On failure the session
// cannot proceed and the playback device is released.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	c.deps.Transport.OnMessage(func(m transports.Message) {
		if c.ended.Load() {
			return
		}
		if !c.queue.PushLow(inbound{msg: m}) {
			c.log.Warn("inbound_dropped", "kind", m.Kind.String(), "bytes", len(m.Data))
		}
	})
	if err := c.deps.Transport.Open(ctx); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonConnectionFailed)
		c.log.Error("transport_open_failed", "transport", c.deps.Transport.Name(), "reason_code", errorsx.Reason(err), "error", err)
		c.ended.Store(true)
		_ = c.sink.Close()
		c.queue.Close()
		c.cancel()
		c.closeDone()
		return err
	}
	c.startedAt = c.cfg.Clock.Now()
	c.setStatus(func(s *status) { s.startedAt = c.startedAt })
	fields := []any{"transport", c.deps.Transport.Name(), "mode", c.cfg.Mode.String()}
	if rr, ok := c.deps.Transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
	}
	c.log.Info("session_started", fields...)

	if l, ok := c.deps.Transport.(transports.Liveness); ok {
		go func() {
			select {
			case <-l.Done():
				c.queue.PushLow(transportLost{err: l.Err()})
			case <-c.ctx.Done():
			}
		}()
	}
	go c.loop()
	c.publish("started")
	return nil
}

// Done is closed once the loop has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Controller) StartRecording(ctx context.Context) error {
	_, err := c.do(ctx, cmdStartRecording)
	return err
}

func (c *Controller) StopRecording(ctx context.Context) error {
	_, err := c.do(ctx, cmdStopRecording)
	return err
}

func (c *Controller) ToggleRecording(ctx context.Context) error {
	_, err := c.do(ctx, cmdToggleRecording)
	return err
}

func (c *Controller) RequestLeave(ctx context.Context) error {
	_, err := c.do(ctx, cmdRequestLeave)
	return err
}

func (c *Controller) DismissLeave(ctx context.Context) error {
	_, err := c.do(ctx, cmdDismissLeave)
	return err
}

// ConfirmLeave ends the session and hands the outcome to the Navigator.
func (c *Controller) ConfirmLeave(ctx context.Context) (Outcome, error) {
	res, err := c.do(ctx, cmdConfirmLeave)
	if res.outcome == nil {
		return Outcome{}, err
	}
	return *res.outcome, err
}

// Close tears the session down without navigating; used on process shutdown.
func (c *Controller) Close() error {
	if !c.started.Load() {
		c.teardown("closed before start")
		c.closeDone()
		return nil
	}
	select {
	case <-c.done:
		return nil
	default:
	}
	_, err := c.do(context.Background(), cmdShutdown)
	if errors.Is(err, priority.ErrClosed) {
		err = nil
	}
	<-c.done
	return err
}

func (c *Controller) do(ctx context.Context, kind commandKind) (result, error) {
	if !c.started.Load() {
		return result{}, ErrNotStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := command{kind: kind, ctx: ctx, reply: make(chan result, 1)}
	if err := c.queue.PushHigh(ctx, cmd); err != nil {
		return result{}, err
	}
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-c.done:
		select {
		case res := <-cmd.reply:
			return res, res.err
		default:
		}
		return result{}, priority.ErrClosed
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}
