// Package parley wires configuration into a ready-to-run interview session.
package parley

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/parley/pkg/capture"
	"github.com/harunnryd/parley/pkg/conversation"
	"github.com/harunnryd/parley/pkg/decoder"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/metrics"
	"github.com/harunnryd/parley/pkg/observers"
	"github.com/harunnryd/parley/pkg/playback"
	"github.com/harunnryd/parley/pkg/redact"
	"github.com/harunnryd/parley/pkg/session"
	"github.com/harunnryd/parley/pkg/transports"
)

type Engine struct {
	cfg       Config
	log       *slog.Logger
	registry  *Registry
	session   *session.Controller
	transport transports.Transport
	asyncObs  *metrics.AsyncObserver
	latency   *observers.LatencyObserver
	usage     *observers.UsageObserver
	closers   []io.Closer
}

type EngineOptions struct {
	Config   Config
	Registry *Registry
	// Logger overrides the process logger built from Config.
	Logger    *slog.Logger
	Navigator session.Navigator
	Observers []metrics.Observer
	Clock     session.Clock
	SessionID string

	// Optional pre-built components; nil means build from Config.
	Capture   capture.Source
	Transport transports.Transport
	Playback  playback.Engine
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	e := &Engine{cfg: cfg, registry: opts.Registry}
	if e.registry == nil {
		e.registry = DefaultRegistry()
	}

	logger := opts.Logger
	if logger == nil {
		out, err := openLogOutput(cfg.LogFile)
		if err != nil {
			return nil, err
		}
		if c, ok := out.(io.Closer); ok && out != os.Stdout {
			e.closers = append(e.closers, c)
		}
		logger = logging.InitLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: out})
	}
	e.log = logging.NewComponentLogger(logger, "engine")
	redact.SetEnabled(cfg.Privacy.RedactLogs)

	e.log.Info("parley_init",
		"transport", cfg.Transport.Mode,
		"capture_device", cfg.Capture.Device,
		"playback_engine", cfg.Playback.Engine,
		"backend_url", cfg.BackendURL,
	)

	observer, err := e.buildObservers(logger, opts.Observers)
	if err != nil {
		e.closeAll()
		return nil, err
	}

	mode := conversation.ModeConcurrent
	if cfg.Transport.Mode == "batch" {
		mode = conversation.ModeSequential
	}

	stream, err := cfg.playbackStream()
	if err != nil {
		e.closeAll()
		return nil, err
	}

	tr := opts.Transport
	if tr == nil {
		if tr, err = e.registry.BuildTransport(cfg.Transport.Mode, cfg, logger); err != nil {
			e.closeAll()
			return nil, err
		}
	}
	e.transport = tr

	src := opts.Capture
	if src == nil {
		device, err := e.registry.BuildCapture(cfg.Capture.Device, cfg)
		if err != nil {
			e.closeAll()
			return nil, err
		}
		src = capture.NewRecorder(device, capture.Options{
			Format:        cfg.CaptureFormat(),
			ChunkInterval: cfg.Capture.ChunkInterval,
			Logger:        logger,
		})
	}

	out := opts.Playback
	if out == nil {
		if out, err = e.registry.BuildPlayback(cfg.Playback.Engine, cfg, stream, logger); err != nil {
			e.closeAll()
			return nil, err
		}
	}

	dec := decoder.New(logger,
		decoder.WithObserver(observer),
		decoder.WithFinalReplies(cfg.Transport.Mode == "room"),
	)

	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	e.session = session.New(session.Config{
		SessionID:         id,
		Mode:              mode,
		Greeting:          cfg.Session.Greeting,
		ForfeitAfter:      cfg.Session.ForfeitAfter,
		FeedbackRoute:     cfg.Session.FeedbackRoute,
		CaptureFormat:     cfg.CaptureFormat(),
		PlaybackHoldLimit: cfg.Playback.HoldLimit,
		PlaybackGapWait:   cfg.Playback.GapTimeout,
		Logger:            logger,
		Observer:          observer,
		Clock:             opts.Clock,
	}, session.Deps{
		Capture:   src,
		Transport: tr,
		Engine:    out,
		Decoder:   dec,
		Navigator: opts.Navigator,
	})
	return e, nil
}

func (e *Engine) buildObservers(logger *slog.Logger, extra []metrics.Observer) (metrics.Observer, error) {
	e.latency = observers.NewLatencyObserver(logger)
	list := []metrics.Observer{e.latency, observers.NewLoggerObserver(logger)}

	if dir := strings.TrimSpace(e.cfg.Metrics.ArtifactsDir); dir != "" {
		timeline := observers.NewTimelineObserver(dir)
		if days := e.cfg.Metrics.RetentionDays; days > 0 {
			if n, err := timeline.Purge(time.Duration(days) * 24 * time.Hour); err != nil {
				e.log.Warn("artifact_purge_failed", "error", err)
			} else if n > 0 {
				e.log.Info("artifacts_purged", "count", n)
			}
		}
		e.usage = observers.NewUsageObserver(dir)
		e.closers = append(e.closers, timeline)
		list = append(list, timeline, e.usage)
	}
	if path := strings.TrimSpace(e.cfg.Metrics.JSONLPath); path != "" {
		jsonl, err := metrics.OpenJSONL(path)
		if err != nil {
			return nil, fmt.Errorf("open metrics log: %w", err)
		}
		e.closers = append(e.closers, jsonl)
		list = append(list, metrics.NewSamplingObserver(jsonl, e.cfg.Metrics.ChunkSampleRate, metrics.EventChunkSent))
	}
	list = append(list, extra...)
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), 2048, logger)
	return e.asyncObs, nil
}

func (c Config) playbackStream() (playback.Stream, error) {
	if c.Transport.Mode == "room" {
		// Room audio arrives as decoded PCMU.
		return playback.Stream{Encoding: playback.EncodingS16LE, SampleRate: 8000, Channels: 1}, nil
	}
	enc, err := playback.ParseEncoding(c.Playback.Format)
	if err != nil {
		return playback.Stream{}, err
	}
	return playback.Stream{Encoding: enc, SampleRate: c.Playback.SampleRate, Channels: c.Playback.Channels}.WithDefaults(), nil
}

func openLogOutput(path string) (io.Writer, error) {
	if strings.TrimSpace(path) == "" {
		return os.Stdout, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Start opens the transport. The caller drives recording through Session.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return e.session.Start(ctx)
}

// Stop tears the session down (if still live) and flushes observers.
func (e *Engine) Stop() error {
	err := e.session.Close()
	e.closeAll()
	return err
}

// Drain waits for a confirmed leave to finish and releases observers.
func (e *Engine) Drain() error {
	return e.Stop()
}

func (e *Engine) closeAll() {
	if e.asyncObs != nil {
		e.asyncObs.Close()
		e.asyncObs = nil
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i].Close()
	}
	e.closers = nil
}

func (e *Engine) Session() *session.Controller { return e.session }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *Registry { return e.registry }

// TurnLatency reports the measured latencies of one turn, if complete.
func (e *Engine) TurnLatency(turnID string) (observers.TurnLatency, bool) {
	return e.latency.Measure(turnID)
}

// Usage returns the usage summary of the session once it has ended.
// Only available when an artifacts directory is configured.
func (e *Engine) Usage() (observers.UsageSummary, bool) {
	if e.usage == nil {
		return observers.UsageSummary{}, false
	}
	return e.usage.Summary(e.session.ID())
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	if e.session == nil {
		return fmt.Errorf("missing session")
	}
	return nil
}
