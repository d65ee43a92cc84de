package parley

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/capture"
	"github.com/harunnryd/parley/pkg/capture/ffmpeg"
	"github.com/harunnryd/parley/pkg/capture/portaudio"
	"github.com/harunnryd/parley/pkg/capture/wavfile"
	"github.com/harunnryd/parley/pkg/configutil"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/playback"
	"github.com/harunnryd/parley/pkg/playback/beep"
	"github.com/harunnryd/parley/pkg/playback/ffplay"
	"github.com/harunnryd/parley/pkg/transports"
	"github.com/harunnryd/parley/pkg/transports/batch"
	"github.com/harunnryd/parley/pkg/transports/duplex"
	"github.com/harunnryd/parley/pkg/transports/room"
)

type CaptureFactory func(cfg Config) (capture.Device, error)
type TransportFactory func(cfg Config, logger *slog.Logger) (transports.Transport, error)
type PlaybackFactory func(cfg Config, stream playback.Stream, logger *slog.Logger) (playback.Engine, error)

// Registry maps config names onto component constructors.
type Registry struct {
	capture   map[string]CaptureFactory
	transport map[string]TransportFactory
	playback  map[string]PlaybackFactory
}

func NewRegistry() *Registry {
	return &Registry{
		capture:   make(map[string]CaptureFactory),
		transport: make(map[string]TransportFactory),
		playback:  make(map[string]PlaybackFactory),
	}
}

// DefaultRegistry knows every built-in device, transport and engine.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterCapture("portaudio", buildPortAudio)
	r.RegisterCapture("ffmpeg", buildFFmpeg)
	r.RegisterCapture("wavfile", buildWAVFile)
	r.RegisterTransport("duplex", buildDuplex)
	r.RegisterTransport("room", buildRoom)
	r.RegisterTransport("batch", buildBatch)
	r.RegisterPlayback("ffplay", buildFFplay)
	r.RegisterPlayback("beep", buildBeep)
	r.RegisterPlayback("none", func(Config, playback.Stream, *slog.Logger) (playback.Engine, error) {
		return &playback.MemoryEngine{}, nil
	})
	return r
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *Registry) RegisterCapture(name string, f CaptureFactory) { r.capture[normalize(name)] = f }

func (r *Registry) RegisterTransport(name string, f TransportFactory) {
	r.transport[normalize(name)] = f
}

func (r *Registry) RegisterPlayback(name string, f PlaybackFactory) { r.playback[normalize(name)] = f }

func (r *Registry) BuildCapture(name string, cfg Config) (capture.Device, error) {
	fn := r.capture[normalize(name)]
	if fn == nil {
		return nil, notRegistered("capture device", name, r.capture)
	}
	return fn(cfg)
}

func (r *Registry) BuildTransport(name string, cfg Config, logger *slog.Logger) (transports.Transport, error) {
	fn := r.transport[normalize(name)]
	if fn == nil {
		return nil, notRegistered("transport", name, r.transport)
	}
	return fn(cfg, logger)
}

func (r *Registry) BuildPlayback(name string, cfg Config, stream playback.Stream, logger *slog.Logger) (playback.Engine, error) {
	fn := r.playback[normalize(name)]
	if fn == nil {
		return nil, notRegistered("playback engine", name, r.playback)
	}
	return fn(cfg, stream, logger)
}

func notRegistered[T any](kind, name string, m map[string]T) error {
	known := make([]string, 0, len(m))
	for k := range m {
		known = append(known, k)
	}
	sort.Strings(known)
	return errorsx.Newf(errorsx.ReasonConfigInvalid, "%s not registered: %q (known: %s)", kind, name, strings.Join(known, ", "))
}

// CaptureFormat is the PCM16 format every device is opened with.
func (c Config) CaptureFormat() audio.Format {
	return audio.Format{SampleRate: c.Capture.SampleRate, Channels: c.Capture.Channels}
}

func buildPortAudio(cfg Config) (capture.Device, error) {
	var s portaudio.Config
	err := configutil.Load("capture.settings", cfg.Capture.Settings, configutil.Schema{
		Optional: []string{"frames_per_buffer"},
	}, &s)
	if err != nil {
		return nil, err
	}
	return portaudio.New(s), nil
}

func buildFFmpeg(cfg Config) (capture.Device, error) {
	var s ffmpeg.Config
	err := configutil.Load("capture.settings", cfg.Capture.Settings, configutil.Schema{
		Optional: []string{"path", "input_format", "device", "probe_timeout"},
	}, &s)
	if err != nil {
		return nil, err
	}
	return ffmpeg.New(s), nil
}

func buildWAVFile(cfg Config) (capture.Device, error) {
	var s wavfile.Config
	err := configutil.Load("capture.settings", cfg.Capture.Settings, configutil.Schema{
		Required: []string{"path"},
		Optional: []string{"realtime", "frame_size"},
	}, &s)
	if err != nil {
		return nil, err
	}
	return wavfile.New(s), nil
}

func buildDuplex(cfg Config, logger *slog.Logger) (transports.Transport, error) {
	var s duplex.Config
	err := configutil.Load("transport.settings", cfg.Transport.Settings, configutil.Schema{
		Optional: []string{
			"url", "backend_url", "path", "voice", "send_init", "dial_timeout", "ping_interval",
			"read_timeout", "write_timeout", "send_queue", "dial_retries", "dial_backoff",
		},
	}, &s)
	if err != nil {
		return nil, err
	}
	s.BackendURL = configutil.StringValue(s.BackendURL, cfg.BackendURL)
	if _, err := s.Endpoint(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	return duplex.New(s, logger), nil
}

func buildRoom(cfg Config, logger *slog.Logger) (transports.Transport, error) {
	var s room.Config
	err := configutil.Load("transport.settings", cfg.Transport.Settings, configutil.Schema{
		Optional: []string{
			"backend_url", "media_relay_url", "token_path", "signal_path", "identity", "room",
			"credential", "ice_servers", "request_timeout", "connect_timeout", "retries", "retry_backoff",
		},
	}, &s)
	if err != nil {
		return nil, err
	}
	s.BackendURL = configutil.StringValue(s.BackendURL, cfg.BackendURL)
	s.MediaRelayURL = configutil.StringValue(s.MediaRelayURL, cfg.MediaRelayURL)
	s.Identity = configutil.StringValue(s.Identity, cfg.Session.Identity)
	s.CaptureFormat = cfg.CaptureFormat()
	return room.New(s, logger), nil
}

func buildBatch(cfg Config, logger *slog.Logger) (transports.Transport, error) {
	var s batch.Config
	err := configutil.Load("transport.settings", cfg.Transport.Settings, configutil.Schema{
		Optional: []string{
			"backend_url", "transcribe_path", "reply_path", "speech_path", "field_name",
			"timeout", "breaker_threshold", "breaker_cooldown",
		},
	}, &s)
	if err != nil {
		return nil, err
	}
	s.BackendURL = configutil.StringValue(s.BackendURL, cfg.BackendURL)
	s.CaptureFormat = cfg.CaptureFormat()
	return batch.New(s, logger), nil
}

func buildFFplay(cfg Config, stream playback.Stream, logger *slog.Logger) (playback.Engine, error) {
	var s ffplay.Config
	err := configutil.Load("playback.settings", cfg.Playback.Settings, configutil.Schema{
		Optional: []string{"path", "log_level", "volume"},
	}, &s)
	if err != nil {
		return nil, err
	}
	return ffplay.New(s, stream, logger), nil
}

func buildBeep(cfg Config, stream playback.Stream, logger *slog.Logger) (playback.Engine, error) {
	var s beep.Config
	err := configutil.Load("playback.settings", cfg.Playback.Settings, configutil.Schema{
		Optional: []string{"buffer_duration", "queue_duration"},
	}, &s)
	if err != nil {
		return nil, err
	}
	return beep.New(s, stream, logger), nil
}

