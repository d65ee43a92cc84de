package parley

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/parley/pkg/configutil"
	"github.com/harunnryd/parley/pkg/conversation"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultBackendURL    = "http://localhost:3001"
	DefaultMediaRelayURL = "http://localhost:7880"
)

type Config struct {
	LogLevel      string          `mapstructure:"log_level"`
	LogFormat     string          `mapstructure:"log_format"`
	LogFile       string          `mapstructure:"log_file"`
	BackendURL    string          `mapstructure:"backend_url"`
	MediaRelayURL string          `mapstructure:"media_relay_url"`
	Transport     TransportConfig `mapstructure:"transport"`
	Capture       CaptureConfig   `mapstructure:"capture"`
	Playback      PlaybackConfig  `mapstructure:"playback"`
	Session       SessionConfig   `mapstructure:"session"`
	Archive       ArchiveConfig   `mapstructure:"archive"`
	Metrics       MetricsConfig   `mapstructure:"metrics"`
	Privacy       PrivacyConfig   `mapstructure:"privacy"`
	DevServer     DevServerConfig `mapstructure:"devserver"`
}

type TransportConfig struct {
	// Mode is one of duplex, room or batch.
	Mode     string         `mapstructure:"mode"`
	Settings map[string]any `mapstructure:"settings"`
}

type CaptureConfig struct {
	Device        string         `mapstructure:"device"`
	SampleRate    int            `mapstructure:"sample_rate"`
	Channels      int            `mapstructure:"channels"`
	ChunkInterval time.Duration  `mapstructure:"chunk_interval"`
	Settings      map[string]any `mapstructure:"settings"`
}

type PlaybackConfig struct {
	Engine     string         `mapstructure:"engine"`
	Format     string         `mapstructure:"format"`
	SampleRate int            `mapstructure:"sample_rate"`
	Channels   int            `mapstructure:"channels"`
	HoldLimit  int            `mapstructure:"hold_limit"`
	GapTimeout time.Duration  `mapstructure:"gap_timeout"`
	Settings   map[string]any `mapstructure:"settings"`
}

type SessionConfig struct {
	Identity      string        `mapstructure:"identity"`
	Greeting      string        `mapstructure:"greeting"`
	ForfeitAfter  time.Duration `mapstructure:"forfeit_after"`
	FeedbackRoute string        `mapstructure:"feedback_route"`
}

type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// MetricsConfig controls observer sinks. ChunkSampleRate thins chunk_sent
// events written to the JSONL log; other events are always written.
type MetricsConfig struct {
	JSONLPath       string  `mapstructure:"jsonl_path"`
	ArtifactsDir    string  `mapstructure:"artifacts_dir"`
	RetentionDays   int     `mapstructure:"retention_days"`
	ChunkSampleRate float64 `mapstructure:"chunk_sample_rate"`
}

type PrivacyConfig struct {
	RedactLogs bool `mapstructure:"redact_logs"`
}

type DevServerConfig struct {
	Addr     string         `mapstructure:"addr"`
	Settings map[string]any `mapstructure:"settings"`
}

// LoadConfig reads defaults, an optional YAML file at path, .env and the
// environment, in increasing order of precedence.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("backend_url", "PARLEY_BACKEND_URL", "BACKEND_URL")
	_ = v.BindEnv("media_relay_url", "PARLEY_MEDIA_RELAY_URL", "MEDIA_RELAY_URL")

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	cfg.applyFallbacks()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig is the configuration LoadConfig yields with no file and an
// empty environment.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.applyFallbacks()
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_file", "")
	v.SetDefault("backend_url", DefaultBackendURL)
	v.SetDefault("media_relay_url", DefaultMediaRelayURL)
	v.SetDefault("transport.mode", "duplex")
	v.SetDefault("capture.device", "portaudio")
	v.SetDefault("capture.sample_rate", 16000)
	v.SetDefault("capture.channels", 1)
	v.SetDefault("capture.chunk_interval", "300ms")
	v.SetDefault("playback.engine", "ffplay")
	v.SetDefault("playback.format", "mp3")
	v.SetDefault("playback.sample_rate", 24000)
	v.SetDefault("playback.channels", 1)
	// Room audio arrives in 20ms RTP packets: hold half a second of them, and
	// stop waiting for a lost one after 150ms.
	v.SetDefault("playback.hold_limit", 25)
	v.SetDefault("playback.gap_timeout", "150ms")
	v.SetDefault("session.identity", "")
	v.SetDefault("session.greeting", conversation.DefaultGreeting)
	v.SetDefault("session.forfeit_after", "10m")
	v.SetDefault("session.feedback_route", "/feedback")
	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.dsn", "parley.db")
	v.SetDefault("metrics.jsonl_path", "")
	v.SetDefault("metrics.artifacts_dir", "")
	v.SetDefault("metrics.retention_days", 0)
	v.SetDefault("metrics.chunk_sample_rate", 0.1)
	v.SetDefault("privacy.redact_logs", false)
	v.SetDefault("devserver.addr", ":3001")
}

// applyFallbacks restores documented endpoints when the environment set them
// to empty strings.
func (c *Config) applyFallbacks() {
	if strings.TrimSpace(c.BackendURL) == "" {
		c.BackendURL = DefaultBackendURL
	}
	if strings.TrimSpace(c.MediaRelayURL) == "" {
		c.MediaRelayURL = DefaultMediaRelayURL
	}
	c.Transport.Mode = strings.ToLower(strings.TrimSpace(c.Transport.Mode))
	c.Capture.Device = strings.ToLower(strings.TrimSpace(c.Capture.Device))
	c.Playback.Engine = strings.ToLower(strings.TrimSpace(c.Playback.Engine))
}

func (c *Config) Validate() error {
	if err := configutil.OneOf("transport.mode", c.Transport.Mode, "duplex", "room", "batch"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Capture.Device, "capture.device"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Playback.Engine, "playback.engine"); err != nil {
		return err
	}
	if c.Capture.SampleRate <= 0 || c.Capture.Channels <= 0 {
		return errorsx.Newf(errorsx.ReasonConfigInvalid, "capture format %d Hz x %d is invalid", c.Capture.SampleRate, c.Capture.Channels)
	}
	if c.Playback.SampleRate <= 0 || c.Playback.Channels <= 0 {
		return errorsx.Newf(errorsx.ReasonConfigInvalid, "playback format %d Hz x %d is invalid", c.Playback.SampleRate, c.Playback.Channels)
	}
	if c.Session.ForfeitAfter < 0 {
		return errorsx.New(errorsx.ReasonConfigInvalid, "session.forfeit_after must not be negative")
	}
	if c.Archive.Enabled {
		if err := configutil.RequireString(c.Archive.DSN, "archive.dsn"); err != nil {
			return err
		}
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
	cfg.Capture.Settings = expandSettings(cfg.Capture.Settings)
	cfg.Playback.Settings = expandSettings(cfg.Playback.Settings)
	cfg.DevServer.Settings = expandSettings(cfg.DevServer.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
