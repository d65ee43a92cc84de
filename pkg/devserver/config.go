package devserver

import (
	"strings"
	"time"

	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/configutil"
)

const (
	TranscriberPlaceholder = "placeholder"
	TranscriberDeepgram    = "deepgram"
)

type Config struct {
	Addr string `mapstructure:"addr"`

	// Transcriber selects how buffered speech becomes text.
	Transcriber    string        `mapstructure:"transcriber"`
	DeepgramAPIKey string        `mapstructure:"deepgram_api_key"`
	DeepgramModel  string        `mapstructure:"deepgram_model"`
	Language       string        `mapstructure:"language"`
	DeepgramWait   time.Duration `mapstructure:"deepgram_wait"`

	// InputRate is the PCM16 rate of audio arriving on /ws/audio.
	InputRate int `mapstructure:"input_rate"`
	// SpeechRate is the PCM16 rate of synthesized replies on /ws/audio and
	// /generate-speech. Clients should play it as s16le.
	SpeechRate int     `mapstructure:"speech_rate"`
	ToneHz     float64 `mapstructure:"tone_hz"`
	// WordDuration sizes the reply tone: one slice per reply word.
	WordDuration time.Duration `mapstructure:"word_duration"`
	MaxSpeech    time.Duration `mapstructure:"max_speech"`
	DeltaDelay   time.Duration `mapstructure:"delta_delay"`

	Questions []string `mapstructure:"questions"`

	// Room token signing material. APISecret doubles as the HMAC key the
	// signaling endpoint verifies bearer tokens with.
	AccountSID string        `mapstructure:"account_sid"`
	APIKeySID  string        `mapstructure:"api_key_sid"`
	APISecret  string        `mapstructure:"api_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	ICEServers []string      `mapstructure:"ice_servers"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

var settingsSchema = configutil.Schema{
	Optional: []string{
		"transcriber", "deepgram_api_key", "deepgram_model", "language", "deepgram_wait",
		"input_rate", "speech_rate", "tone_hz", "word_duration", "max_speech", "delta_delay",
		"questions", "account_sid", "api_key_sid", "api_secret", "token_ttl", "ice_servers",
		"read_timeout", "ping_interval",
	},
}

// LoadConfig decodes devserver.settings on top of the listen address.
func LoadConfig(addr string, settings map[string]any) (Config, error) {
	cfg := Config{Addr: addr}
	if err := configutil.Load("devserver.settings", settings, settingsSchema, &cfg); err != nil {
		return Config{}, err
	}
	cfg = cfg.withDefaults()
	if err := configutil.OneOf("devserver.settings.transcriber", cfg.Transcriber,
		TranscriberPlaceholder, TranscriberDeepgram); err != nil {
		return Config{}, err
	}
	if cfg.Transcriber == TranscriberDeepgram {
		if err := configutil.RequireString(cfg.DeepgramAPIKey, "devserver.settings.deepgram_api_key"); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	c.Addr = configutil.StringValue(c.Addr, ":3001")
	c.Transcriber = strings.ToLower(configutil.StringValue(c.Transcriber, TranscriberPlaceholder))
	c.DeepgramModel = configutil.StringValue(c.DeepgramModel, "nova-2")
	c.Language = configutil.StringValue(c.Language, "en-US")
	c.DeepgramWait = configutil.DurationValue(c.DeepgramWait, 3*time.Second)
	c.InputRate = configutil.IntValue(c.InputRate, 16000)
	c.SpeechRate = configutil.IntValue(c.SpeechRate, 24000)
	if c.ToneHz <= 0 {
		c.ToneHz = 440
	}
	c.WordDuration = configutil.DurationValue(c.WordDuration, 120*time.Millisecond)
	c.MaxSpeech = configutil.DurationValue(c.MaxSpeech, 6*time.Second)
	if len(c.Questions) == 0 {
		c.Questions = defaultQuestions
	}
	c.AccountSID = configutil.StringValue(c.AccountSID, "ACdevserver")
	c.APIKeySID = configutil.StringValue(c.APIKeySID, "SKdevserver")
	c.APISecret = configutil.StringValue(c.APISecret, "devserver-secret")
	c.TokenTTL = configutil.DurationValue(c.TokenTTL, time.Hour)
	c.ReadTimeout = configutil.DurationValue(c.ReadTimeout, 60*time.Second)
	c.PingInterval = configutil.DurationValue(c.PingInterval, 30*time.Second)
	return c
}

func (c Config) inputFormat() audio.Format {
	return audio.Format{SampleRate: c.InputRate, Channels: 1}
}

func (c Config) speechFormat() audio.Format {
	return audio.Format{SampleRate: c.SpeechRate, Channels: 1}
}
