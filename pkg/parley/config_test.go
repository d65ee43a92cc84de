package parley

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/parley/pkg/conversation"
	"github.com/harunnryd/parley/pkg/errorsx"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != DefaultBackendURL || cfg.MediaRelayURL != DefaultMediaRelayURL {
		t.Fatalf("unexpected endpoints %q %q", cfg.BackendURL, cfg.MediaRelayURL)
	}
	if cfg.Transport.Mode != "duplex" || cfg.Capture.Device != "portaudio" || cfg.Playback.Engine != "ffplay" {
		t.Fatalf("unexpected component defaults: %+v", cfg)
	}
	if cfg.Capture.ChunkInterval != 300*time.Millisecond {
		t.Fatalf("expected 300ms chunks, got %s", cfg.Capture.ChunkInterval)
	}
	if cfg.Playback.HoldLimit != 25 || cfg.Playback.GapTimeout != 150*time.Millisecond {
		t.Fatalf("playback gaps must be bounded by default, got %d / %s", cfg.Playback.HoldLimit, cfg.Playback.GapTimeout)
	}
	if cfg.Session.ForfeitAfter != 10*time.Minute || cfg.Session.FeedbackRoute != "/feedback" {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Session.Greeting != conversation.DefaultGreeting {
		t.Fatalf("expected default greeting")
	}
}

func TestLoadConfigHonoursPlainEnvAliases(t *testing.T) {
	t.Setenv("BACKEND_URL", "http://backend.test:9000")
	t.Setenv("MEDIA_RELAY_URL", "https://relay.test")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != "http://backend.test:9000" {
		t.Fatalf("expected env backend, got %q", cfg.BackendURL)
	}
	if cfg.MediaRelayURL != "https://relay.test" {
		t.Fatalf("expected env relay, got %q", cfg.MediaRelayURL)
	}
}

func TestLoadConfigEmptyEndpointFallsBack(t *testing.T) {
	t.Setenv("PARLEY_BACKEND_URL", "")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != DefaultBackendURL {
		t.Fatalf("expected fallback, got %q", cfg.BackendURL)
	}
}

func TestLoadConfigFileAndExpansion(t *testing.T) {
	t.Setenv("PARLEY_TEST_HOST", "api.example.test")
	path := filepath.Join(t.TempDir(), "parley.yaml")
	body := `
backend_url: https://${PARLEY_TEST_HOST}
transport:
  mode: Batch
  settings:
    timeout: 5s
    backend_url: https://${PARLEY_TEST_HOST}/v1
capture:
  device: wavfile
  settings:
    path: /tmp/in.wav
session:
  forfeit_after: 15m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != "https://api.example.test" {
		t.Fatalf("expected expanded backend, got %q", cfg.BackendURL)
	}
	if cfg.Transport.Mode != "batch" {
		t.Fatalf("expected normalised mode, got %q", cfg.Transport.Mode)
	}
	if got := cfg.Transport.Settings["backend_url"]; got != "https://api.example.test/v1" {
		t.Fatalf("expected expanded setting, got %v", got)
	}
	if cfg.Session.ForfeitAfter != 15*time.Minute {
		t.Fatalf("expected 15m, got %s", cfg.Session.ForfeitAfter)
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.Mode = "carrier-pigeon"
	err := cfg.Validate()
	if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
}

func TestValidateRequiresArchiveDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Archive.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing dsn error")
	}
	cfg.Archive.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled archive needs no dsn: %v", err)
	}
}
