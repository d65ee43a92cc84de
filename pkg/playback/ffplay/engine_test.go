package ffplay

import (
	"context"
	"strings"
	"testing"

	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/playback"
)

func TestArgsForMP3(t *testing.T) {
	e := New(Config{}, playback.Stream{}, nil)
	got := strings.Join(e.Args(), " ")
	if !strings.Contains(got, "-f mp3") || strings.Contains(got, "-ar") {
		t.Fatalf("unexpected args %q", got)
	}
	if !strings.HasSuffix(got, "-i -") {
		t.Fatalf("expected stdin input, got %q", got)
	}
}

func TestArgsForRawPCM(t *testing.T) {
	e := New(Config{Volume: 50}, playback.Stream{Encoding: playback.EncodingS16LE, SampleRate: 8000}, nil)
	got := strings.Join(e.Args(), " ")
	for _, want := range []string{"-f s16le", "-ch_layout mono", "-ar 8000", "-volume 50"} {
		if !strings.Contains(got, want) {
			t.Fatalf("args %q missing %q", got, want)
		}
	}
}

func TestMissingBinaryIsDeviceUnavailable(t *testing.T) {
	e := New(Config{Path: "/nonexistent/ffplay-binary"}, playback.Stream{}, nil)
	err := e.Append(context.Background(), []byte{1})
	if !errorsx.HasReason(err, errorsx.ReasonDeviceUnavailable) {
		t.Fatalf("expected device_unavailable, got %v", err)
	}
	_ = e.Close()
	if err := e.Append(context.Background(), []byte{1}); !errorsx.HasReason(err, errorsx.ReasonInvalidState) {
		t.Fatalf("expected invalid_state after close, got %v", err)
	}
}
