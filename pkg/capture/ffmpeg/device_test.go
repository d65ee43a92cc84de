package ffmpeg

import (
	"context"
	"strings"
	"testing"

	"github.com/harunnryd/parley/pkg/audio"
	"github.com/harunnryd/parley/pkg/capture"
)

func TestArgsRequestMonoPCM(t *testing.T) {
	d := New(Config{InputFormat: "avfoundation"})
	args := strings.Join(d.Args(audio.Format{SampleRate: 16000, Channels: 1}), " ")
	for _, want := range []string{"-f avfoundation", "-i none:0", "-ac 1", "-ar 16000", "-f s16le -"} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in %q", want, args)
		}
	}
}

func TestMissingBinaryIsDeviceUnavailable(t *testing.T) {
	d := New(Config{Path: "/nonexistent/ffmpeg-binary"})
	_, err := d.Open(context.Background(), audio.Format{SampleRate: 16000, Channels: 1})
	if !capture.DeviceUnavailable(err) {
		t.Fatalf("expected device unavailable, got %v", err)
	}
}

func TestClassifyStderr(t *testing.T) {
	if err := classify("[avfoundation @ 0x1] Failed to open input: Permission denied"); !capture.PermissionDenied(err) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := classify("default: No such file or directory"); !capture.DeviceUnavailable(err) {
		t.Fatalf("expected device unavailable, got %v", err)
	}
}
