package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestBytesForAlignsToFrames(t *testing.T) {
	f := Format{SampleRate: 16000, Channels: 1}
	if got := f.BytesFor(300 * time.Millisecond); got != 9600 {
		t.Fatalf("expected 9600 bytes, got %d", got)
	}
	if got := f.DurationOf(3200); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %s", got)
	}
}

func TestWAVRoundTripHeader(t *testing.T) {
	f := Format{SampleRate: 16000, Channels: 1}
	pcm := []byte{1, 0, 2, 0, 3, 0}
	wav := EncodeWAV(pcm, f)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("unexpected wav size %d", len(wav))
	}
	r := bytes.NewReader(wav)
	got, err := ReadWAVHeader(r)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if got != f {
		t.Fatalf("expected %+v, got %+v", f, got)
	}
	rest := make([]byte, len(pcm))
	if _, err := r.Read(rest); err != nil || !bytes.Equal(rest, pcm) {
		t.Fatalf("expected samples after header, got %v (%v)", rest, err)
	}
}

func TestReadWAVHeaderRejectsGarbage(t *testing.T) {
	if _, err := ReadWAVHeader(bytes.NewReader([]byte("not a wav file at all"))); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMulawRoundTripIsClose(t *testing.T) {
	samples := []int16{0, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000}
	pcm := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s))
	}
	back := MulawDecode(MulawEncode(pcm))
	for i, s := range samples {
		got := int16(binary.LittleEndian.Uint16(back[2*i:]))
		if abs(int(got)-int(s)) > abs(int(s))/8+32 {
			t.Fatalf("sample %d: %d decoded as %d", i, s, got)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestDownsampleAveragesPairs(t *testing.T) {
	in := make([]byte, 8)
	for i, s := range []int16{100, 300, -50, -150} {
		binary.LittleEndian.PutUint16(in[2*i:], uint16(s))
	}
	out, err := Downsample(in, Format{SampleRate: 16000, Channels: 1}, Format{SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatalf("downsample error: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("expected 2 samples, got %d bytes", len(out))
	}
	if a, b := int16(binary.LittleEndian.Uint16(out)), int16(binary.LittleEndian.Uint16(out[2:])); a != 200 || b != -100 {
		t.Fatalf("unexpected samples %d %d", a, b)
	}
	if _, err := Downsample(in, Format{SampleRate: 16000, Channels: 1}, Format{SampleRate: 11025, Channels: 1}); err == nil {
		t.Fatalf("expected non-integer ratio error")
	}
}
