// Package audio holds the PCM16 helpers shared by capture, transports and
// playback: format arithmetic, WAV framing and G.711 µ-law.
package audio

import "time"

// Format describes interleaved signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether the format can carry audio.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// FrameSize is the byte size of one sample across all channels.
func (f Format) FrameSize() int {
	return 2 * f.Channels
}

// BytesPerSecond is the PCM16 byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// BytesFor returns the frame-aligned byte count covering d.
func (f Format) BytesFor(d time.Duration) int {
	if d <= 0 || !f.Valid() {
		return 0
	}
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	if frames < 1 {
		frames = 1
	}
	return frames * f.FrameSize()
}

// DurationOf returns the playback time of n bytes.
func (f Format) DurationOf(n int) time.Duration {
	if !f.Valid() || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.BytesPerSecond()))
}
