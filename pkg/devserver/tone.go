package devserver

import (
	"encoding/binary"
	"math"
	"strings"
	"time"

	"github.com/harunnryd/parley/pkg/audio"
)

const toneAmplitude = 0.25

// speechDuration sizes a reply tone by word count.
func speechDuration(text string, perWord, limit time.Duration) time.Duration {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	d := time.Duration(words) * perWord
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}

// Tone renders a PCM16 sine at hz for d in format f, with a short linear
// fade at both ends so consecutive replies do not click.
func Tone(f audio.Format, hz float64, d time.Duration) []byte {
	n := f.BytesFor(d) / f.FrameSize()
	if n <= 0 {
		return nil
	}
	fade := f.SampleRate / 100
	if fade*2 > n {
		fade = n / 2
	}
	out := make([]byte, n*f.FrameSize())
	for i := 0; i < n; i++ {
		gain := toneAmplitude
		switch {
		case fade > 0 && i < fade:
			gain *= float64(i) / float64(fade)
		case fade > 0 && i >= n-fade:
			gain *= float64(n-1-i) / float64(fade)
		}
		v := int16(gain * math.MaxInt16 * math.Sin(2*math.Pi*hz*float64(i)/float64(f.SampleRate)))
		for c := 0; c < f.Channels; c++ {
			binary.LittleEndian.PutUint16(out[(i*f.Channels+c)*2:], uint16(v))
		}
	}
	return out
}
