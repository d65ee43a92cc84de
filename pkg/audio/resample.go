package audio

import (
	"encoding/binary"
	"fmt"
)

// Downsample decimates PCM16 by an integer ratio, averaging each group of
// frames and mixing down to to.Channels (1 or equal to from.Channels).
func Downsample(pcm []byte, from, to Format) ([]byte, error) {
	if from == to {
		return pcm, nil
	}
	if !from.Valid() || !to.Valid() || from.SampleRate%to.SampleRate != 0 {
		return nil, fmt.Errorf("audio: cannot convert %d Hz to %d Hz", from.SampleRate, to.SampleRate)
	}
	if to.Channels != 1 && to.Channels != from.Channels {
		return nil, fmt.Errorf("audio: cannot map %d channels to %d", from.Channels, to.Channels)
	}
	ratio := from.SampleRate / to.SampleRate
	inFrames := len(pcm) / from.FrameSize()
	outFrames := inFrames / ratio
	out := make([]byte, outFrames*to.FrameSize())
	for f := 0; f < outFrames; f++ {
		for oc := 0; oc < to.Channels; oc++ {
			var sum, n int
			for r := 0; r < ratio; r++ {
				base := (f*ratio + r) * from.FrameSize()
				if to.Channels == from.Channels {
					sum += int(int16(binary.LittleEndian.Uint16(pcm[base+2*oc:])))
					n++
					continue
				}
				for ic := 0; ic < from.Channels; ic++ {
					sum += int(int16(binary.LittleEndian.Uint16(pcm[base+2*ic:])))
					n++
				}
			}
			binary.LittleEndian.PutUint16(out[f*to.FrameSize()+2*oc:], uint16(int16(sum/n)))
		}
	}
	return out, nil
}
