package audio

import "encoding/binary"

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawEncode converts PCM16LE to G.711 µ-law, one byte per sample.
func MulawEncode(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToMulaw(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}

// MulawDecode converts G.711 µ-law to PCM16LE.
func MulawDecode(ulaw []byte) []byte {
	out := make([]byte, 2*len(ulaw))
	for i, b := range ulaw {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(mulawToLinear(b)))
	}
	return out
}

func linearToMulaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias
	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func mulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	s := ((mantissa << 3) + mulawBias) << exponent
	s -= mulawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}
