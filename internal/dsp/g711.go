// Package dsp is the codec and signal-processing kernel of the bridge. All
// functions operate on mono PCM16 and are stateless except the explicitly
// stateful filter types.
package dsp

import "github.com/zaf/g711"

// DecodeULaw expands G.711 µ-law bytes to linear PCM16 samples.
func DecodeULaw(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = g711.DecodeUlawFrame(b)
	}
	return out
}

// EncodeULaw compresses linear PCM16 samples to G.711 µ-law. Samples above
// the µ-law ceiling (|s| > 32635) saturate.
func EncodeULaw(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = g711.EncodeUlawFrame(s)
	}
	return out
}

// BytesToPCM16 reinterprets little-endian PCM16 bytes as samples. A trailing
// odd byte is ignored.
func BytesToPCM16(in []byte) []int16 {
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16(uint16(in[2*i]) | uint16(in[2*i+1])<<8)
	}
	return out
}

// PCM16ToBytes serializes samples as little-endian PCM16.
func PCM16ToBytes(in []int16) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	if v >= 0 {
		return int16(v + 0.5)
	}
	return int16(v - 0.5)
}
