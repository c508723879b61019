// Package frame defines the switch-side codec vocabulary and the frame
// geometry helpers the pacer and DSP chain are built on.
package frame

// Codec identifies the on-the-wire audio encoding of a frame.
type Codec int

const (
	CodecUnknown Codec = iota
	CodecULaw8k        // G.711 µ-law, 8 kHz, 1 byte/sample
	CodecLinear8k      // linear PCM16 LE, 8 kHz
	CodecLinear16k     // linear PCM16 LE, 16 kHz
	CodecOpus48k       // opus, 48 kHz (recognized, never transcoded)
)

// String returns the codec name used in logs and the admin API.
func (c Codec) String() string {
	switch c {
	case CodecULaw8k:
		return "ulaw/8k"
	case CodecLinear8k:
		return "linear16/8k"
	case CodecLinear16k:
		return "linear16/16k"
	case CodecOpus48k:
		return "opus/48k"
	default:
		return "unknown"
	}
}

// SampleRate returns the codec's sampling rate in Hz.
func (c Codec) SampleRate() int {
	switch c {
	case CodecULaw8k, CodecLinear8k:
		return 8000
	case CodecLinear16k:
		return 16000
	case CodecOpus48k:
		return 48000
	default:
		return 0
	}
}

// BytesPerSample returns the wire size of one sample, or 0 when the codec is
// not a fixed-size PCM encoding.
func (c Codec) BytesPerSample() int {
	switch c {
	case CodecULaw8k:
		return 1
	case CodecLinear8k, CodecLinear16k:
		return 2
	default:
		return 0
	}
}

// SilenceByte is the byte value that encodes digital silence for the codec:
// 0xFF in µ-law, 0x00 in linear PCM.
func (c Codec) SilenceByte() byte {
	if c == CodecULaw8k {
		return 0xFF
	}
	return 0x00
}

// DetectCodec latches the switch codec from the size of the first AUDIO
// payload on the framed-TCP dialect: 160 bytes is one 20 ms µ-law/8k frame,
// 320 bytes one 20 ms linear16/8k frame. Any other size is treated as
// linear16 with exactly that frame size.
func DetectCodec(frameBytes int) Codec {
	switch frameBytes {
	case 160:
		return CodecULaw8k
	case 320:
		return CodecLinear8k
	default:
		return CodecLinear8k
	}
}

// BytesPerSecond returns the wire byte rate of the codec.
func BytesPerSecond(c Codec) int {
	return c.SampleRate() * c.BytesPerSample()
}
