package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectCodec(t *testing.T) {
	assert.Equal(t, CodecULaw8k, DetectCodec(160))
	assert.Equal(t, CodecLinear8k, DetectCodec(320))
	// Anything else is treated as linear16 of that size.
	assert.Equal(t, CodecLinear8k, DetectCodec(640))
	assert.Equal(t, CodecLinear8k, DetectCodec(1))
}

func TestSilenceBytes(t *testing.T) {
	assert.EqualValues(t, 0xFF, CodecULaw8k.SilenceByte())
	assert.EqualValues(t, 0x00, CodecLinear8k.SilenceByte())
	assert.EqualValues(t, 0x00, CodecLinear16k.SilenceByte())
}

func TestBytesPerSecond(t *testing.T) {
	assert.Equal(t, 8000, BytesPerSecond(CodecULaw8k))
	assert.Equal(t, 16000, BytesPerSecond(CodecLinear8k))
	assert.Equal(t, 32000, BytesPerSecond(CodecLinear16k))
}

func TestSampleGeometry(t *testing.T) {
	assert.Equal(t, 1, CodecULaw8k.BytesPerSample())
	assert.Equal(t, 2, CodecLinear16k.BytesPerSample())
	assert.Equal(t, 16000, CodecLinear16k.SampleRate())
	assert.Equal(t, "ulaw/8k", CodecULaw8k.String())
	assert.Equal(t, "unknown", CodecUnknown.String())
}
