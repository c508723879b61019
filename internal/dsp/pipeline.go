package dsp

import "github.com/halyard-ai/voicebridge/internal/frame"

// PipelineConfig carries the DSP knobs of a call. Zero values select the
// production defaults tuned for telephone speech.
type PipelineConfig struct {
	AISampleRate       int     // PCM rate expected by the AI peer
	VolumeBoost        float64 // fixed boost applied before AGC; ≤1 disables
	NoiseGateThreshold int     // int16 units; 0 disables
	PreEmphasisCoeff   float64 // α; 0 disables
	TargetRMS          float64 // AGC target; 0 disables
	SendNativeULaw     bool    // skip upsampling, forward µ-law bytes as-is
}

// Inbound is the switch→AI processing chain:
// decode → high-pass → noise gate → resample → boost → AGC → pre-emphasis →
// soft clip. It carries the per-direction filter state and is owned by a
// single goroutine.
type Inbound struct {
	cfg      PipelineConfig
	codec    frame.Codec
	highPass *HighPass
	preEmph  *PreEmphasis
}

// NewInbound builds the inbound chain for a latched switch codec.
func NewInbound(codec frame.Codec, cfg PipelineConfig) *Inbound {
	return &Inbound{
		cfg:      cfg,
		codec:    codec,
		highPass: NewHighPass(60, codec.SampleRate()),
		preEmph:  NewPreEmphasis(cfg.PreEmphasisCoeff),
	}
}

// Process converts one switch frame into the AI wire payload. With
// SendNativeULaw set and a µ-law switch codec the payload passes through
// untouched.
func (p *Inbound) Process(payload []byte) []byte {
	if p.cfg.SendNativeULaw && p.codec == frame.CodecULaw8k {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out
	}

	var pcm []int16
	if p.codec == frame.CodecULaw8k {
		pcm = DecodeULaw(payload)
	} else {
		pcm = BytesToPCM16(payload)
	}

	p.highPass.Process(pcm)
	if p.cfg.NoiseGateThreshold > 0 {
		NoiseGate(pcm, p.cfg.NoiseGateThreshold)
	}

	pcm = Resample(pcm, p.codec.SampleRate(), p.cfg.AISampleRate)

	if p.cfg.VolumeBoost > 1 {
		Gain(pcm, p.cfg.VolumeBoost)
	}
	if p.cfg.TargetRMS > 0 {
		AGC(pcm, p.cfg.TargetRMS)
	}
	if p.cfg.PreEmphasisCoeff > 0 {
		p.preEmph.Process(pcm)
	}
	SoftClip(pcm)

	return PCM16ToBytes(pcm)
}

// Outbound is the AI→switch chain: resample to the switch rate, then encode
// to the switch codec.
type Outbound struct {
	cfg   PipelineConfig
	codec frame.Codec
}

// NewOutbound builds the outbound chain for a latched switch codec.
func NewOutbound(codec frame.Codec, cfg PipelineConfig) *Outbound {
	return &Outbound{cfg: cfg, codec: codec}
}

// Process converts AI PCM16 bytes into switch codec bytes.
func (p *Outbound) Process(payload []byte) []byte {
	pcm := BytesToPCM16(payload)
	pcm = Resample(pcm, p.cfg.AISampleRate, p.codec.SampleRate())
	if p.codec == frame.CodecULaw8k {
		return EncodeULaw(pcm)
	}
	return PCM16ToBytes(pcm)
}
