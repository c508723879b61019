package dsp

import "math"

// HighPass is a 2nd-order Butterworth high-pass, processed as a single
// second-order section. One instance per direction; not safe for concurrent
// use.
type HighPass struct {
	b0, b1, b2, a1, a2 float64
	z1, z2             float64 // transposed direct form II state
}

// NewHighPass builds the filter for the given cutoff at the given rate via
// the bilinear transform.
func NewHighPass(cutoffHz float64, sampleRate int) *HighPass {
	k := math.Tan(math.Pi * cutoffHz / float64(sampleRate))
	q := 1.0 / math.Sqrt2
	norm := 1.0 / (1.0 + k/q + k*k)
	return &HighPass{
		b0: norm,
		b1: -2.0 * norm,
		b2: norm,
		a1: 2.0 * (k*k - 1.0) * norm,
		a2: (1.0 - k/q + k*k) * norm,
	}
}

// Process filters the samples in place.
func (h *HighPass) Process(samples []int16) {
	for i, s := range samples {
		x := float64(s)
		y := h.b0*x + h.z1
		h.z1 = h.b1*x - h.a1*y + h.z2
		h.z2 = h.b2*x - h.a2*y
		samples[i] = clampInt16(y)
	}
}

// Reset clears the filter state.
func (h *HighPass) Reset() { h.z1, h.z2 = 0, 0 }

// NoiseGate applies a soft-knee gate in place: per-sample gain ramps from
// 0.15 at the threshold up to unity at three times the threshold. The gate
// never mutes completely, so transient consonants survive.
func NoiseGate(samples []int16, threshold int) {
	if threshold <= 0 {
		return
	}
	t := float64(threshold)
	for i, s := range samples {
		mag := math.Abs(float64(s))
		r := (mag - t) / (2 * t)
		if r < 0 {
			r = 0
		} else if r > 1 {
			r = 1
		}
		g := 0.15 + 0.85*r
		samples[i] = clampInt16(float64(s) * g)
	}
}

// PreEmphasis is the classic y[n] = x[n] - α·x[n-1] filter. The previous
// sample carries across frame boundaries.
type PreEmphasis struct {
	alpha float64
	prev  float64
}

// NewPreEmphasis returns a pre-emphasis filter with the given coefficient.
func NewPreEmphasis(alpha float64) *PreEmphasis {
	return &PreEmphasis{alpha: alpha}
}

// Process filters the samples in place.
func (p *PreEmphasis) Process(samples []int16) {
	for i, s := range samples {
		x := float64(s)
		samples[i] = clampInt16(x - p.alpha*p.prev)
		p.prev = x
	}
}

// Reset clears the carried sample.
func (p *PreEmphasis) Reset() { p.prev = 0 }

// RMS returns the root-mean-square level of the samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// AGC normalizes the frame toward targetRMS with gain clamped to [0.8, 3.0].
// Frames at or below the noise floor (rms ≤ 30) pass through untouched so
// silence is never amplified.
func AGC(samples []int16, targetRMS float64) {
	rms := RMS(samples)
	if rms <= 30 || targetRMS <= 0 {
		return
	}
	g := targetRMS / rms
	if g < 0.8 {
		g = 0.8
	} else if g > 3.0 {
		g = 3.0
	}
	for i, s := range samples {
		samples[i] = clampInt16(float64(s) * g)
	}
}

// Gain applies a fixed multiplicative boost with saturation.
func Gain(samples []int16, factor float64) {
	if factor == 1.0 || factor <= 0 {
		return
	}
	for i, s := range samples {
		samples[i] = clampInt16(float64(s) * factor)
	}
}

// SoftClip rounds off the top of the waveform with tanh(x/32000)·32000,
// keeping hard clipping artifacts out of the AI input.
func SoftClip(samples []int16) {
	for i, s := range samples {
		samples[i] = clampInt16(math.Tanh(float64(s)/32000.0) * 32000.0)
	}
}
