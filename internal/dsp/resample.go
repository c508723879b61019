package dsp

import (
	"math"
	"sync"
)

// Resampling is polyphase: the rate change is expressed as an integer
// up/down pair L/M = fout/fin reduced by their gcd, and the anti-alias FIR is
// evaluated at the L fractional phases. Filters are windowed-sinc, cut off
// below the narrower Nyquist with a 10% rolloff margin, and are cached per
// ratio.

const resampleRolloff = 0.9

type resampleRatio struct{ l, m int }

type polyphaseFilter struct {
	half int         // kernel half-width in input samples
	coef [][]float64 // [phase][tap], tap j maps to input offset j-(half-1)
}

var (
	filterMu    sync.Mutex
	filterCache = map[resampleRatio]*polyphaseFilter{}
)

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func filterFor(l, m int) *polyphaseFilter {
	filterMu.Lock()
	defer filterMu.Unlock()
	key := resampleRatio{l, m}
	if f, ok := filterCache[key]; ok {
		return f
	}

	// Cutoff in cycles per input sample: half the narrower of the two rates.
	cutoff := 0.5 * resampleRolloff
	if l < m {
		cutoff = 0.5 * resampleRolloff * float64(l) / float64(m)
	}
	half := int(math.Ceil(4.0 / cutoff))
	taps := 2 * half

	f := &polyphaseFilter{half: half, coef: make([][]float64, l)}
	for p := 0; p < l; p++ {
		frac := float64(p) / float64(l)
		row := make([]float64, taps)
		for j := 0; j < taps; j++ {
			u := frac - float64(j-(half-1))
			w := 0.0
			if t := u / float64(half); t > -1 && t < 1 {
				w = 0.54 + 0.46*math.Cos(math.Pi*t) // Hamming
			}
			row[j] = 2 * cutoff * sinc(2*cutoff*u) * w
		}
		f.coef[p] = row
	}
	filterCache[key] = f
	return f
}

// Resample converts in from fin Hz to fout Hz. Matching rates are an exact
// copy; silence maps to exact silence; the output length is always
// round(len(in)·fout/fin). Samples beyond either edge read as zero.
func Resample(in []int16, fin, fout int) []int16 {
	if fin == fout {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	if len(in) == 0 || fin <= 0 || fout <= 0 {
		return nil
	}

	g := gcd(fin, fout)
	l, m := fout/g, fin/g
	f := filterFor(l, m)

	nOut := (len(in)*l + m/2) / m
	out := make([]int16, nOut)
	for k := 0; k < nOut; k++ {
		t := k * m
		base := t / l
		row := f.coef[t%l]
		var acc float64
		for j, c := range row {
			idx := base + j - (f.half - 1)
			if idx < 0 || idx >= len(in) {
				continue
			}
			acc += c * float64(in[idx])
		}
		out[k] = clampInt16(acc)
	}
	return out
}
