// Package biquad implements second-order IIR filter sections (biquads)
// following the well-known Audio EQ Cookbook formulas by Robert
// Bristow-Johnson. Only the high-pass and low-pass variants are provided,
// which is enough to bound a signal to the human-voice band.
package biquad

import (
	"fmt"
	"math"
)

// DefaultQ is the quality factor of a maximally-flat (Butterworth)
// second-order section.
const DefaultQ = math.Sqrt2 / 2

// Filter is a single stateful biquad section. It is not safe for concurrent
// use; the owner is expected to feed it from a single goroutine.
type Filter struct {
	b0, b1, b2 float64
	a1, a2     float64

	x1, x2 float64
	y1, y2 float64
}

// NewHighPass returns a high-pass biquad with the given corner frequency.
func NewHighPass(sampleRate, cutoffHz, q float64) (*Filter, error) {
	w0, alpha, err := intermediates(sampleRate, cutoffHz, q)
	if err != nil {
		return nil, err
	}

	cosW0 := math.Cos(w0)
	b0 := (1 + cosW0) / 2
	b1 := -(1 + cosW0)
	b2 := (1 + cosW0) / 2
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha
	return newNormalized(b0, b1, b2, a0, a1, a2), nil
}

// NewLowPass returns a low-pass biquad with the given corner frequency.
func NewLowPass(sampleRate, cutoffHz, q float64) (*Filter, error) {
	w0, alpha, err := intermediates(sampleRate, cutoffHz, q)
	if err != nil {
		return nil, err
	}

	cosW0 := math.Cos(w0)
	b0 := (1 - cosW0) / 2
	b1 := 1 - cosW0
	b2 := (1 - cosW0) / 2
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha
	return newNormalized(b0, b1, b2, a0, a1, a2), nil
}

func intermediates(sampleRate, cutoffHz, q float64) (w0, alpha float64, _ error) {
	if sampleRate <= 0 {
		return 0, 0, fmt.Errorf("sample rate must be positive: got %v", sampleRate)
	}
	if cutoffHz <= 0 || cutoffHz >= sampleRate/2 {
		return 0, 0, fmt.Errorf("cutoff frequency %vHz is out of range (0, %vHz)", cutoffHz, sampleRate/2)
	}
	if q <= 0 {
		return 0, 0, fmt.Errorf("quality factor must be positive: got %v", q)
	}

	w0 = 2 * math.Pi * cutoffHz / sampleRate
	alpha = math.Sin(w0) / (2 * q)
	return w0, alpha, nil
}

func newNormalized(b0, b1, b2, a0, a1, a2 float64) *Filter {
	return &Filter{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: a1 / a0,
		a2: a2 / a0,
	}
}

// ProcessSample pushes one sample through the section (Direct Form I).
func (f *Filter) ProcessSample(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

// Process filters samples in place, preserving the section state between
// calls so a continuous stream may be fed chunk by chunk.
func (f *Filter) Process(samples []float64) {
	for i, x := range samples {
		samples[i] = f.ProcessSample(x)
	}
}

// Reset clears the delay line without touching the coefficients.
func (f *Filter) Reset() {
	f.x1, f.x2 = 0, 0
	f.y1, f.y2 = 0, 0
}
