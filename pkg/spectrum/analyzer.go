// Package spectrum provides a streaming frequency analyzer: it keeps a
// sliding window of the most recent samples and exposes an exponentially
// smoothed magnitude spectrum as byte-valued bins, so consumers can poll the
// current spectral shape at their own cadence independently of the sample
// feed.
package spectrum

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/brettbuddin/fourier"
	"github.com/xaionaro-go/audio/pkg/audio"
)

const (
	// DefaultFFTSize is a good trade-off between frequency resolution
	// (~43Hz per bin at 44.1kHz) and latency.
	DefaultFFTSize = 1024

	// DefaultSmoothing is the fraction of the previous magnitude kept on
	// each poll. Low enough for fast response to speech onset/offset.
	DefaultSmoothing = 0.3

	// The dB range mapped onto the 0..255 byte bins.
	minDecibels = -100.0
	maxDecibels = -30.0
)

// Analyzer computes a smoothed magnitude spectrum over the most recent
// window of samples. Safe for concurrent use: one goroutine may feed samples
// while another polls the bins.
type Analyzer struct {
	locker sync.Mutex

	encoding audio.EncodingPCM
	channels audio.Channel

	fftSize   int
	smoothing float64

	window  []float64 // Hann coefficients
	ring    []float64 // most recent fftSize samples
	ringPos int

	coeffs   []complex128 // FFT scratch, reused every poll
	smoothed []float64    // per-bin smoothed normalized magnitude
}

var _ audio.AbstractAnalyzer = (*Analyzer)(nil)

// NewAnalyzer initializes an analyzer for the given PCM encoding.
// fftSize must be a power of two; smoothing must be within [0, 1).
func NewAnalyzer(
	encoding audio.EncodingPCM,
	channels audio.Channel,
	fftSize int,
	smoothing float64,
) (*Analyzer, error) {
	if encoding.SampleRate == 0 {
		return nil, fmt.Errorf("sample rate is mandatory")
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be greater than 0: got %d", channels)
	}
	if fftSize < 2 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("fft size must be a power of two: got %d", fftSize)
	}
	if smoothing < 0 || smoothing >= 1 {
		return nil, fmt.Errorf("smoothing must be within [0, 1): got %v", smoothing)
	}

	return &Analyzer{
		encoding:  encoding,
		channels:  channels,
		fftSize:   fftSize,
		smoothing: smoothing,
		window:    hann(fftSize),
		ring:      make([]float64, fftSize),
		coeffs:    make([]complex128, fftSize),
		smoothed:  make([]float64, fftSize/2),
	}, nil
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

func (a *Analyzer) Close() error {
	return nil
}

func (a *Analyzer) Encoding(
	ctx context.Context,
) (audio.Encoding, error) {
	return a.encoding, nil
}

func (a *Analyzer) Channels(
	ctx context.Context,
) (audio.Channel, error) {
	return a.channels, nil
}

// BinCount returns the number of frequency bins.
func (a *Analyzer) BinCount() int {
	return a.fftSize / 2
}

// BinWidth returns the width of one frequency bin in Hz.
func (a *Analyzer) BinWidth() float64 {
	return float64(a.encoding.SampleRate) / float64(a.fftSize)
}

// BinFor returns the index of the bin containing the given frequency,
// clamped to the valid bin range.
func (a *Analyzer) BinFor(freqHz float64) int {
	bin := int(math.Round(freqHz / a.BinWidth()))
	if bin < 0 {
		return 0
	}
	if bin >= a.BinCount() {
		return a.BinCount() - 1
	}
	return bin
}

// WriteSamples appends mono samples (normalized to [-1, 1]) to the sliding
// window, evicting the oldest ones.
func (a *Analyzer) WriteSamples(samples []float64) {
	a.locker.Lock()
	defer a.locker.Unlock()

	for _, s := range samples {
		a.ring[a.ringPos] = s
		a.ringPos = (a.ringPos + 1) % a.fftSize
	}
}

// ByteFrequencyData fills dst with the current smoothed magnitude spectrum,
// one byte per bin, mapping [-100dBFS, -30dBFS] onto [0, 255]. dst must be
// BinCount() long; it is returned for convenience. The smoothed state is
// advanced on every call, so the poll cadence is the smoothing cadence.
func (a *Analyzer) ByteFrequencyData(dst []byte) ([]byte, error) {
	if len(dst) != a.BinCount() {
		return nil, fmt.Errorf("dst must have exactly %d entries: got %d", a.BinCount(), len(dst))
	}

	a.locker.Lock()
	defer a.locker.Unlock()

	// Unroll the ring chronologically and apply the window.
	for i := 0; i < a.fftSize; i++ {
		s := a.ring[(a.ringPos+i)%a.fftSize]
		a.coeffs[i] = complex(s*a.window[i], 0)
	}

	if err := fourier.Forward(a.coeffs); err != nil {
		return nil, fmt.Errorf("unable to compute the forward FFT: %w", err)
	}

	invN := 1.0 / float64(a.fftSize)
	for i := range a.smoothed {
		mag := math.Hypot(real(a.coeffs[i]), imag(a.coeffs[i])) * invN
		a.smoothed[i] = a.smoothing*a.smoothed[i] + (1-a.smoothing)*mag

		db := 20 * math.Log10(a.smoothed[i])
		scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		switch {
		case scaled < 0 || math.IsNaN(scaled):
			dst[i] = 0
		case scaled > 255:
			dst[i] = 255
		default:
			dst[i] = byte(scaled)
		}
	}

	return dst, nil
}
