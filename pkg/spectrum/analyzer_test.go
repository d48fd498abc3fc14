package spectrum

import (
	"context"
	"math"
	"testing"

	"github.com/mjibson/go-dsp/fft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/audio/pkg/audio"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	a, err := NewAnalyzer(
		audio.EncodingPCM{
			PCMFormat:  audio.PCMFormatFloat32LE,
			SampleRate: 44100,
		},
		audio.Channel(1),
		DefaultFFTSize,
		DefaultSmoothing,
	)
	require.NoError(t, err)
	return a
}

func sine(freq float64, sampleRate int, n int) []float64 {
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate))
	}
	return samples
}

func argmax(bins []byte) int {
	best := 0
	for i, v := range bins {
		if v > bins[best] {
			best = i
		}
	}
	return best
}

func TestPeakBinMatchesToneFrequency(t *testing.T) {
	a := newTestAnalyzer(t)
	a.WriteSamples(sine(1000, 44100, DefaultFFTSize))

	bins := make([]byte, a.BinCount())
	_, err := a.ByteFrequencyData(bins)
	require.NoError(t, err)

	assert.InDelta(t, a.BinFor(1000), argmax(bins), 1)
}

// The analyzer's spectrum must agree with an independent FFT implementation
// about where the energy is.
func TestPeakBinAgreesWithGoDSP(t *testing.T) {
	a := newTestAnalyzer(t)
	samples := sine(700, 44100, DefaultFFTSize)
	a.WriteSamples(samples)

	bins := make([]byte, a.BinCount())
	_, err := a.ByteFrequencyData(bins)
	require.NoError(t, err)

	w := hann(len(samples))
	windowed := make([]float64, len(samples))
	for i, s := range samples {
		windowed[i] = s * w[i]
	}
	reference := fft.FFTReal(windowed)

	refPeak, refPeakMag := 0, 0.0
	for i := 0; i < len(reference)/2; i++ {
		mag := math.Hypot(real(reference[i]), imag(reference[i]))
		if mag > refPeakMag {
			refPeak, refPeakMag = i, mag
		}
	}

	assert.Equal(t, refPeak, argmax(bins))
}

func TestSilenceYieldsZeroBins(t *testing.T) {
	a := newTestAnalyzer(t)
	a.WriteSamples(make([]float64, DefaultFFTSize))

	bins := make([]byte, a.BinCount())
	_, err := a.ByteFrequencyData(bins)
	require.NoError(t, err)

	for i, v := range bins {
		require.Zero(t, v, "bin %d", i)
	}
}

func TestSmoothingDecaysAfterToneStops(t *testing.T) {
	a := newTestAnalyzer(t)
	a.WriteSamples(sine(1000, 44100, DefaultFFTSize))

	bins := make([]byte, a.BinCount())
	_, err := a.ByteFrequencyData(bins)
	require.NoError(t, err)
	peakBin := argmax(bins)
	loud := bins[peakBin]
	require.NotZero(t, loud)

	a.WriteSamples(make([]float64, DefaultFFTSize))
	for i := 0; i < 20; i++ {
		_, err := a.ByteFrequencyData(bins)
		require.NoError(t, err)
	}
	assert.Less(t, bins[peakBin], loud, "smoothed magnitude should decay once the tone stops")
}

func TestBinMath(t *testing.T) {
	a := newTestAnalyzer(t)
	assert.Equal(t, DefaultFFTSize/2, a.BinCount())
	assert.InDelta(t, 43.066, a.BinWidth(), 0.01)
	assert.Equal(t, 0, a.BinFor(-5))
	assert.Equal(t, 2, a.BinFor(85))
	assert.Equal(t, a.BinCount()-1, a.BinFor(1e9))
}

func TestByteFrequencyDataRejectsWrongSize(t *testing.T) {
	a := newTestAnalyzer(t)
	_, err := a.ByteFrequencyData(make([]byte, 3))
	assert.Error(t, err)
}

func TestNewAnalyzerValidation(t *testing.T) {
	encoding := audio.EncodingPCM{PCMFormat: audio.PCMFormatFloat32LE, SampleRate: 44100}

	_, err := NewAnalyzer(audio.EncodingPCM{PCMFormat: audio.PCMFormatFloat32LE}, 1, 1024, 0.3)
	assert.Error(t, err, "missing sample rate")
	_, err = NewAnalyzer(encoding, 0, 1024, 0.3)
	assert.Error(t, err, "no channels")
	_, err = NewAnalyzer(encoding, 1, 1000, 0.3)
	assert.Error(t, err, "non-power-of-two size")
	_, err = NewAnalyzer(encoding, 1, 1024, 1.0)
	assert.Error(t, err, "smoothing out of range")
}

func TestAbstractAnalyzer(t *testing.T) {
	a := newTestAnalyzer(t)

	enc, err := a.Encoding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, audio.SampleRate(44100), enc.(audio.EncodingPCM).SampleRate)

	ch, err := a.Channels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, audio.Channel(1), ch)

	assert.NoError(t, a.Close())
}
