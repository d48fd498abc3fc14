package biquad

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rmsOfFiltered feeds a pure sine through the filter and measures the RMS of
// the steady-state output (the first half is dropped to skip the transient).
func rmsOfFiltered(f *Filter, sampleRate, freq float64, n int) float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f.ProcessSample(math.Sin(2 * math.Pi * freq * float64(i) / sampleRate))
	}
	var sum float64
	for _, v := range out[n/2:] {
		sum += v * v
	}
	return math.Sqrt(sum / float64(n/2))
}

func TestHighPassAttenuatesRumble(t *testing.T) {
	const sampleRate = 44100

	for _, freq := range []float64{20, 40} {
		t.Run(fmt.Sprintf("%vHz", freq), func(t *testing.T) {
			f, err := NewHighPass(sampleRate, 85, DefaultQ)
			require.NoError(t, err)
			rms := rmsOfFiltered(f, sampleRate, freq, 44100)
			assert.Less(t, rms, 0.3, "rumble below the corner should be attenuated")
		})
	}

	f, err := NewHighPass(sampleRate, 85, DefaultQ)
	require.NoError(t, err)
	rms := rmsOfFiltered(f, sampleRate, 300, 44100)
	assert.InDelta(t, math.Sqrt2/2, rms, 0.1, "voice band should pass almost unchanged")
}

func TestLowPassAttenuatesHiss(t *testing.T) {
	const sampleRate = 44100

	f, err := NewLowPass(sampleRate, 3500, DefaultQ)
	require.NoError(t, err)
	rms := rmsOfFiltered(f, sampleRate, 12000, 44100)
	assert.Less(t, rms, 0.1, "hiss above the corner should be attenuated")

	f, err = NewLowPass(sampleRate, 3500, DefaultQ)
	require.NoError(t, err)
	rms = rmsOfFiltered(f, sampleRate, 300, 44100)
	assert.InDelta(t, math.Sqrt2/2, rms, 0.1, "voice band should pass almost unchanged")
}

func TestProcessMatchesProcessSample(t *testing.T) {
	const sampleRate = 44100

	a, err := NewHighPass(sampleRate, 85, DefaultQ)
	require.NoError(t, err)
	b, err := NewHighPass(sampleRate, 85, DefaultQ)
	require.NoError(t, err)

	in := make([]float64, 1000)
	for i := range in {
		in[i] = math.Sin(float64(i) * 0.21)
	}

	chunked := append([]float64(nil), in...)
	b.Process(chunked[:300])
	b.Process(chunked[300:])

	for i, x := range in {
		assert.Equal(t, a.ProcessSample(x), chunked[i], "sample %d", i)
	}
}

func TestReset(t *testing.T) {
	f, err := NewLowPass(44100, 3500, DefaultQ)
	require.NoError(t, err)

	first := f.ProcessSample(1)
	f.ProcessSample(0.5)
	f.Reset()
	assert.Equal(t, first, f.ProcessSample(1))
}

func TestInvalidParameters(t *testing.T) {
	_, err := NewHighPass(0, 85, DefaultQ)
	assert.Error(t, err)
	_, err = NewHighPass(44100, 0, DefaultQ)
	assert.Error(t, err)
	_, err = NewHighPass(44100, 30000, DefaultQ)
	assert.Error(t, err)
	_, err = NewLowPass(44100, 3500, 0)
	assert.Error(t, err)
}
