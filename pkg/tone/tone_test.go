package tone

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, pcm []byte) []float64 {
	require.Zero(t, len(pcm)%4)
	samples := make([]float64, len(pcm)/4)
	for i := range samples {
		samples[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:])))
	}
	return samples
}

func TestGenerateFrequency(t *testing.T) {
	const freq = 440.0
	const duration = 120 * time.Millisecond

	samples := decode(t, Generate(freq, duration))
	require.Len(t, samples, int(48000*duration.Seconds()))

	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] < 0) != (samples[i] < 0) {
			crossings++
		}
	}
	// A sine crosses zero twice per period.
	assert.InDelta(t, 2*freq*duration.Seconds(), float64(crossings), 3)
}

func TestGenerateEnvelope(t *testing.T) {
	samples := decode(t, Generate(660, 120*time.Millisecond))

	assert.Zero(t, samples[0])
	assert.InDelta(t, 0, samples[len(samples)-1], 1e-6)

	var peak float64
	for _, s := range samples {
		if math.Abs(s) > peak {
			peak = math.Abs(s)
		}
	}
	assert.InDelta(t, amplitude, peak, 0.01)
}

func TestGenerateShortBlip(t *testing.T) {
	// Blips shorter than twice the envelope must still ramp cleanly.
	samples := decode(t, Generate(440, 4*time.Millisecond))
	require.NotEmpty(t, samples)
	assert.Zero(t, samples[0])
}
