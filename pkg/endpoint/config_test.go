package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFillsMechanicalZeros(t *testing.T) {
	var cfg Config
	cfg.ConsecutiveSilenceThreshold = 1
	cfg.sanitize()

	def := DefaultConfig()
	assert.Equal(t, def.SampleRate, cfg.SampleRate)
	assert.Equal(t, def.Channels, cfg.Channels)
	assert.Equal(t, def.FFTSize, cfg.FFTSize)
	assert.Equal(t, def.BarCount, cfg.BarCount)
	assert.Equal(t, def.FrameInterval, cfg.FrameInterval)
	assert.Equal(t, def.CheckInterval, cfg.CheckInterval)
	assert.Equal(t, def.SilenceDurationSlack, cfg.SilenceDurationSlack)

	// Semantic zeros are honored as-is.
	assert.Zero(t, cfg.MinRecordingDuration)
	assert.Zero(t, cfg.CallbackDelay)
	assert.Zero(t, cfg.SilenceThreshold)
	assert.Zero(t, cfg.MinVoiceLevel)

	require.NoError(t, cfg.validate())
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	base := DefaultConfig()
	require.NoError(t, base.validate())

	for name, mutate := range map[string]func(*Config){
		"negative silence threshold":  func(c *Config) { c.SilenceThreshold = -0.1 },
		"negative voice level":        func(c *Config) { c.MinVoiceLevel = -1 },
		"negative silence duration":   func(c *Config) { c.SilenceDuration = -time.Second },
		"negative slack":              func(c *Config) { c.SilenceDurationSlack = -1 },
		"negative recording duration": func(c *Config) { c.MinRecordingDuration = -time.Second },
		"zero consecutive threshold":  func(c *Config) { c.ConsecutiveSilenceThreshold = 0 },
		"voice band weight above 1":   func(c *Config) { c.VoiceBandWeight = 1.5 },
		"negative callback delay":     func(c *Config) { c.CallbackDelay = -time.Millisecond },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			assert.Error(t, cfg.validate())
		})
	}
}
