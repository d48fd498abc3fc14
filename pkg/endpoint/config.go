package endpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/audio/pkg/audio"
	"github.com/xaionaro-go/voiceactivity/pkg/spectrum"
)

// LevelCallback receives the down-sampled visualization bars and the recent
// average level on every frame tick. It is purely observational: the slices
// passed in are reused between ticks and must not be retained.
type LevelCallback func(bars []float64, overallLevel float64)

// ToneFeedback plays short audible blips. Implementations are best-effort:
// the detector logs and ignores any error returned from here.
type ToneFeedback interface {
	PlayBlip(ctx context.Context, freqHz float64, duration time.Duration) error
}

// Config holds the tunable parameters of a Detector.
// Use DefaultConfig() to get a config with sensible defaults and override
// only what you need; explicit zero values for the semantic thresholds
// (e.g. MinRecordingDuration) are honored as-is.
type Config struct {
	// SilenceThreshold: a check tick whose last-10 average level is below
	// this value counts as silent.
	SilenceThreshold float64

	// MinVoiceLevel: a frame tick whose last-5 average level reaches this
	// value latches voice detection and resets the silence clock.
	MinVoiceLevel float64

	// SilenceDuration is the wall-clock silence required for the endpoint
	// decision (scaled by SilenceDurationSlack).
	SilenceDuration time.Duration

	// SilenceDurationSlack is a multiplier on SilenceDuration.
	SilenceDurationSlack float64

	// MinRecordingDuration gates the endpoint decision until this much time
	// has passed since Initialize.
	MinRecordingDuration time.Duration

	// ConsecutiveSilenceThreshold is the number of consecutive silent check
	// ticks that triggers the endpoint (alternative to the wall-clock
	// condition, whichever comes first).
	ConsecutiveSilenceThreshold int

	// ContinuousMode enables the endpoint decision at all. Level extraction
	// and visualization keep running when disabled.
	ContinuousMode bool

	// DebugMode enables verbose internal logging. It never affects the
	// detection behavior.
	DebugMode bool

	// VoiceBandWeight is the weight of the voice-band average in the
	// combined level; the overall average gets the complement.
	VoiceBandWeight float64

	// LevelGain amplifies the normalized level to compensate for typically
	// quiet speech capture.
	LevelGain float64

	// BarGain amplifies the visualization bars (independent of LevelGain).
	BarGain float64

	// BarCount is the number of visualization bars.
	BarCount int

	// Input stream format.
	SampleRate audio.SampleRate
	Channels   audio.Channel
	PCMFormat  audio.PCMFormat

	// FFTSize and Smoothing configure the frequency analyzer.
	FFTSize   int
	Smoothing float64

	// FrameInterval is the cadence of the level-extraction loop.
	FrameInterval time.Duration

	// CheckInterval is the cadence of the silence-check loop, decoupled
	// from FrameInterval so detection stays stable under frame jitter.
	CheckInterval time.Duration

	// CallbackDelay is how long the endpoint callback is deferred after the
	// decision, giving consumers time to settle.
	CallbackDelay time.Duration

	// Tone, when set, is used to play the voice-start and endpoint blips.
	Tone ToneFeedback
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold:            0.5,
		MinVoiceLevel:               1.0,
		SilenceDuration:             800 * time.Millisecond,
		SilenceDurationSlack:        1.0,
		MinRecordingDuration:        time.Second,
		ConsecutiveSilenceThreshold: 8,
		ContinuousMode:              true,
		DebugMode:                   false,
		VoiceBandWeight:             0.7,
		LevelGain:                   6.0,
		BarGain:                     8.0,
		BarCount:                    30,
		SampleRate:                  44100,
		Channels:                    1,
		PCMFormat:                   audio.PCMFormatS16LE,
		FFTSize:                     spectrum.DefaultFFTSize,
		Smoothing:                   spectrum.DefaultSmoothing,
		FrameInterval:               16 * time.Millisecond,
		CheckInterval:               40 * time.Millisecond,
		CallbackDelay:               100 * time.Millisecond,
	}
}

// sanitize fills the mechanical zero fields, where a zero value cannot mean
// anything but "unset". Semantic thresholds are left untouched.
func (cfg *Config) sanitize() {
	def := DefaultConfig()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = def.Channels
	}
	if cfg.FFTSize == 0 {
		cfg.FFTSize = def.FFTSize
	}
	if cfg.BarCount == 0 {
		cfg.BarCount = def.BarCount
	}
	if cfg.SilenceDurationSlack == 0 {
		cfg.SilenceDurationSlack = def.SilenceDurationSlack
	}
	if cfg.LevelGain == 0 {
		cfg.LevelGain = def.LevelGain
	}
	if cfg.BarGain == 0 {
		cfg.BarGain = def.BarGain
	}
	if cfg.FrameInterval == 0 {
		cfg.FrameInterval = def.FrameInterval
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = def.CheckInterval
	}
}

func (cfg Config) validate() error {
	if cfg.SilenceThreshold < 0 {
		return fmt.Errorf("silence threshold must be non-negative: got %v", cfg.SilenceThreshold)
	}
	if cfg.MinVoiceLevel < 0 {
		return fmt.Errorf("minimal voice level must be non-negative: got %v", cfg.MinVoiceLevel)
	}
	if cfg.SilenceDuration < 0 {
		return fmt.Errorf("silence duration must be non-negative: got %v", cfg.SilenceDuration)
	}
	if cfg.SilenceDurationSlack < 0 {
		return fmt.Errorf("silence duration slack must be non-negative: got %v", cfg.SilenceDurationSlack)
	}
	if cfg.MinRecordingDuration < 0 {
		return fmt.Errorf("minimal recording duration must be non-negative: got %v", cfg.MinRecordingDuration)
	}
	if cfg.ConsecutiveSilenceThreshold < 1 {
		return fmt.Errorf("consecutive silence threshold must be at least 1: got %d", cfg.ConsecutiveSilenceThreshold)
	}
	if cfg.VoiceBandWeight < 0 || cfg.VoiceBandWeight > 1 {
		return fmt.Errorf("voice band weight must be within [0, 1]: got %v", cfg.VoiceBandWeight)
	}
	if cfg.CallbackDelay < 0 {
		return fmt.Errorf("callback delay must be non-negative: got %v", cfg.CallbackDelay)
	}
	if _, err := bytesPerSample(cfg.PCMFormat); err != nil {
		return err
	}
	return nil
}
