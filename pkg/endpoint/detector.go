// Package endpoint implements an energy-based utterance endpoint detector:
// it analyzes a live PCM stream, tracks a voice-band energy level with
// hysteresis, and fires a one-shot callback once sustained silence follows
// detected speech, so a recording session knows when to stop listening.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/iamcalledrob/circular"
	"github.com/xaionaro-go/audio/pkg/audio"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/voiceactivity/pkg/biquad"
	"github.com/xaionaro-go/voiceactivity/pkg/spectrum"
)

const (
	// The speech band the input is bounded to before analysis.
	highPassCutoffHz = 85
	lowPassCutoffHz  = 3500

	// The analyzer bin range treated as the voice (fundamental) band.
	voiceBandLowHz  = 85
	voiceBandHighHz = 255

	// historyLength is the size of the rolling level history;
	// voiceWindow and silenceWindow are the sub-windows averaged by the
	// voice latch and the silence check respectively.
	historyLength = 20
	voiceWindow   = 5
	silenceWindow = 10

	// Audible feedback blips.
	voiceStartToneHz = 660
	endpointToneHz   = 440
	toneDuration     = 120 * time.Millisecond

	ingestBufferSize = 1 << 16
	readChunkSize    = 1 << 14
)

// Detector is a single-session utterance endpoint detector. Construct one
// instance per active voice session; instances are independent.
//
// All mutable state is mutex-guarded: the reader, frame and check loops run
// on separate goroutines.
type Detector struct {
	locker sync.Mutex

	config   Config
	cancelFn context.CancelFunc

	input    *circular.Buffer
	pending  []byte
	highPass *biquad.Filter
	lowPass  *biquad.Filter
	analyzer *spectrum.Analyzer

	onSilence func()
	onLevels  LevelCallback

	// Scratch buffers reused every tick.
	drainScratch  []byte
	sampleScratch []float64
	binBuf        []byte
	barsBuf       []float64

	levels             []float64
	voiceDetected      bool
	consecutiveSilence int
	silenceStart       time.Time
	recordingStart     time.Time
	initialized        bool
	fired              bool

	nowFunc func() time.Time
}

var _ audio.AbstractAnalyzer = (*Detector)(nil)

// NewDetector returns an idle detector. Call Initialize to start it.
func NewDetector() *Detector {
	return &Detector{
		nowFunc: time.Now,
	}
}

// Initialize tears down any previous session and starts a new one: it reads
// PCM from stream (in the configured format), and invokes onSilence exactly
// once when the utterance has ended. onLevels is optional.
//
// The stream is owned by the caller: the detector only reads from it and
// never closes it.
func (d *Detector) Initialize(
	ctx context.Context,
	stream io.Reader,
	onSilence func(),
	cfg Config,
	onLevels LevelCallback,
) error {
	if err := d.Cleanup(); err != nil {
		logger.Warnf(ctx, "cleanup of the previous session failed: %v", err)
	}

	if stream == nil {
		return fmt.Errorf("stream is mandatory")
	}
	if onSilence == nil {
		return fmt.Errorf("the endpoint callback is mandatory")
	}
	cfg.sanitize()
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.MinVoiceLevel <= cfg.SilenceThreshold {
		logger.Warnf(ctx, "MinVoiceLevel (%v) does not exceed SilenceThreshold (%v); the hysteresis is degenerate", cfg.MinVoiceLevel, cfg.SilenceThreshold)
	}

	highPass, err := biquad.NewHighPass(float64(cfg.SampleRate), highPassCutoffHz, biquad.DefaultQ)
	if err != nil {
		return fmt.Errorf("unable to initialize the high-pass filter: %w", err)
	}
	lowPass, err := biquad.NewLowPass(float64(cfg.SampleRate), lowPassCutoffHz, biquad.DefaultQ)
	if err != nil {
		return fmt.Errorf("unable to initialize the low-pass filter: %w", err)
	}
	analyzer, err := spectrum.NewAnalyzer(
		audio.EncodingPCM{
			PCMFormat:  cfg.PCMFormat,
			SampleRate: cfg.SampleRate,
		},
		cfg.Channels,
		cfg.FFTSize,
		cfg.Smoothing,
	)
	if err != nil {
		return fmt.Errorf("unable to initialize the analyzer: %w", err)
	}

	d.locker.Lock()
	defer d.locker.Unlock()

	ctx, cancelFn := context.WithCancel(ctx)
	d.cancelFn = cancelFn
	d.config = cfg
	d.input = circular.NewBuffer(ingestBufferSize)
	d.pending = d.pending[:0]
	d.highPass = highPass
	d.lowPass = lowPass
	d.analyzer = analyzer
	d.onSilence = onSilence
	d.onLevels = onLevels

	d.drainScratch = make([]byte, readChunkSize)
	d.binBuf = make([]byte, analyzer.BinCount())
	d.barsBuf = make([]float64, cfg.BarCount)

	d.levels = d.levels[:0]
	d.voiceDetected = false
	d.consecutiveSilence = 0
	d.fired = false
	now := d.nowFunc()
	d.recordingStart = now
	d.silenceStart = now
	d.initialized = true

	if cfg.DebugMode {
		logger.Debugf(ctx, "initialized the endpoint detector with config: %s", spew.Sdump(cfg))
	}

	observability.Go(ctx, func(ctx context.Context) {
		d.readerLoop(ctx, stream)
	})
	observability.Go(ctx, func(ctx context.Context) {
		d.frameLoop(ctx)
	})
	observability.Go(ctx, func(ctx context.Context) {
		d.checkLoop(ctx)
	})
	return nil
}

// readerLoop moves bytes from the stream into the ingest buffer. It stops on
// any read error (including EOF): the detector then keeps evaluating
// whatever was buffered, which degrades to silence.
func (d *Detector) readerLoop(ctx context.Context, stream io.Reader) {
	readBuf := make([]byte, readChunkSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := stream.Read(readBuf)
		if n > 0 {
			d.ingestBytes(ctx, readBuf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				logger.Debugf(ctx, "the input stream ended")
			} else {
				logger.Errorf(ctx, "unable to read the input stream: %v", err)
			}
			return
		}
	}
}

func (d *Detector) ingestBytes(ctx context.Context, chunk []byte) {
	d.locker.Lock()
	defer d.locker.Unlock()

	if !d.initialized || d.input == nil {
		return
	}
	for {
		w, err := d.input.Write(chunk)
		if err != nil {
			if errors.Is(err, circular.ErrNoSpace) {
				// Real-time signal: discard the oldest data instead of
				// blocking the reader.
				discard := len(chunk)
				if discard > len(d.drainScratch) {
					discard = len(d.drainScratch)
				}
				if _, err := d.input.Read(d.drainScratch[:discard]); err != nil {
					logger.Errorf(ctx, "unable to discard from the ingest buffer: %v", err)
					return
				}
				continue
			}
			logger.Errorf(ctx, "unable to write to the ingest buffer: %v", err)
			return
		}
		if w != len(chunk) {
			logger.Errorf(ctx, "wrote != given: %d != %d", w, len(chunk))
		}
		return
	}
}

func (d *Detector) frameLoop(ctx context.Context) {
	d.locker.Lock()
	interval := d.config.FrameInterval
	d.locker.Unlock()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !d.tickFrame(ctx) {
				return
			}
		}
	}
}

func (d *Detector) checkLoop(ctx context.Context) {
	d.locker.Lock()
	interval := d.config.CheckInterval
	d.locker.Unlock()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !d.tickCheck(ctx) {
				return
			}
		}
	}
}

// tickFrame performs one level-extraction step. It reports false once the
// detector is no longer initialized, so a stale tick never reschedules work
// after Cleanup.
func (d *Detector) tickFrame(ctx context.Context) bool {
	d.locker.Lock()

	if !d.initialized {
		d.locker.Unlock()
		return false
	}

	samples := d.decodePendingLocked()
	if len(samples) > 0 {
		d.highPass.Process(samples)
		d.lowPass.Process(samples)
		d.analyzer.WriteSamples(samples)
	}

	bins, err := d.analyzer.ByteFrequencyData(d.binBuf)
	if err != nil {
		logger.Errorf(ctx, "unable to read the frequency data: %v", err)
		d.locker.Unlock()
		return true
	}

	loBin := d.analyzer.BinFor(voiceBandLowHz)
	hiBin := d.analyzer.BinFor(voiceBandHighHz)
	var voiceSum, overallSum float64
	for i, v := range bins {
		overallSum += float64(v)
		if i >= loBin && i <= hiBin {
			voiceSum += float64(v)
		}
	}
	voiceAvg := voiceSum / float64(hiBin-loBin+1)
	overallAvg := overallSum / float64(len(bins))

	w := d.config.VoiceBandWeight
	weighted := w*voiceAvg + (1-w)*overallAvg
	level := weighted / 256 * d.config.LevelGain

	firstVoice := d.observeLevelLocked(ctx, level)

	var levelCB LevelCallback
	var bars []float64
	var recentAvg float64
	if d.onLevels != nil {
		d.downsampleBarsLocked(bins)
		levelCB = d.onLevels
		bars = d.barsBuf
		recentAvg = meanLast(d.levels, voiceWindow)
	}
	tone := d.config.Tone
	d.locker.Unlock()

	if firstVoice && tone != nil {
		d.playBlip(ctx, tone, voiceStartToneHz)
	}
	if levelCB != nil {
		levelCB(bars, recentAvg)
	}
	return true
}

// observeLevelLocked appends one level sample to the rolling history and
// applies the voice latch. Reports whether voice got latched by this very
// sample.
func (d *Detector) observeLevelLocked(ctx context.Context, level float64) bool {
	if len(d.levels) >= historyLength {
		copy(d.levels, d.levels[1:])
		d.levels = d.levels[:historyLength-1]
	}
	d.levels = append(d.levels, level)

	recentAvg := meanLast(d.levels, voiceWindow)
	if recentAvg < d.config.MinVoiceLevel {
		return false
	}

	firstVoice := !d.voiceDetected
	d.voiceDetected = true
	d.consecutiveSilence = 0
	// Speech suppresses the silence clock immediately, not only at
	// decision time.
	d.silenceStart = d.nowFunc()

	if firstVoice && d.config.DebugMode {
		logger.Debugf(ctx, "voice detected: recent average %.3f >= %.3f", recentAvg, d.config.MinVoiceLevel)
	}
	return firstVoice
}

// decodePendingLocked drains the ingest buffer and decodes all complete
// frames into mono samples, keeping any trailing partial frame for the next
// tick.
func (d *Detector) decodePendingLocked() []float64 {
	if d.input != nil {
		for {
			n, err := d.input.Read(d.drainScratch)
			if n > 0 {
				d.pending = append(d.pending, d.drainScratch[:n]...)
			}
			if err != nil || n == 0 {
				break
			}
		}
	}

	sampleSize, err := bytesPerSample(d.config.PCMFormat)
	if err != nil {
		return nil
	}
	frameBytes := sampleSize * int(d.config.Channels)
	numFrames := len(d.pending) / frameBytes
	if numFrames == 0 {
		return nil
	}

	if cap(d.sampleScratch) < numFrames {
		d.sampleScratch = make([]float64, numFrames)
	} else {
		d.sampleScratch = d.sampleScratch[:numFrames]
	}
	for i := 0; i < numFrames; i++ {
		var sum float64
		for c := 0; c < int(d.config.Channels); c++ {
			sum += pcmSample(d.config.PCMFormat, d.pending[i*frameBytes+c*sampleSize:])
		}
		d.sampleScratch[i] = sum / float64(d.config.Channels)
	}

	rem := copy(d.pending, d.pending[numFrames*frameBytes:])
	d.pending = d.pending[:rem]
	return d.sampleScratch
}

// downsampleBarsLocked block-averages the frequency bins into BarCount bars,
// each normalized and amplified independently of the detection level.
func (d *Detector) downsampleBarsLocked(bins []byte) {
	blockSize := len(bins) / len(d.barsBuf)
	if blockSize < 1 {
		blockSize = 1
	}
	for i := range d.barsBuf {
		start := i * blockSize
		if start >= len(bins) {
			d.barsBuf[i] = 0
			continue
		}
		end := start + blockSize
		if end > len(bins) {
			end = len(bins)
		}
		var sum float64
		for _, v := range bins[start:end] {
			sum += float64(v)
		}
		bar := sum / float64(end-start) / 256 * d.config.BarGain
		if bar > 1 {
			bar = 1
		}
		d.barsBuf[i] = bar
	}
}

// tickCheck performs one silence-evaluation step and, when the endpoint
// condition holds, fires the callback (once) and tears the session down.
// It reports false once the detector is no longer initialized.
func (d *Detector) tickCheck(ctx context.Context) bool {
	d.locker.Lock()

	if !d.initialized {
		d.locker.Unlock()
		return false
	}

	now := d.nowFunc()
	avgLevel := meanLast(d.levels, silenceWindow)
	isSilent := avgLevel < d.config.SilenceThreshold
	if isSilent {
		d.consecutiveSilence++
	} else {
		d.consecutiveSilence = 0
		d.silenceStart = now
	}

	if d.config.DebugMode {
		logger.Debugf(ctx, "silence check: avg=%.3f silent=%v consecutive=%d voice=%v", avgLevel, isSilent, d.consecutiveSilence, d.voiceDetected)
	}

	if !d.config.ContinuousMode || !d.voiceDetected || d.fired {
		d.locker.Unlock()
		return true
	}
	if now.Sub(d.recordingStart) <= d.config.MinRecordingDuration {
		d.locker.Unlock()
		return true
	}

	requiredSilence := time.Duration(float64(d.config.SilenceDuration) * d.config.SilenceDurationSlack)
	countCondition := d.consecutiveSilence >= d.config.ConsecutiveSilenceThreshold
	wallCondition := now.Sub(d.silenceStart) > requiredSilence
	if !countCondition && !wallCondition {
		d.locker.Unlock()
		return true
	}

	if d.config.DebugMode {
		logger.Debugf(ctx, "endpoint: consecutive=%d (>=%d: %v), silence for %v (>%v: %v)",
			d.consecutiveSilence, d.config.ConsecutiveSilenceThreshold, countCondition,
			now.Sub(d.silenceStart), requiredSilence, wallCondition)
	}

	d.fired = true
	callback := d.onSilence
	tone := d.config.Tone
	delay := d.config.CallbackDelay
	if err := d.cleanupLocked(); err != nil {
		logger.Errorf(ctx, "cleanup after the endpoint decision failed: %v", err)
	}
	d.locker.Unlock()

	if tone != nil {
		d.playBlip(ctx, tone, endpointToneHz)
	}
	if callback != nil {
		time.AfterFunc(delay, callback)
	}
	return false
}

// playBlip plays a feedback tone asynchronously; failures are cosmetic and
// only logged.
func (d *Detector) playBlip(ctx context.Context, tone ToneFeedback, freqHz float64) {
	ctx = context.WithoutCancel(ctx)
	observability.Go(ctx, func(ctx context.Context) {
		if err := tone.PlayBlip(ctx, freqHz, toneDuration); err != nil {
			logger.Debugf(ctx, "unable to play the %vHz blip: %v", freqHz, err)
		}
	})
}

// Cleanup stops all activity. It is idempotent and safe to call at any
// moment. The rolling level history and the voice-detected flag are
// deliberately preserved for post-mortem inspection until the next
// Initialize.
func (d *Detector) Cleanup() error {
	d.locker.Lock()
	defer d.locker.Unlock()
	return d.cleanupLocked()
}

func (d *Detector) cleanupLocked() error {
	var mErr *multierror.Error
	if d.cancelFn != nil {
		d.cancelFn()
		d.cancelFn = nil
	}
	if d.analyzer != nil {
		if err := d.analyzer.Close(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to close the analyzer: %w", err))
		}
		d.analyzer = nil
	}
	d.highPass = nil
	d.lowPass = nil
	d.input = nil
	d.pending = d.pending[:0]
	d.onSilence = nil
	d.onLevels = nil
	d.initialized = false
	return mErr.ErrorOrNil()
}

// Close implements io.Closer; it is an alias of Cleanup.
func (d *Detector) Close() error {
	return d.Cleanup()
}

func (d *Detector) Encoding(
	ctx context.Context,
) (audio.Encoding, error) {
	d.locker.Lock()
	defer d.locker.Unlock()
	return audio.EncodingPCM{
		PCMFormat:  d.config.PCMFormat,
		SampleRate: d.config.SampleRate,
	}, nil
}

func (d *Detector) Channels(
	ctx context.Context,
) (audio.Channel, error) {
	d.locker.Lock()
	defer d.locker.Unlock()
	return d.config.Channels, nil
}

// SetContinuousMode toggles whether the endpoint decision is allowed to
// fire; level extraction and visualization continue regardless.
func (d *Detector) SetContinuousMode(enabled bool) {
	d.locker.Lock()
	defer d.locker.Unlock()
	d.config.ContinuousMode = enabled
}

// SetDebugMode toggles verbose logging without affecting detection.
func (d *Detector) SetDebugMode(enabled bool) {
	d.locker.Lock()
	defer d.locker.Unlock()
	d.config.DebugMode = enabled
}

// HasVoiceBeenDetected reports whether voice was latched during the current
// (or, after Cleanup, the most recent) session.
func (d *Detector) HasVoiceBeenDetected() bool {
	d.locker.Lock()
	defer d.locker.Unlock()
	return d.voiceDetected
}

// AudioLevels returns a snapshot copy of the rolling level history, oldest
// first.
func (d *Detector) AudioLevels() []float64 {
	d.locker.Lock()
	defer d.locker.Unlock()
	result := make([]float64, len(d.levels))
	copy(result, d.levels)
	return result
}

// ConsecutiveSilenceCount returns the current consecutive-silence tick
// count.
func (d *Detector) ConsecutiveSilenceCount() int {
	d.locker.Lock()
	defer d.locker.Unlock()
	return d.consecutiveSilence
}

func meanLast(values []float64, n int) float64 {
	if len(values) < n {
		n = len(values)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n)
}
