package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/audio/pkg/audio"
	_ "github.com/xaionaro-go/audio/pkg/audio/backends/oto"
	_ "github.com/xaionaro-go/audio/pkg/audio/backends/portaudio"
	_ "github.com/xaionaro-go/audio/pkg/audio/backends/pulseaudio"
	"github.com/xaionaro-go/datacounter"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/voiceactivity/pkg/endpoint"
	"github.com/xaionaro-go/voiceactivity/pkg/tone"
)

func main() {
	loggerLevel := logger.LevelDebug
	pflag.Var(&loggerLevel, "log-level", "Log level")
	sampleRate := pflag.Uint("sample-rate", 48000, "capture sample rate")
	silenceThreshold := pflag.Float64("silence-threshold", endpoint.DefaultConfig().SilenceThreshold, "a check below this average level counts as silent")
	minVoiceLevel := pflag.Float64("min-voice-level", endpoint.DefaultConfig().MinVoiceLevel, "the average level that latches voice detection")
	silenceDuration := pflag.Duration("silence-duration", endpoint.DefaultConfig().SilenceDuration, "the wall-clock silence that ends the utterance")
	minRecordingDuration := pflag.Duration("min-recording-duration", endpoint.DefaultConfig().MinRecordingDuration, "do not end the utterance earlier than this")
	consecutiveSilence := pflag.Int("consecutive-silence-threshold", endpoint.DefaultConfig().ConsecutiveSilenceThreshold, "the amount of consecutive silent checks that ends the utterance")
	tonesFlag := pflag.Bool("tones", false, "play audible blips on voice start and on the endpoint")
	meterFlag := pflag.Bool("meter", true, "render a terminal level meter")
	debugFlag := pflag.Bool("debug", false, "verbose detector logging")
	pflag.Parse()

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	logger.Infof(ctx, "starting...")
	recorder := audio.NewRecorderAuto(ctx)
	defer recorder.Close()

	pipeReader, pipeWriter := io.Pipe()
	wc := datacounter.NewWriterCounter(pipeWriter)
	logger.Tracef(ctx, "recorder.RecordPCM")
	streamRecord, err := recorder.RecordPCM(ctx, audio.SampleRate(*sampleRate), 1, audio.PCMFormatFloat32LE, wc)
	logger.Tracef(ctx, "/recorder.RecordPCM: %v", err)
	assertNoError(err)
	defer func() {
		assertNoError(streamRecord.Close())
	}()

	cfg := endpoint.DefaultConfig()
	cfg.SampleRate = audio.SampleRate(*sampleRate)
	cfg.Channels = 1
	cfg.PCMFormat = audio.PCMFormatFloat32LE
	cfg.SilenceThreshold = *silenceThreshold
	cfg.MinVoiceLevel = *minVoiceLevel
	cfg.SilenceDuration = *silenceDuration
	cfg.MinRecordingDuration = *minRecordingDuration
	cfg.ConsecutiveSilenceThreshold = *consecutiveSilence
	cfg.DebugMode = *debugFlag
	if *tonesFlag {
		beeper := tone.NewBeeper(ctx)
		defer beeper.Close()
		cfg.Tone = beeper
	}

	var onLevels endpoint.LevelCallback
	if *meterFlag {
		onLevels = func(bars []float64, overallLevel float64) {
			fmt.Fprintf(os.Stderr, "\r%s %5.2f", renderMeter(bars), overallLevel)
		}
	}

	done := make(chan struct{})
	detector := endpoint.NewDetector()
	err = detector.Initialize(ctx, pipeReader, func() {
		close(done)
	}, cfg, onLevels)
	assertNoError(err)
	defer detector.Cleanup()

	startedAt := time.Now()
	observability.Go(ctx, func(ctx context.Context) {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				logger.Debugf(ctx, "captured: %d bytes", wc.Count())
			}
		}
	})

	<-done
	if *meterFlag {
		fmt.Fprintln(os.Stderr)
	}
	logger.Infof(ctx, "the utterance ended after %v (voice detected: %v)", time.Since(startedAt).Truncate(time.Millisecond), detector.HasVoiceBeenDetected())
}

func renderMeter(bars []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for _, bar := range bars {
		switch {
		case bar > 0.66:
			sb.WriteByte('#')
		case bar > 0.33:
			sb.WriteByte('+')
		case bar > 0.05:
			sb.WriteByte('.')
		default:
			sb.WriteByte(' ')
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

func assertNoError(err error) {
	if err != nil {
		panic(err)
	}
}
