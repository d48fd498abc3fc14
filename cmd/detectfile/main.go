package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/audio/pkg/audio"
	"github.com/xaionaro-go/datacounter"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/voiceactivity/pkg/endpoint"
)

// Replays a raw PCM file through the endpoint detector at capture pace and
// reports where (and whether) the utterance ended.
func main() {
	loggerLevel := logger.LevelDebug
	pflag.Var(&loggerLevel, "log-level", "Log level")
	isS16Flag := pflag.Bool("s16", false, "the input is signed 16-bit little-endian (float32 little-endian otherwise)")
	sampleRate := pflag.Uint("sample-rate", 44100, "the sample rate of the input")
	channels := pflag.Uint("channels", 1, "the amount of channels of the input")
	fastFlag := pflag.Bool("fast", false, "replay as fast as possible instead of at capture pace")
	debugFlag := pflag.Bool("debug", false, "verbose detector logging")
	pflag.Parse()

	if pflag.NArg() != 1 {
		panic(fmt.Errorf("expected exactly one argument: <input-file>"))
	}

	input, err := os.ReadFile(pflag.Arg(0))
	assertNoError(err)

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	cfg := endpoint.DefaultConfig()
	cfg.SampleRate = audio.SampleRate(*sampleRate)
	cfg.Channels = audio.Channel(*channels)
	cfg.PCMFormat = audio.PCMFormatFloat32LE
	cfg.DebugMode = *debugFlag
	bytesPerFrame := 4 * int(*channels)
	if *isS16Flag {
		cfg.PCMFormat = audio.PCMFormatS16LE
		bytesPerFrame = 2 * int(*channels)
	}
	bytesPerSecond := bytesPerFrame * int(*sampleRate)

	pipeReader, pipeWriter := io.Pipe()
	wc := datacounter.NewWriterCounter(pipeWriter)

	done := make(chan struct{})
	detector := endpoint.NewDetector()
	err = detector.Initialize(ctx, pipeReader, func() {
		close(done)
	}, cfg, nil)
	assertNoError(err)
	defer detector.Cleanup()

	chunkSize := bytesPerSecond / 50 // 20ms per chunk
	pace := 20 * time.Millisecond
	if *fastFlag {
		pace = 0
	}

	observability.Go(ctx, func(ctx context.Context) {
		defer pipeWriter.Close()
		for offset := 0; offset < len(input); offset += chunkSize {
			end := offset + chunkSize
			if end > len(input) {
				end = len(input)
			}
			if _, err := wc.Write(input[offset:end]); err != nil {
				logger.Errorf(ctx, "unable to feed the detector: %v", err)
				return
			}
			time.Sleep(pace)
		}
		// Abruptly-cut recordings carry no trailing silence, so append
		// some to let the endpoint trigger.
		quiet := make([]byte, chunkSize)
		for i := 0; i < 2*int(time.Second/(20*time.Millisecond)); i++ {
			select {
			case <-done:
				return
			default:
			}
			if _, err := wc.Write(quiet); err != nil {
				return
			}
			time.Sleep(pace)
		}
	})

	fileDuration := time.Duration(len(input)) * time.Second / time.Duration(bytesPerSecond)
	timeout := fileDuration + 5*time.Second
	if *fastFlag {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
		consumed := time.Duration(wc.Count()) * time.Second / time.Duration(bytesPerSecond)
		if consumed > fileDuration {
			consumed = fileDuration
		}
		logger.Infof(ctx, "the utterance ended after ~%v of %v (voice detected: %v)", consumed.Truncate(time.Millisecond), fileDuration.Truncate(time.Millisecond), detector.HasVoiceBeenDetected())
	case <-time.After(timeout):
		logger.Infof(ctx, "no endpoint within %v (voice detected: %v)", fileDuration.Truncate(time.Millisecond), detector.HasVoiceBeenDetected())
		os.Exit(1)
	}
}

func assertNoError(err error) {
	if err != nil {
		panic(err)
	}
}
