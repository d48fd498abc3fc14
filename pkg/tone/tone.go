// Package tone plays short sine-wave blips, used as audible feedback when
// voice is first detected and when an utterance ends. Playback is
// best-effort by nature: callers are expected to log and ignore any error.
package tone

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/xaionaro-go/audio/pkg/audio"
)

const (
	sampleRate = audio.SampleRate(48000)
	channels   = audio.Channel(1)

	// amplitude keeps the blips noticeably quieter than speech playback.
	amplitude = 0.3

	// envelope is the linear attack/release ramp that avoids clicks at the
	// blip boundaries.
	envelope = 5 * time.Millisecond
)

// Beeper synthesizes sine blips and plays them through a PCM player.
type Beeper struct {
	player *audio.Player
}

// NewBeeper initializes a Beeper on the best available playback backend.
func NewBeeper(ctx context.Context) *Beeper {
	return NewBeeperWithPlayer(audio.NewPlayerAuto(ctx))
}

// NewBeeperWithPlayer initializes a Beeper on the given player.
func NewBeeperWithPlayer(player *audio.Player) *Beeper {
	return &Beeper{
		player: player,
	}
}

// PlayBlip synthesizes a sine wave of the given frequency and duration and
// plays it synchronously (returns after the blip has been drained).
func (b *Beeper) PlayBlip(
	ctx context.Context,
	freqHz float64,
	duration time.Duration,
) error {
	if freqHz <= 0 || freqHz >= float64(sampleRate)/2 {
		return fmt.Errorf("frequency %vHz is out of range (0, %vHz)", freqHz, float64(sampleRate)/2)
	}

	stream, err := b.player.PlayPCM(
		ctx,
		sampleRate,
		channels,
		audio.PCMFormatFloat32LE,
		audio.BufferSize,
		bytes.NewReader(Generate(freqHz, duration)),
	)
	if err != nil {
		return fmt.Errorf("unable to playback as PCM: %w", err)
	}
	if err := stream.Drain(); err != nil {
		stream.Close()
		return fmt.Errorf("unable to drain the playback stream: %w", err)
	}
	return stream.Close()
}

func (b *Beeper) Close() error {
	return b.player.Close()
}

// Generate synthesizes a sine blip as float32 little-endian mono PCM at
// 48kHz, with a short linear attack/release envelope.
func Generate(freqHz float64, duration time.Duration) []byte {
	numSamples := int(float64(sampleRate) * duration.Seconds())
	envSamples := int(float64(sampleRate) * envelope.Seconds())
	if envSamples*2 > numSamples {
		envSamples = numSamples / 2
	}

	pcm := make([]byte, numSamples*4)
	for i := 0; i < numSamples; i++ {
		v := amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
		switch {
		case i < envSamples:
			v *= float64(i) / float64(envSamples)
		case i >= numSamples-envSamples:
			v *= float64(numSamples-1-i) / float64(envSamples)
		}
		binary.LittleEndian.PutUint32(pcm[i*4:], math.Float32bits(float32(v)))
	}
	return pcm
}
