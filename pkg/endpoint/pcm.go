package endpoint

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xaionaro-go/audio/pkg/audio"
)

// bytesPerSample returns the size of one sample of the given format, or an
// error for formats the detector does not ingest.
func bytesPerSample(f audio.PCMFormat) (int, error) {
	switch f {
	case audio.PCMFormatS16LE:
		return 2, nil
	case audio.PCMFormatFloat32LE:
		return 4, nil
	default:
		return 0, fmt.Errorf("unsupported PCM format: %v", f)
	}
}

// pcmSample decodes one sample, normalized to [-1, 1].
func pcmSample(f audio.PCMFormat, p []byte) float64 {
	switch f {
	case audio.PCMFormatS16LE:
		return float64(int16(binary.LittleEndian.Uint16(p))) / 32768
	case audio.PCMFormatFloat32LE:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(p)))
	default:
		panic(fmt.Sprintf("unknown format: %v", f))
	}
}
