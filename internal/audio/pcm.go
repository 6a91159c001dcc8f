package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Microphone audio arrives from the browser as mono 16-bit little-endian PCM
const (
	SampleRate     = 16000
	BytesPerSample = 2
	// FrameSamples is one 20ms analysis frame
	FrameSamples = SampleRate / 50
	FrameBytes   = FrameSamples * BytesPerSample
)

// BytesToSamples decodes little-endian 16-bit PCM
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(pcm))
	}
	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// CalculateRMS returns the root mean square energy of samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DetectSilence reports whether samples fall below the energy threshold
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
