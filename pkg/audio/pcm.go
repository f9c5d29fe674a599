package audio

import (
	"encoding/binary"
	"math"
)

// EncodePCM16 converts normalised float samples into 16-bit little-endian PCM.
// Samples are clamped to [-1, 1]; negative values scale by 0x8000 and positive
// values by 0x7FFF so both extremes map onto the full int16 range. NaN and
// infinite samples are encoded as silence.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sampleToInt16(s)))
	}
	return out
}

func sampleToInt16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 0x8000))
	}
	return int16(math.Round(v * 0x7FFF))
}

// DecodePCM16 converts 16-bit little-endian PCM back into normalised float
// samples using the same asymmetric scale as [EncodePCM16]. A trailing odd
// byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7FFF
		}
	}
	return out
}

// RMS returns the root-mean-square level of samples. Empty input yields 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// MeanAbs returns the mean absolute amplitude of samples. Empty input yields 0.
func MeanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}
