// Package audio provides the PCM plumbing shared by every transport and
// pipeline stage: sample-format conversion between the float32 frames used at
// module boundaries and the int16 little-endian PCM used on the wire,
// resampling between the pipeline's canonical rates, G.711 mu-law codecs for
// the telephony transport, and the ready-chime decoder.
//
// Two canonical rates are used throughout the pipeline: 16 kHz for analysis
// (VAD and STT input) and 24 kHz for synthesis (TTS output). The telephony
// wire additionally carries 8 kHz mu-law.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Canonical sample rates of the pipeline.
const (
	// AnalysisRate is the sample rate fed to the VAD and STT stages.
	AnalysisRate = 16000

	// SynthesisRate is the sample rate produced by the TTS stage and written
	// to the speaker path.
	SynthesisRate = 24000

	// TelephonyRate is the sample rate of the mu-law telephony wire.
	TelephonyRate = 8000
)

// bytesPerSample is the width of one int16 PCM sample on the wire.
const bytesPerSample = 2

// Float32ToPCM16 converts normalised float32 samples in [-1, 1] to int16
// little-endian PCM bytes. The scale (32768) matches [PCM16ToFloat32], so a
// round trip is exact to within one LSB. Out-of-range samples are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		v := int32(s * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// PCM16ToFloat32 converts int16 little-endian PCM bytes to normalised float32
// samples in [-1, 1]. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / bytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// DecodeFloat32LE reinterprets little-endian IEEE-754 float32 bytes (the
// browser mic wire format) as a sample slice. A trailing partial sample is
// ignored.
func DecodeFloat32LE(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// PCMDuration returns the playback duration of byteLen bytes of mono int16
// PCM at the given sample rate. Returns 0 for invalid inputs.
func PCMDuration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 || byteLen <= 0 {
		return 0
	}
	samples := byteLen / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// RMS returns the root-mean-square energy of normalised float32 samples.
// Returns 0 for an empty slice.
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
