package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Chime constraints. A decoded chime whose opening samples are loud almost
// always means a container header leaked into the PCM stream, so the decoder
// rejects it rather than playing a click at full volume into the speaker.
const (
	// chimeLeadIn is the span at the start of the chime that must be
	// near-silent.
	chimeLeadIn = 10 * time.Millisecond

	// chimeLeadInMaxAmplitude is the maximum |sample| tolerated inside the
	// lead-in window.
	chimeLeadInMaxAmplitude = 500

	chimeMinDuration = 500 * time.Millisecond
	chimeMaxDuration = 3 * time.Second
)

// DecodeWAV24k decodes a RIFF/WAVE file into raw mono int16 PCM at the
// synthesis rate (24 kHz). Stereo sources are downmixed by averaging.
func DecodeWAV24k(wav []byte) ([]byte, error) {
	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}

	pcm := wav[info.DataOffset:]
	if info.DataSize > 0 && info.DataSize < len(pcm) {
		pcm = pcm[:info.DataSize]
	}

	if info.Channels == 2 {
		pcm = stereoToMono(pcm)
	} else if info.Channels != 1 {
		return nil, fmt.Errorf("audio: WAV has %d channels; want mono or stereo", info.Channels)
	}

	return ResampleMono16(pcm, info.SampleRate, SynthesisRate), nil
}

// DecodeChime decodes a RIFF/WAVE system tone via [DecodeWAV24k] and
// validates the result against the chime constraints above; a failure
// indicates a malformed or header-polluted source file.
func DecodeChime(wav []byte) ([]byte, error) {
	pcm, err := DecodeWAV24k(wav)
	if err != nil {
		return nil, err
	}
	if err := ValidateChime(pcm); err != nil {
		return nil, err
	}
	return pcm, nil
}

// ValidateChime checks decoded chime PCM (24 kHz mono int16) against the
// lead-in and duration constraints.
func ValidateChime(pcm []byte) error {
	d := PCMDuration(len(pcm), SynthesisRate)
	if d < chimeMinDuration || d > chimeMaxDuration {
		return fmt.Errorf("audio: chime duration %v outside [%v, %v]", d, chimeMinDuration, chimeMaxDuration)
	}

	leadSamples := int(chimeLeadIn.Seconds() * SynthesisRate)
	for i := 0; i < leadSamples && i*2+1 < len(pcm); i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		if s < 0 {
			s = -s
		}
		if s >= chimeLeadInMaxAmplitude {
			return fmt.Errorf("audio: chime lead-in sample %d has amplitude %d (>= %d); header bytes may have leaked into the PCM stream",
				i, s, chimeLeadInMaxAmplitude)
		}
	}
	return nil
}

var (
	builtinChimeOnce sync.Once
	builtinChime     []byte
)

// BuiltinChime returns a generated two-tone ready chime (24 kHz mono int16
// PCM) for installations that have no decodable system tone. The buffer is
// generated once and shared; callers must not mutate it.
func BuiltinChime() []byte {
	builtinChimeOnce.Do(func() {
		builtinChime = generateChime()
	})
	return builtinChime
}

// generateChime synthesises a short ascending two-tone chime. The first 12 ms
// are silent and the attack is a 30 ms linear fade so the lead-in constraint
// holds by construction.
func generateChime() []byte {
	const (
		silence  = 12 * time.Millisecond
		fade     = 30 * time.Millisecond
		toneLen  = 350 * time.Millisecond
		peak     = 9000.0
		loFreq   = 880.0
		hiFreq   = 1174.7 // D6, a musical fourth above
	)

	total := silence + 2*toneLen
	n := int(total.Seconds() * SynthesisRate)
	samples := make([]int16, n)

	silentSamples := int(silence.Seconds() * SynthesisRate)
	fadeSamples := int(fade.Seconds() * SynthesisRate)
	toneSamples := int(toneLen.Seconds() * SynthesisRate)

	write := func(offset int, freq float64) {
		for i := 0; i < toneSamples && offset+i < n; i++ {
			amp := peak
			if i < fadeSamples {
				amp *= float64(i) / float64(fadeSamples)
			}
			// Fade out over the final quarter of the tone.
			if rem := toneSamples - i; rem < toneSamples/4 {
				amp *= float64(rem) / float64(toneSamples/4)
			}
			t := float64(i) / SynthesisRate
			samples[offset+i] = int16(amp * math.Sin(2*math.Pi*freq*t))
		}
	}

	write(silentSamples, loFreq)
	write(silentSamples+toneSamples, hiFreq)

	return Int16ToBytes(samples)
}

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int // byte offset of the first PCM sample
	DataSize   int // size of the data chunk in bytes
	SampleRate int // samples per second
	Channels   int // 1 = mono, 2 = stereo
}

// parseWAV scans the RIFF/WAVE container in wav and returns the data offset
// and audio format from the "fmt " sub-chunk. Walking the chunks is more
// robust than assuming a fixed 44-byte header because the fmt chunk size may
// vary and extra chunks (LIST, fact) may precede the data.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("audio: WAV data too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("audio: WAV data missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("audio: WAV data missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			info.DataSize = chunkSize
			if !foundFmt {
				return wavInfo{}, errors.New("audio: WAV data chunk appears before fmt chunk")
			}
			return info, nil
		}

		// Chunks are word-aligned: pad by 1 if the size is odd.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("audio: WAV data missing data chunk")
}

// stereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func stereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}
