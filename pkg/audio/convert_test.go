package audio

import (
	"math"
	"testing"
)

// ─── resampling ───────────────────────────────────────────────────────────────

func TestResampleLinear_SameRateUnchanged(t *testing.T) {
	t.Parallel()

	in := []float32{0.1, 0.2, 0.3}
	out := ResampleLinear(in, 16000, 16000)
	if &out[0] != &in[0] {
		t.Error("same-rate resample should return the input unchanged")
	}
}

func TestResampleLinear_Lengths(t *testing.T) {
	t.Parallel()

	in := make([]float32, 48000)
	out := ResampleLinear(in, 48000, 16000)
	if len(out) != 16000 {
		t.Errorf("48k→16k of 1 s: got %d samples, want 16000", len(out))
	}
}

func TestResampleLinear_PreservesDC(t *testing.T) {
	t.Parallel()

	in := make([]float32, 1000)
	for i := range in {
		in[i] = 0.5
	}
	out := ResampleLinear(in, 24000, 16000)
	for i, s := range out {
		if math.Abs(float64(s)-0.5) > 1e-6 {
			t.Fatalf("sample %d = %f, want 0.5", i, s)
		}
	}
}

// ─── telephony rate conversion ────────────────────────────────────────────────

// TestUpsample8kTo16k_Silence verifies silence maps to silence exactly, which
// the telephony round-trip invariant depends on.
func TestUpsample8kTo16k_Silence(t *testing.T) {
	t.Parallel()

	out := Upsample8kTo16k(make([]int16, 800))
	if len(out) != 1600 {
		t.Fatalf("got %d samples, want 1600", len(out))
	}
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d = %d, want 0", i, s)
		}
	}
}

func TestUpsample8kTo16k_Midpoints(t *testing.T) {
	t.Parallel()

	out := Upsample8kTo16k([]int16{0, 100, 200})
	want := []int16{0, 50, 100, 150, 200, 200}
	if len(out) != len(want) {
		t.Fatalf("got %d samples, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestDownsample24kTo8k_BlockAverage(t *testing.T) {
	t.Parallel()

	out := Downsample24kTo8k([]int16{3, 6, 9, 30, 60, 90})
	want := []int16{6, 60}
	if len(out) != len(want) {
		t.Fatalf("got %d samples, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], want[i])
		}
	}
}

// TestTelephonyRoundTrip_Silence verifies 8→16→(24→)8 style chains keep
// silence at silence within ±1 LSB.
func TestTelephonyRoundTrip_Silence(t *testing.T) {
	t.Parallel()

	silence := make([]int16, 160) // 20 ms at 8 kHz
	up := Upsample8kTo16k(silence)
	// Pretend the pipeline produced silence at 24 kHz as well.
	down := Downsample24kTo8k(make([]int16, 480))

	for i, s := range up {
		if s > 1 || s < -1 {
			t.Fatalf("upsampled sample %d = %d", i, s)
		}
	}
	for i, s := range down {
		if s > 1 || s < -1 {
			t.Fatalf("downsampled sample %d = %d", i, s)
		}
	}
}

// ─── sample format conversion ─────────────────────────────────────────────────

func TestFloat32PCM16_RoundTrip(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.5, -0.5, 0.999, -0.999}
	out := PCM16ToFloat32(Float32ToPCM16(in))
	if len(out) != len(in) {
		t.Fatalf("got %d samples, want %d", len(out), len(in))
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1.0/32767 {
			t.Errorf("sample %d = %f, want ≈%f", i, out[i], in[i])
		}
	}
}

func TestDecodeFloat32LE(t *testing.T) {
	t.Parallel()

	data := []byte{0, 0, 0x80, 0x3f, 0, 0, 0, 0} // 1.0, 0.0
	out := DecodeFloat32LE(data)
	if len(out) != 2 || out[0] != 1.0 || out[1] != 0.0 {
		t.Errorf("got %v, want [1 0]", out)
	}
}

func TestPCMDuration(t *testing.T) {
	t.Parallel()

	// 24 kHz mono int16: 48000 bytes = 1 s.
	if d := PCMDuration(48000, SynthesisRate); d.Seconds() != 1.0 {
		t.Errorf("duration = %v, want 1s", d)
	}
	if d := PCMDuration(0, SynthesisRate); d != 0 {
		t.Errorf("zero bytes: duration = %v, want 0", d)
	}
}
