package vad

import (
	"errors"
	"fmt"
	"os"

	"github.com/streamer45/silero-vad-go/speech"
)

// sileroWindow is the number of frames batched per Detect call. The
// silero-vad-go detector iterates windows with `i < len(pcm)-windowSize`, so
// a single 512-sample frame yields zero inferences; two frames yield one.
const sileroWindow = 2

// SileroDetector runs the Silero neural VAD through silero-vad-go.
//
// silero-vad-go exposes segment detection rather than raw frame
// probabilities, so the detector tracks the triggered state across calls and
// reports a confidence derived from the configured threshold: comfortably
// above it while a segment is open, comfortably below otherwise. The
// processor's event timing still applies on top.
type SileroDetector struct {
	det       *speech.Detector
	threshold float64

	batch     []float32
	triggered bool
	closed    bool
}

// NewSileroDetector loads the Silero ONNX model at modelPath. threshold <= 0
// selects 0.5. A missing model file fails fast.
func NewSileroDetector(modelPath string, threshold float64) (*SileroDetector, error) {
	if modelPath == "" {
		return nil, errors.New("vad: silero model path must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("vad: silero model %q: %w", modelPath, err)
	}
	if threshold <= 0 {
		threshold = 0.5
	}

	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           16000,
		Threshold:            float32(threshold),
		MinSilenceDurationMs: 0, // debounce is the processor's job
		SpeechPadMs:          0,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: create silero detector: %w", err)
	}

	return &SileroDetector{
		det:       det,
		threshold: threshold,
		batch:     make([]float32, 0, FrameSize*sileroWindow),
	}, nil
}

// Predict implements [Detector]. Frames are batched in pairs before each
// Detect call; until a batch completes the previous trigger state is
// reported.
func (d *SileroDetector) Predict(frame []float32) (float64, error) {
	if d.closed {
		return 0, errors.New("vad: silero detector is closed")
	}
	d.batch = append(d.batch, frame...)
	if len(d.batch) < FrameSize*sileroWindow {
		return d.probability(), nil
	}

	segments, err := d.det.Detect(d.batch)
	// Keep one frame of overlap so window state stays continuous.
	d.batch = append(d.batch[:0], d.batch[FrameSize:]...)

	if err != nil {
		// "unexpected speech end" happens in streaming use when an end
		// triggers without a matching start inside the current batch; the
		// detector's internal state is still advanced correctly.
		if err.Error() != "unexpected speech end" {
			return 0, fmt.Errorf("vad: silero detect: %w", err)
		}
		d.triggered = false
		return d.probability(), nil
	}

	for _, seg := range segments {
		d.triggered = true
		if seg.SpeechEndAt > 0 {
			d.triggered = false
		}
	}
	return d.probability(), nil
}

// probability synthesises a confidence from the trigger state relative to the
// configured threshold.
func (d *SileroDetector) probability() float64 {
	if d.triggered {
		return min(d.threshold+0.25, 1)
	}
	return max(d.threshold-0.25, 0)
}

// Reset implements [Detector].
func (d *SileroDetector) Reset() {
	d.batch = d.batch[:0]
	d.triggered = false
	d.det.Reset()
}

// Close implements [Detector].
func (d *SileroDetector) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.det.Destroy()
}
