package vad

import (
	"errors"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

// defaultEnergyThreshold is the RMS level (normalised samples) at which the
// energy detector reports probability 0.5. Tuned against close-mic speech;
// raise it in noisy rooms.
const defaultEnergyThreshold = 0.02

// EnergyDetector is an RMS-based speech probability estimator. It needs no
// model files and is the fallback when no Silero model is configured; it is
// also what the tests drive the event machine with.
//
// The probability mapping rms/(rms+threshold) is monotonic and crosses 0.5
// exactly when the RMS crosses the configured threshold, so the processor's
// activation threshold of 0.5 preserves the plain energy-gate behaviour.
type EnergyDetector struct {
	threshold float64
	closed    bool
}

// NewEnergyDetector creates an EnergyDetector. threshold <= 0 selects the
// default.
func NewEnergyDetector(threshold float64) *EnergyDetector {
	if threshold <= 0 {
		threshold = defaultEnergyThreshold
	}
	return &EnergyDetector{threshold: threshold}
}

// Predict implements [Detector].
func (d *EnergyDetector) Predict(frame []float32) (float64, error) {
	if d.closed {
		return 0, errors.New("vad: energy detector is closed")
	}
	rms := audio.RMS(frame)
	return rms / (rms + d.threshold), nil
}

// Reset implements [Detector]. The energy detector holds no model state.
func (d *EnergyDetector) Reset() {}

// Close implements [Detector].
func (d *EnergyDetector) Close() error {
	d.closed = true
	return nil
}
