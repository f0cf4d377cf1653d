// Package vad implements frame-level voice activity detection for the mic
// pipeline.
//
// A [Processor] accepts arbitrary-length float32 windows at 16 kHz, buffers
// them into fixed 512-sample frames, runs a [Detector] on each frame, and
// dispatches speech events through a callback. All timing logic (activation,
// confirmation, redemption debounce, long-silence) lives in the Processor so
// that detectors stay stateless probability estimators and the event machine
// can be tested with a scripted detector.
//
// Two detectors ship with the package: [EnergyDetector], a zero-dependency
// RMS estimator, and [SileroDetector], which runs the Silero neural VAD model
// through silero-vad-go.
package vad

import (
	"errors"
	"fmt"
)

// FrameSize is the number of 16 kHz samples per detector frame (32 ms).
const FrameSize = 512

// EventType enumerates VAD detection states.
type EventType int

const (
	// SpeechStart indicates the first frame whose probability crossed the
	// activation threshold.
	SpeechStart EventType = iota

	// SpeechContinue indicates speech sustained beyond the confirmation
	// window. The session controller uses it only for interruption
	// accounting.
	SpeechContinue

	// SpeechEnd indicates the probability has stayed below the activation
	// threshold for the redemption window (debounce against breath pauses).
	SpeechEnd

	// Silence indicates long-duration silence with no active segment.
	Silence
)

// String returns the event type name for logging.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one voice activity detection result.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Probability is the speech probability of the frame that produced the
	// event, in [0, 1].
	Probability float64
}

// Detector estimates the speech probability of a single frame. A Detector is
// driven from one goroutine at a time.
type Detector interface {
	// Predict returns the speech probability for one frame of exactly
	// [FrameSize] samples at 16 kHz.
	Predict(frame []float32) (float64, error)

	// Reset clears any internal model state without reloading the model.
	Reset()

	// Close releases model resources. The detector is unusable afterwards.
	Close() error
}

// Config holds the Processor's event-timing parameters. Durations are
// expressed in frames; one frame is 32 ms.
type Config struct {
	// ActivationThreshold is the probability at or above which a frame
	// counts as speech. Default 0.5.
	ActivationThreshold float64

	// ConfirmFrames is the number of consecutive speech frames after which
	// SpeechContinue fires once. Default 9 (~290 ms).
	ConfirmFrames int

	// RedemptionFrames is the number of consecutive sub-threshold frames
	// that end an active segment. Default 22 (~700 ms).
	RedemptionFrames int

	// SilenceFrames is the number of consecutive sub-threshold frames with
	// no active segment after which a Silence event fires once. Default 94
	// (~3 s).
	SilenceFrames int
}

func (c *Config) applyDefaults() {
	if c.ActivationThreshold <= 0 {
		c.ActivationThreshold = 0.5
	}
	if c.ConfirmFrames <= 0 {
		c.ConfirmFrames = 9
	}
	if c.RedemptionFrames <= 0 {
		c.RedemptionFrames = 22
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = 94
	}
}

// FramesForDuration converts a millisecond duration to whole detector frames,
// rounding up so short windows are never silently collapsed to zero.
func FramesForDuration(ms int) int {
	const frameMs = FrameSize * 1000 / 16000 // 32
	if ms <= 0 {
		return 0
	}
	return (ms + frameMs - 1) / frameMs
}

// Processor buffers incoming audio into detector frames and runs the speech
// event machine. It is driven synchronously from the mic pump goroutine and
// is not safe for concurrent use.
type Processor struct {
	det Detector
	cfg Config
	cb  func(Event)

	pending []float32

	inSpeech      bool
	confirmed     bool
	speechFrames  int
	silenceFrames int
	quietFrames   int
	silenceFired  bool

	closed bool
}

// NewProcessor creates a Processor that feeds frames to det and dispatches
// events through cb. cb is invoked synchronously from [Processor.Process].
func NewProcessor(det Detector, cfg Config, cb func(Event)) (*Processor, error) {
	if det == nil {
		return nil, errors.New("vad: detector must not be nil")
	}
	if cb == nil {
		return nil, errors.New("vad: callback must not be nil")
	}
	cfg.applyDefaults()
	return &Processor{
		det:     det,
		cfg:     cfg,
		cb:      cb,
		pending: make([]float32, 0, FrameSize*2),
	}, nil
}

// Process appends a window of 16 kHz samples and runs the detector on every
// complete frame now available. Events fire synchronously, in order.
func (p *Processor) Process(samples []float32) error {
	if p.closed {
		return errors.New("vad: processor is closed")
	}
	p.pending = append(p.pending, samples...)

	for len(p.pending) >= FrameSize {
		frame := p.pending[:FrameSize]
		p.pending = p.pending[FrameSize:]

		prob, err := p.det.Predict(frame)
		if err != nil {
			return fmt.Errorf("vad: predict: %w", err)
		}
		p.step(prob)
	}
	return nil
}

// step advances the event machine by one frame result.
func (p *Processor) step(prob float64) {
	speech := prob >= p.cfg.ActivationThreshold

	if p.inSpeech {
		if speech {
			p.speechFrames++
			p.silenceFrames = 0
			if !p.confirmed && p.speechFrames >= p.cfg.ConfirmFrames {
				p.confirmed = true
				p.cb(Event{Type: SpeechContinue, Probability: prob})
			}
			return
		}
		p.silenceFrames++
		if p.silenceFrames >= p.cfg.RedemptionFrames {
			p.inSpeech = false
			p.confirmed = false
			p.speechFrames = 0
			p.silenceFrames = 0
			p.quietFrames = 0
			p.silenceFired = false
			p.cb(Event{Type: SpeechEnd, Probability: prob})
		}
		return
	}

	if speech {
		p.inSpeech = true
		p.confirmed = false
		p.speechFrames = 1
		p.silenceFrames = 0
		p.cb(Event{Type: SpeechStart, Probability: prob})
		return
	}

	p.quietFrames++
	if !p.silenceFired && p.quietFrames >= p.cfg.SilenceFrames {
		p.silenceFired = true
		p.cb(Event{Type: Silence, Probability: prob})
	}
}

// Reset returns the processor to the initial non-speech state and clears the
// pending sample buffer. The detector's model state is reset without a reload.
func (p *Processor) Reset() {
	p.pending = p.pending[:0]
	p.inSpeech = false
	p.confirmed = false
	p.speechFrames = 0
	p.silenceFrames = 0
	p.quietFrames = 0
	p.silenceFired = false
	p.det.Reset()
}

// Active reports whether a speech segment is currently open.
func (p *Processor) Active() bool { return p.inSpeech }

// Close releases the detector. Calling Close more than once is safe.
func (p *Processor) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.det.Close()
}
