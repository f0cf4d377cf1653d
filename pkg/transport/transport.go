// Package transport abstracts the audio surface a voice session runs on.
//
// An [Adapter] delivers mic samples to the pipeline as a channel of float32
// frames at 16 kHz, accepts 24 kHz speaker PCM with backpressure, clears the
// speaker on interrupt, resumes after an interrupt, and plays the ready
// chime. Two families of adapters exist: local device adapters
// (transport/local) that wrap echo-cancelling platform audio helpers, and
// remote WebSocket adapters (transport/ws) for browser and telephony wires.
package transport

import "context"

// Adapter is the transport surface a session controller drives. Adapters are
// owned by exactly one session; methods are not required to be safe for
// concurrent use beyond WriteSpeaker/Interrupt/Resume, which the TTS player
// and the controller may call from different goroutines.
type Adapter interface {
	// MicStream returns the mic sample stream: float32 frames at 16 kHz.
	// The channel closes when the capture side fails or the adapter is
	// closed; a closed mic stream is fatal to the session.
	MicStream() <-chan []float32

	// WriteSpeaker plays raw 24 kHz int16 LE PCM. It blocks for
	// backpressure and silently absorbs writes to a closed wire.
	WriteSpeaker(ctx context.Context, pcm []byte) error

	// Interrupt clears the speaker buffer immediately so no queued audio
	// plays after a barge-in.
	Interrupt() error

	// Resume re-enables the speaker path after an Interrupt.
	Resume() error

	// PlayChime plays the ready chime through the speaker path.
	PlayChime(ctx context.Context) error

	// Close releases all transport resources.
	Close() error
}
