// Package tts turns text chunks into spoken audio on the session's speaker
// path.
//
// A [Player] buffers streaming fragments into sentences, synthesises each
// sentence through a [Synthesizer], writes the resulting 24 kHz PCM to the
// speaker, and tracks playback timing so callers can await the actual end of
// audio. Interruption is the central correctness concern: after Interrupt no
// byte synthesised for the interrupted turn may reach the speaker, and the
// adapter's resume is invoked exactly once before the next turn's first
// write.
//
// Two synthesizer backends are provided: [SubprocessSynthesizer], a
// long-running helper process speaking a length-prefixed PCM protocol, and
// [HTTPSynthesizer], a remote streaming endpoint returning chunked PCM.
package tts

import "context"

// Synthesizer converts one sentence to a stream of 24 kHz mono int16 LE PCM
// chunks. Implementations are used by a single Player and need not support
// concurrent Synthesize calls.
type Synthesizer interface {
	// Synthesize starts synthesis of text and returns a channel of PCM
	// chunks. The channel closes when the utterance is complete, on error,
	// or after Interrupt. The caller must drain the channel.
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)

	// Interrupt aborts the in-flight utterance. PCM already produced for it
	// must never surface from a later Synthesize call.
	Interrupt()

	// Close releases the backend. The synthesizer is unusable afterwards.
	Close() error
}
